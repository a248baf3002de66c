package types

// ExecuteRequest represents a service execution request
type ExecuteRequest struct {
	ToolID string                 `json:"tool_id"`
	Params map[string]interface{} `json:"params"`
	AppID  *string                `json:"app_id,omitempty"`
}
