// Package types defines the request/response contract between a remote
// command dispatcher and the subprocess service.
//
// Core Types:
//   - Service: Service provider definition
//   - Tool, Parameter: Tool specification
//   - Context: Execution context for operations
//   - Result: Standard operation result
//   - ExecuteRequest: Service tool execution
//
// Example Usage:
//
//	result, err := provider.Execute(ctx, req.ToolID, req.Params, &types.Context{AppID: req.AppID})
//	if err != nil {
//	    result = types.Failure(err)
//	}
package types
