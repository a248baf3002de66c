package subprocess

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/shared/utils"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/subprocess"
)

// DefaultReadSize is used when a read does not name a max_length
const DefaultReadSize = 65536

// Provider implements subprocess operations on top of a Multiplexer
type Provider struct {
	mux      *subprocess.Multiplexer
	readSize int
	logger   *zap.Logger
	tracer   *tracing.Tracer

	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewProvider creates a provider for mux. The caller owns mux and its
// Start/Stop lifecycle.
func NewProvider(mux *subprocess.Multiplexer, readSize int, logger *zap.Logger) *Provider {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		mux:      mux,
		readSize: readSize,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Inf, 0), // Unlimited by default
	}
}

// SetSpawnRate limits how many processes may be spawned per second. Zero
// or less removes the limit.
func (p *Provider) SetSpawnRate(rps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rps <= 0 {
		p.limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		p.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithTracer records a span for every executed tool.
func (p *Provider) WithTracer(tracer *tracing.Tracer) *Provider {
	p.tracer = tracer
	return p
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:          "subprocess",
		Name:        "Subprocess Service",
		Description: "Spawn child processes and drive their standard streams asynchronously",
		Category:    types.CategoryProcess,
		Capabilities: []string{
			"spawn",
			"pipes",
			"kill",
			"exit_status",
			"pty",
		},
		Tools: p.getTools(),
		DataModels: []types.DataModel{
			{
				Name: "process_info",
				Fields: map[string]string{
					"id":        "string",
					"pid":       "number",
					"command":   "string",
					"state":     "string",
					"exit_code": "number",
					"stdin":     "number",
					"stdout":    "number",
					"stderr":    "number",
					"pipes":     "array",
				},
			},
		},
	}
}

// Execute routes to appropriate operation
func (p *Provider) Execute(ctx context.Context, toolID string, params map[string]interface{}, appCtx *types.Context) (*types.Result, error) {
	if err := utils.ValidateToolID(toolID, "tool", true); err != nil {
		return nil, err
	}
	if appCtx != nil && appCtx.AppID != nil {
		p.logger.Debug("Executing tool", zap.String("tool", toolID), zap.String("app_id", *appCtx.AppID))
	}

	if p.tracer == nil {
		return p.dispatch(ctx, toolID, params)
	}

	span, ctx := p.tracer.StartSpan(ctx, toolID)
	if appCtx != nil && appCtx.AppID != nil {
		span.SetTag("app_id", *appCtx.AppID)
	}
	result, err := p.dispatch(ctx, toolID, params)
	if err != nil {
		span.SetError(err)
	}
	span.Finish()
	p.tracer.Submit(span)
	return result, err
}

// Handle executes req and folds any error into an unsuccessful result
func (p *Provider) Handle(ctx context.Context, req types.ExecuteRequest) *types.Result {
	result, err := p.Execute(ctx, req.ToolID, req.Params, &types.Context{AppID: req.AppID})
	if err != nil {
		return types.Failure(err)
	}
	return result
}

func (p *Provider) dispatch(ctx context.Context, toolID string, params map[string]interface{}) (*types.Result, error) {
	switch toolID {
	case "subprocess.spawn":
		return p.spawn(ctx, params)
	case "subprocess.write":
		return p.write(ctx, params)
	case "subprocess.read":
		return p.read(ctx, params)
	case "subprocess.close_pipe":
		return p.closePipe(ctx, params)
	case "subprocess.kill":
		return p.kill(params)
	case "subprocess.wait":
		return p.wait(ctx, params)
	case "subprocess.get_process":
		return p.getProcess(params)
	case "subprocess.list_processes":
		return p.listProcesses()
	case "subprocess.cleanup":
		return p.cleanup(params)
	default:
		return nil, fmt.Errorf("unknown tool: %s", toolID)
	}
}

func (p *Provider) getTools() []types.Tool {
	processID := types.Parameter{
		Name:        "process_id",
		Type:        "string",
		Description: "Process ID returned by subprocess.spawn",
		Required:    true,
	}
	pipeID := types.Parameter{
		Name:        "pipe_id",
		Type:        "number",
		Description: "Pipe ID returned by subprocess.spawn",
		Required:    true,
	}

	return []types.Tool{
		{
			ID:          "subprocess.spawn",
			Name:        "Spawn Process",
			Description: "Start a child process with redirected stdin, stdout and stderr",
			Parameters: []types.Parameter{
				{
					Name:        "command",
					Type:        "string",
					Description: "Program to run; looked up in PATH when it has no path separator",
					Required:    true,
				},
				{
					Name:        "arguments",
					Type:        "array",
					Description: "Arguments passed after the command",
					Required:    false,
				},
				{
					Name:        "environment",
					Type:        "object",
					Description: "Complete environment for the child. Defaults to the service's own",
					Required:    false,
				},
				{
					Name:        "workdir",
					Type:        "string",
					Description: "Working directory of the child",
					Required:    false,
				},
				{
					Name:        "stderr",
					Type:        "string",
					Description: "Where stderr goes: pipe, stdout or inherit. Defaults to pipe",
					Required:    false,
				},
				{
					Name:        "terminal",
					Type:        "boolean",
					Description: "Run the child on a pseudo-terminal",
					Required:    false,
				},
			},
			Returns: "process_info",
		},
		{
			ID:          "subprocess.write",
			Name:        "Write to Pipe",
			Description: "Write data to a child's stdin pipe",
			Parameters: []types.Parameter{
				pipeID,
				{
					Name:        "data",
					Type:        "string",
					Description: "Text to write",
					Required:    false,
				},
				{
					Name:        "data_base64",
					Type:        "string",
					Description: "Base64 encoded bytes to write; takes precedence over data",
					Required:    false,
				},
			},
			Returns: "bytes_written",
		},
		{
			ID:          "subprocess.read",
			Name:        "Read from Pipe",
			Description: "Read up to max_length bytes from a child's stdout or stderr pipe",
			Parameters: []types.Parameter{
				pipeID,
				{
					Name:        "max_length",
					Type:        "number",
					Description: "Maximum number of bytes to return",
					Required:    false,
				},
			},
			Returns: "output_data",
		},
		{
			ID:          "subprocess.close_pipe",
			Name:        "Close Pipe",
			Description: "Close a pipe after its pending requests finish, or immediately with force",
			Parameters: []types.Parameter{
				pipeID,
				{
					Name:        "force",
					Type:        "boolean",
					Description: "Reject pending requests and close immediately",
					Required:    false,
				},
			},
			Returns: "success",
		},
		{
			ID:          "subprocess.kill",
			Name:        "Kill Process",
			Description: "Forcibly terminate a child; its exit code becomes -9",
			Parameters:  []types.Parameter{processID},
			Returns:     "success",
		},
		{
			ID:          "subprocess.wait",
			Name:        "Wait for Process",
			Description: "Wait until a child exits and return its exit code",
			Parameters:  []types.Parameter{processID},
			Returns:     "exit_code",
		},
		{
			ID:          "subprocess.get_process",
			Name:        "Get Process Info",
			Description: "Get information about a child process",
			Parameters:  []types.Parameter{processID},
			Returns:     "process_info",
		},
		{
			ID:          "subprocess.list_processes",
			Name:        "List Processes",
			Description: "List every registered child process",
			Parameters:  []types.Parameter{},
			Returns:     "processes_list",
		},
		{
			ID:          "subprocess.cleanup",
			Name:        "Cleanup Process",
			Description: "Forget an exited child and close its remaining pipes",
			Parameters:  []types.Parameter{processID},
			Returns:     "success",
		},
	}
}

func (p *Provider) spawn(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	command, _ := params["command"].(string)
	args, err := stringSlice(params, "arguments")
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateCommand(command, args); err != nil {
		return nil, err
	}
	env, err := stringMap(params, "environment")
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateEnvironment(env); err != nil {
		return nil, err
	}

	workdir, _ := params["workdir"].(string)
	if err := utils.ValidateString(workdir, "workdir", 0, utils.MaxCommandLength, false); err != nil {
		return nil, err
	}
	stderrParam, _ := params["stderr"].(string)
	stderr, err := subprocess.ParseStderrMode(stderrParam)
	if err != nil {
		return nil, err
	}
	terminal, _ := params["terminal"].(bool)

	p.mu.RLock()
	limiter := p.limiter
	p.mu.RUnlock()

	// Wait for rate limiter
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("spawn rate limit: %w", err)
	}

	proc, err := p.mux.Spawn(ctx, subprocess.Options{
		Command:     command,
		Arguments:   args,
		Environment: env,
		WorkDir:     workdir,
		Stderr:      stderr,
		Terminal:    terminal,
	})
	if err != nil {
		return nil, err
	}

	return &types.Result{
		Success: true,
		Data:    describe(proc).toMap(),
	}, nil
}

func (p *Provider) write(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	pipe, err := p.pipe(params)
	if err != nil {
		return nil, err
	}

	var data []byte
	if encoded, ok := params["data_base64"].(string); ok {
		if data, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, fmt.Errorf("invalid data_base64: %w", err)
		}
	} else if text, ok := params["data"].(string); ok {
		data = []byte(text)
	} else {
		return nil, fmt.Errorf("data or data_base64 is required")
	}
	if len(data) > utils.MaxWriteSize {
		return nil, fmt.Errorf("data must not exceed %d bytes", utils.MaxWriteSize)
	}

	n, err := pipe.WriteContext(ctx, data)
	if err != nil {
		return nil, err
	}

	return &types.Result{
		Success: true,
		Data:    map[string]interface{}{"bytes_written": n},
	}, nil
}

func (p *Provider) read(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	maxLength := p.readSize
	if n, ok := params["max_length"].(float64); ok {
		maxLength = int(n)
	}
	if err := utils.ValidateLength(maxLength, "max_length", utils.MaxReadLength); err != nil {
		return nil, err
	}

	pipe, err := p.pipe(params)
	if errors.Is(err, subprocess.ErrClosed) {
		return eofResult(), nil
	}
	if err != nil {
		return nil, err
	}

	output, err := pipe.ReadContext(ctx, maxLength)
	if errors.Is(err, subprocess.ErrClosed) {
		return eofResult(), nil
	}
	if err != nil {
		return nil, err
	}

	return &types.Result{
		Success: true,
		Data: map[string]interface{}{
			"output":        string(output),
			"output_base64": base64.StdEncoding.EncodeToString(output),
			"length":        len(output),
			"eof":           false,
		},
	}, nil
}

// eofResult reports a pipe that has been closed, normally because the
// child finished writing.
func eofResult() *types.Result {
	return &types.Result{
		Success: true,
		Data: map[string]interface{}{
			"output":        "",
			"output_base64": "",
			"length":        0,
			"eof":           true,
		},
	}
}

func (p *Provider) closePipe(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	pipe, err := p.pipe(params)
	if err != nil && !errors.Is(err, subprocess.ErrClosed) {
		return nil, err
	}

	if pipe != nil {
		force, _ := params["force"].(bool)
		if _, err := pipe.Close(force).Wait(ctx); err != nil {
			return nil, err
		}
	}

	return &types.Result{
		Success: true,
		Data:    map[string]interface{}{"success": true},
	}, nil
}

func (p *Provider) kill(params map[string]interface{}) (*types.Result, error) {
	proc, err := p.process(params)
	if err != nil {
		return nil, err
	}

	if err := proc.Kill(); err != nil {
		return nil, err
	}

	return &types.Result{
		Success: true,
		Data:    map[string]interface{}{"success": true},
	}, nil
}

func (p *Provider) wait(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	proc, err := p.process(params)
	if err != nil {
		return nil, err
	}

	code, err := proc.Wait(ctx)
	if err != nil {
		return nil, err
	}

	return &types.Result{
		Success: true,
		Data:    map[string]interface{}{"exit_code": code},
	}, nil
}

func (p *Provider) getProcess(params map[string]interface{}) (*types.Result, error) {
	proc, err := p.process(params)
	if err != nil {
		return nil, err
	}

	return &types.Result{
		Success: true,
		Data:    describe(proc).toMap(),
	}, nil
}

func (p *Provider) listProcesses() (*types.Result, error) {
	procs, err := p.mux.Processes()
	if err != nil {
		return nil, err
	}

	infos := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		infos = append(infos, describe(proc))
	}

	return &types.Result{
		Success: true,
		Data: map[string]interface{}{
			"processes": infos,
			"count":     len(infos),
		},
	}, nil
}

func (p *Provider) cleanup(params map[string]interface{}) (*types.Result, error) {
	procID, _ := params["process_id"].(string)
	if err := utils.ValidateID(procID, "process_id", true); err != nil {
		return nil, err
	}

	if err := p.mux.CleanupProcess(id.ProcessID(procID)); err != nil {
		return nil, err
	}

	return &types.Result{
		Success: true,
		Data:    map[string]interface{}{"success": true},
	}, nil
}

func (p *Provider) process(params map[string]interface{}) (*subprocess.Process, error) {
	procID, _ := params["process_id"].(string)
	if err := utils.ValidateID(procID, "process_id", true); err != nil {
		return nil, err
	}
	return p.mux.Process(id.ProcessID(procID))
}

func (p *Provider) pipe(params map[string]interface{}) (*subprocess.Pipe, error) {
	pipeID, ok := params["pipe_id"].(float64)
	if !ok {
		return nil, fmt.Errorf("pipe_id is required")
	}
	return p.mux.Pipe(int(pipeID))
}

func stringSlice(params map[string]interface{}, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string", key, i)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be an array of strings", key)
}

func stringMap(params map[string]interface{}, key string) (map[string]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s.%s must be a string", key, k)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be an object of strings", key)
}
