//go:build unix

package subprocess

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/subprocess"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()

	logger := zaptest.NewLogger(t)
	mux := subprocess.New(
		subprocess.WithLogger(logger),
		subprocess.WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, mux.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, mux.Stop(ctx))
	})
	return NewProvider(mux, 0, logger)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func execute(t *testing.T, p *Provider, toolID string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, err := p.Execute(testContext(t), toolID, params, nil)
	require.NoError(t, err, toolID)
	require.True(t, result.Success, toolID)
	return result.Data
}

func TestDefinition(t *testing.T) {
	p := NewProvider(subprocess.New(), 0, nil)
	def := p.Definition()

	assert.Equal(t, "subprocess", def.ID)
	assert.Equal(t, types.CategoryProcess, def.Category)

	seen := make(map[string]bool)
	for _, tool := range def.Tools {
		assert.False(t, seen[tool.ID], "duplicate tool %s", tool.ID)
		seen[tool.ID] = true
	}
	for _, toolID := range []string{
		"subprocess.spawn",
		"subprocess.write",
		"subprocess.read",
		"subprocess.close_pipe",
		"subprocess.kill",
		"subprocess.wait",
		"subprocess.get_process",
		"subprocess.list_processes",
		"subprocess.cleanup",
	} {
		assert.True(t, seen[toolID], "missing tool %s", toolID)
	}
}

func TestEchoFlow(t *testing.T) {
	p := newTestProvider(t)

	proc := execute(t, p, "subprocess.spawn", map[string]interface{}{
		"command":   "/bin/sh",
		"arguments": []interface{}{"-c", "head -c 5"},
	})
	procID := proc["id"].(string)
	stdin := float64(proc["stdin"].(int))
	stdout := float64(proc["stdout"].(int))
	assert.Equal(t, "running", proc["state"])
	assert.Contains(t, proc, "stderr")

	wrote := execute(t, p, "subprocess.write", map[string]interface{}{
		"pipe_id":     stdin,
		"data_base64": base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	assert.Equal(t, 5, wrote["bytes_written"])

	var output string
	for len(output) < 5 {
		read := execute(t, p, "subprocess.read", map[string]interface{}{
			"pipe_id":    stdout,
			"max_length": float64(5 - len(output)),
		})
		require.False(t, read["eof"].(bool))
		output += read["output"].(string)
	}
	assert.Equal(t, "hello", output)

	waited := execute(t, p, "subprocess.wait", map[string]interface{}{"process_id": procID})
	assert.Equal(t, 0, waited["exit_code"])

	read := execute(t, p, "subprocess.read", map[string]interface{}{"pipe_id": stdout})
	assert.True(t, read["eof"].(bool))

	info := execute(t, p, "subprocess.get_process", map[string]interface{}{"process_id": procID})
	assert.Equal(t, "exited", info["state"])
	assert.Equal(t, 0, info["exit_code"])

	execute(t, p, "subprocess.close_pipe", map[string]interface{}{"pipe_id": stdin})
	execute(t, p, "subprocess.cleanup", map[string]interface{}{"process_id": procID})

	_, err := p.Execute(testContext(t), "subprocess.get_process", map[string]interface{}{"process_id": procID}, nil)
	assert.ErrorIs(t, err, subprocess.ErrInvalidReference)
}

func TestKillAndList(t *testing.T) {
	p := newTestProvider(t)

	proc := execute(t, p, "subprocess.spawn", map[string]interface{}{
		"command":     "sleep",
		"arguments":   []interface{}{"30"},
		"stderr":      "stdout",
		"environment": map[string]interface{}{"PATH": "/usr/bin:/bin"},
	})
	procID := proc["id"].(string)
	assert.NotContains(t, proc, "stderr")

	list := execute(t, p, "subprocess.list_processes", nil)
	assert.Equal(t, 1, list["count"])

	execute(t, p, "subprocess.kill", map[string]interface{}{"process_id": procID})
	waited := execute(t, p, "subprocess.wait", map[string]interface{}{"process_id": procID})
	assert.Equal(t, subprocess.ForceKillExitCode, waited["exit_code"])
}

func TestCleanupRunning(t *testing.T) {
	p := newTestProvider(t)

	proc := execute(t, p, "subprocess.spawn", map[string]interface{}{
		"command":   "/bin/sh",
		"arguments": []interface{}{"-c", "sleep 30"},
	})

	_, err := p.Execute(testContext(t), "subprocess.cleanup", map[string]interface{}{"process_id": proc["id"]}, nil)
	assert.ErrorIs(t, err, subprocess.ErrProcessRunning)
}

func TestSpawnNonexistent(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.Execute(testContext(t), "subprocess.spawn", map[string]interface{}{
		"command": "/nonexistent/program",
	}, nil)

	var spawnErr *subprocess.SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "/nonexistent/program", spawnErr.Command)

	list := execute(t, p, "subprocess.list_processes", nil)
	assert.Equal(t, 0, list["count"])
}

func TestInvalidParams(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		name   string
		toolID string
		params map[string]interface{}
	}{
		{"unknown tool", "subprocess.unknown", nil},
		{"missing command", "subprocess.spawn", map[string]interface{}{}},
		{"bad arguments", "subprocess.spawn", map[string]interface{}{"command": "true", "arguments": []interface{}{1.0}}},
		{"bad environment", "subprocess.spawn", map[string]interface{}{"command": "true", "environment": "PATH=/bin"}},
		{"bad environment name", "subprocess.spawn", map[string]interface{}{"command": "true", "environment": map[string]interface{}{"A=B": "x"}}},
		{"nul in argument", "subprocess.spawn", map[string]interface{}{"command": "true", "arguments": []interface{}{"a\x00b"}}},
		{"bad max_length", "subprocess.read", map[string]interface{}{"pipe_id": 1.0, "max_length": 0.0}},
		{"malformed process id", "subprocess.get_process", map[string]interface{}{"process_id": "proc 1"}},
		{"bad stderr", "subprocess.spawn", map[string]interface{}{"command": "true", "stderr": "file"}},
		{"missing pipe", "subprocess.write", map[string]interface{}{"data": "x"}},
		{"missing data", "subprocess.write", map[string]interface{}{"pipe_id": 1.0}},
		{"bad base64", "subprocess.write", map[string]interface{}{"pipe_id": 1.0, "data_base64": "!!"}},
		{"missing process", "subprocess.wait", map[string]interface{}{}},
		{"unknown process", "subprocess.kill", map[string]interface{}{"process_id": "proc_missing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Execute(testContext(t), tt.toolID, tt.params, nil)
			assert.Error(t, err)
		})
	}
}

func TestUnknownPipe(t *testing.T) {
	p := newTestProvider(t)

	read := execute(t, p, "subprocess.read", map[string]interface{}{"pipe_id": 99.0})
	assert.True(t, read["eof"].(bool))

	execute(t, p, "subprocess.close_pipe", map[string]interface{}{"pipe_id": 99.0})

	_, err := p.Execute(testContext(t), "subprocess.write", map[string]interface{}{"pipe_id": 99.0, "data": "x"}, nil)
	assert.ErrorIs(t, err, subprocess.ErrClosed)
}

func TestExecuteRecordsSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := tracing.New("subprocess", zap.New(core))
	p := newTestProvider(t).WithTracer(tracer)

	appID := "test-app"
	_, err := p.Execute(testContext(t), "subprocess.list_processes", nil, &types.Context{AppID: &appID})
	require.NoError(t, err)
	_, err = p.Execute(testContext(t), "subprocess.unknown", nil, nil)
	require.Error(t, err)

	tracer.Close()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "subprocess.list_processes", entries[0].ContextMap()["operation"])
	assert.Equal(t, appID, entries[0].ContextMap()["app_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestHandle(t *testing.T) {
	p := newTestProvider(t)

	result := p.Handle(testContext(t), types.ExecuteRequest{ToolID: "subprocess.list_processes"})
	assert.True(t, result.Success)
	assert.Nil(t, result.Error)

	result = p.Handle(testContext(t), types.ExecuteRequest{
		ToolID: "subprocess.wait",
		Params: map[string]interface{}{"process_id": "proc_missing"},
	})
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Contains(t, *result.Error, "proc_missing")
}

func TestSpawnRateLimit(t *testing.T) {
	p := newTestProvider(t)
	p.SetSpawnRate(0.001)

	params := map[string]interface{}{"command": "true"}
	proc := execute(t, p, "subprocess.spawn", params)

	// The burst is spent; the next token is far beyond the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Execute(ctx, "subprocess.spawn", params, nil)
	assert.Error(t, err)

	p.SetSpawnRate(0)
	execute(t, p, "subprocess.spawn", params)

	waited := execute(t, p, "subprocess.wait", map[string]interface{}{"process_id": proc["id"]})
	assert.Equal(t, 0, waited["exit_code"])
}
