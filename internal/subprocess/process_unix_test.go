//go:build unix

package subprocess

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sh(script string) Options {
	return Options{Command: "/bin/sh", Arguments: []string{"-c", script}}
}

func spawn(t *testing.T, m *Multiplexer, opts Options) *Process {
	t.Helper()
	proc, err := m.Spawn(testContext(t), opts)
	require.NoError(t, err)
	return proc
}

// readAll reads p until it is closed at end of file.
func readAll(ctx context.Context, p *Pipe) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := p.ReadContext(ctx, 1024)
		if errors.Is(err, ErrClosed) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.Write(chunk)
	}
}

// readN reads exactly n bytes from p.
func readN(ctx context.Context, p *Pipe, n int) (string, error) {
	var sb strings.Builder
	for sb.Len() < n {
		chunk, err := p.ReadContext(ctx, n-sb.Len())
		if err != nil {
			return sb.String(), err
		}
		sb.Write(chunk)
	}
	return sb.String(), nil
}

func TestSpawnEcho(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	proc := spawn(t, m, sh("head -c 5"))
	assert.Equal(t, StateRunning, proc.State())
	assert.True(t, proc.ID().Valid())
	assert.Positive(t, proc.PID())
	assert.Len(t, proc.Pipes(), 3)

	n, err := proc.Stdin().WriteContext(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	out, err := readN(ctx, proc.Stdout(), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, StateExited, proc.State())
	assert.Equal(t, ExitStatus{Code: 0, Exited: true}, proc.ExitStatus())
}

func TestSpawnExitCode(t *testing.T) {
	m := newTestMux(t)

	proc := spawn(t, m, sh("exit 3"))
	code, err := proc.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestProcessRunningStatus(t *testing.T) {
	m := newTestMux(t)

	proc := spawn(t, m, sh("exec sleep 30"))
	assert.Equal(t, ExitStatus{}, proc.ExitStatus(), "a running process has no exit code")

	require.NoError(t, proc.Kill())
	_, err := proc.Wait(testContext(t))
	require.NoError(t, err)
}

func TestKillReportsSentinel(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	proc := spawn(t, m, sh("exec sleep 30"))
	require.NoError(t, proc.Kill())
	require.NoError(t, proc.Kill())

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ForceKillExitCode, code)

	// Killing an exited process does nothing
	require.NoError(t, proc.Kill())
	assert.Equal(t, ForceKillExitCode, proc.ExitStatus().Code)
}

func TestSignalDeathIsNegated(t *testing.T) {
	m := newTestMux(t)

	proc := spawn(t, m, sh("kill -TERM $$"))
	code, err := proc.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, -15, code)
}

func TestHangupIsNotUnknown(t *testing.T) {
	m := newTestMux(t)

	proc := spawn(t, m, sh("kill -HUP $$"))
	code, err := proc.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, -1, code)
	assert.NotEqual(t, UnknownExitCode, code)
}

func TestStderrToStdout(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	opts := sh("echo oops 1>&2")
	opts.Stderr = StderrStdout
	proc := spawn(t, m, opts)

	assert.Len(t, proc.Pipes(), 2)
	assert.Nil(t, proc.Stderr())

	out, err := readAll(ctx, proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "oops\n", out)
}

func TestStderrPipe(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	proc := spawn(t, m, sh("echo out; echo err 1>&2"))
	require.NotNil(t, proc.Stderr())
	assert.Equal(t, Input, proc.Stderr().Direction())
	assert.Equal(t, Output, proc.Stdin().Direction())

	out, err := readAll(ctx, proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "out\n", out)

	errOut, err := readAll(ctx, proc.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "err\n", errOut)
}

func TestStderrInherit(t *testing.T) {
	m := newTestMux(t)

	opts := sh("exit 0")
	opts.Stderr = StderrInherit
	proc := spawn(t, m, opts)

	assert.Len(t, proc.Pipes(), 2)
	code, err := proc.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestSpawnNonexistentCommand(t *testing.T) {
	m := newTestMux(t)

	for _, cmd := range []string{"/nonexistent/command", "definitely-not-a-command-4f1c"} {
		t.Run(cmd, func(t *testing.T) {
			proc, err := m.Spawn(testContext(t), Options{Command: cmd})
			assert.Nil(t, proc)

			var spawnErr *SpawnError
			require.ErrorAs(t, err, &spawnErr)
			assert.Equal(t, cmd, spawnErr.Command)

			procs, err := m.Processes()
			require.NoError(t, err)
			assert.Empty(t, procs)
			assert.Zero(t, m.LiveHandles())
		})
	}
	assert.EqualValues(t, 2, m.Metrics().Snapshot().SpawnFailures)
}

func TestEnvironmentAndWorkDir(t *testing.T) {
	m := newTestMux(t)
	dir := t.TempDir()

	opts := sh(`printf '%s|%s|%s' "$GREETING" "$HOME" "$(pwd -P)"`)
	opts.Environment = map[string]string{"GREETING": "hi"}
	opts.WorkDir = dir
	proc := spawn(t, m, opts)

	out, err := readAll(testContext(t), proc.Stdout())
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, "hi||"+resolved, out)
}

func TestInheritedEnvironment(t *testing.T) {
	m := newTestMux(t)
	t.Setenv("SUBPROCESS_TEST_MARKER", "inherited")

	proc := spawn(t, m, sh(`printf '%s' "$SUBPROCESS_TEST_MARKER"`))
	out, err := readAll(testContext(t), proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "inherited", out)
}

func TestTerminalMode(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	opts := sh("test -t 0 && test -t 1 && echo tty")
	opts.Terminal = true
	proc := spawn(t, m, opts)

	assert.Len(t, proc.Pipes(), 2)
	assert.Nil(t, proc.Stderr())

	out, err := readAll(ctx, proc.Stdout())
	require.NoError(t, err)
	assert.Contains(t, out, "tty")

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestReaperExitDetection(t *testing.T) {
	usePidfd = false
	t.Cleanup(func() { usePidfd = true })

	m := newTestMux(t)
	ctx := testContext(t)

	proc := spawn(t, m, sh("exit 7"))
	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	proc = spawn(t, m, sh("exec sleep 30"))
	require.NoError(t, proc.Kill())
	code, err = proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ForceKillExitCode, code)
}

func TestCleanupProcess(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	proc := spawn(t, m, sh("exec sleep 30"))
	assert.ErrorIs(t, m.CleanupProcess(proc.ID()), ErrProcessRunning)

	found, err := m.Process(proc.ID())
	require.NoError(t, err)
	assert.Same(t, proc, found)

	require.NoError(t, proc.Kill())
	_, err = proc.Wait(ctx)
	require.NoError(t, err)

	// Exited processes stay registered until cleaned up
	_, err = m.Process(proc.ID())
	require.NoError(t, err)

	require.NoError(t, m.CleanupProcess(proc.ID()))
	_, err = m.Process(proc.ID())
	assert.ErrorIs(t, err, ErrInvalidReference)

	for _, p := range proc.Pipes() {
		_, err := m.Pipe(p.ID())
		assert.ErrorIs(t, err, ErrClosed)
	}
	assert.Zero(t, m.LiveHandles())
}

func TestStdoutClosesAfterExit(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	proc := spawn(t, m, sh("echo hi"))
	out, err := readAll(ctx, proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)

	_, err = proc.Wait(ctx)
	require.NoError(t, err)

	_, err = m.Pipe(proc.Stdout().ID())
	assert.ErrorIs(t, err, ErrClosed)

	// Stdin stays open until closed by the caller
	_, err = m.Pipe(proc.Stdin().ID())
	require.NoError(t, err)
	_, err = proc.Stdin().Close(false).Wait(ctx)
	require.NoError(t, err)
}

func TestWriteToExitedChildFails(t *testing.T) {
	m := newTestMux(t)
	ctx := testContext(t)

	proc := spawn(t, m, sh("exit 0"))
	_, err := proc.Wait(ctx)
	require.NoError(t, err)

	_, err = proc.Stdin().WriteContext(ctx, []byte("too late"))
	var ioErr *IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestStopKillsLiveProcesses(t *testing.T) {
	m := New(WithPollInterval(5 * time.Millisecond))
	require.NoError(t, m.Start())

	proc, err := m.Spawn(context.Background(), sh("exec sleep 30"))
	require.NoError(t, err)
	pending := proc.Stdout().Read(10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	code, ok, _ := proc.Exited().Result()
	require.True(t, ok)
	assert.Equal(t, ForceKillExitCode, code)

	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, m.LiveHandles())

	_, err = proc.Stdout().ReadContext(ctx, 10)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, proc.Kill(), ErrStopped)
}

func TestIndependentMultiplexers(t *testing.T) {
	a, b := newTestMux(t), newTestMux(t)
	ctx := testContext(t)

	pa := spawn(t, a, sh("exit 1"))
	pb := spawn(t, b, sh("exit 2"))

	_, err := a.Process(pb.ID())
	assert.ErrorIs(t, err, ErrInvalidReference)

	codeA, err := pa.Wait(ctx)
	require.NoError(t, err)
	codeB, err := pb.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, []int{codeA, codeB})
}
