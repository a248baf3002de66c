package subprocess

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/shared/id"
)

const (
	// ForceKillExitCode is reported for a process terminated by Kill.
	ForceKillExitCode = -9

	// UnknownExitCode is reported when the exit status could not be
	// collected. No signal death or exit status maps to it.
	UnknownExitCode = math.MinInt32
)

// State is the lifecycle state of a Process.
type State int32

const (
	// StateSpawning is a process whose OS process is being created.
	StateSpawning State = iota
	// StateRunning is a process whose exit has not been observed yet.
	StateRunning
	// StateExited is a process with a final exit code.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// ExitStatus is the result of checking a process for exit. Code is only
// meaningful when Exited is true.
type ExitStatus struct {
	Code   int
	Exited bool
}

// Process is a spawned child. Kill must not be called before Spawn has
// returned it.
type Process struct {
	id      id.ProcessID
	pid     int
	mux     *Multiplexer
	command string
	started time.Time

	handle *Handle // exit notification; released when the exit is observed
	sys    processSys

	pipes  []*Pipe
	stdin  *Pipe
	stdout *Pipe
	stderr *Pipe

	state  atomic.Int32
	killed bool
	exited *Future[int]
}

// ID returns the multiplexer-assigned identifier.
func (p *Process) ID() id.ProcessID { return p.id }

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Command returns the command the process was spawned with.
func (p *Process) Command() string { return p.command }

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time { return p.started }

// Stdin returns the pipe connected to the child's standard input.
func (p *Process) Stdin() *Pipe { return p.stdin }

// Stdout returns the pipe connected to the child's standard output.
func (p *Process) Stdout() *Pipe { return p.stdout }

// Stderr returns the child's stderr pipe, or nil when stderr is not piped
// separately.
func (p *Process) Stderr() *Pipe { return p.stderr }

// Pipes returns every pipe the process owns.
func (p *Process) Pipes() []*Pipe {
	return append([]*Pipe(nil), p.pipes...)
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Exited resolves to the exit code once the process has exited.
func (p *Process) Exited() *Future[int] {
	return p.exited
}

// ExitStatus reports the exit code without blocking.
func (p *Process) ExitStatus() ExitStatus {
	code, ok, _ := p.exited.Result()
	return ExitStatus{Code: code, Exited: ok}
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait(ctx context.Context) (int, error) {
	return p.exited.Wait(ctx)
}

// Kill forcibly terminates the process. Calling it again, or after the
// process has exited, does nothing.
func (p *Process) Kill() error {
	return p.mux.post(p.kill)
}

func (p *Process) String() string {
	return fmt.Sprintf("process %s (pid %d)", p.id, p.pid)
}

func (p *Process) kill() {
	if p.killed || p.State() == StateExited {
		return
	}
	p.killed = true

	if err := p.terminate(); err != nil {
		p.mux.logger.Warn("Kill failed",
			zap.String("id", p.id.String()),
			zap.Int("pid", p.pid),
			zap.Error(err))
		return
	}
	p.mux.logger.Debug("Process killed", zap.String("id", p.id.String()), zap.Int("pid", p.pid))
}

func (p *Process) event() (event, bool) {
	if p.State() != StateRunning || !p.handle.Valid() {
		return event{}, false
	}
	return p.token(), true
}

// onReady checks for exit without blocking. A process that is still
// running is left in the wait-set.
func (p *Process) onReady() {
	if p.State() != StateRunning {
		return
	}

	status, err := p.tryWait()
	if err != nil {
		p.onError(err)
		return
	}
	if !status.Exited {
		return
	}
	p.exit(status)
}

// onError gives up on observing the process: it is killed and reaped, and
// reported with UnknownExitCode if that fails too.
func (p *Process) onError(err error) {
	if p.State() != StateRunning {
		return
	}

	p.mux.logger.Error("Process wait failed",
		zap.String("id", p.id.String()),
		zap.Int("pid", p.pid),
		zap.Error(err))

	p.kill()
	status, reapErr := p.reap()
	if reapErr != nil {
		status = ExitStatus{Code: UnknownExitCode, Exited: true}
	}
	p.exit(status)
}

// exit records the final status exactly once.
func (p *Process) exit(status ExitStatus) {
	if p.State() == StateExited {
		return
	}
	p.state.Store(int32(StateExited))

	p.exited.resolve(status.Code)

	if err := p.releaseExit(); err != nil {
		p.mux.logger.Warn("Releasing process handle failed", zap.String("id", p.id.String()), zap.Error(err))
	}

	reason := monitoring.ExitNormal
	switch {
	case p.killed:
		reason = monitoring.ExitKilled
	case status.Code < 0:
		reason = monitoring.ExitSignaled
	}
	p.mux.metrics.RecordExit(reason, time.Since(p.started))
	p.mux.logger.Info("Process exited",
		zap.String("id", p.id.String()),
		zap.Int("pid", p.pid),
		zap.Int("exit_code", status.Code),
		zap.Bool("killed", p.killed))

	for _, pipe := range p.pipes {
		pipe.maybeClose()
	}
	p.mux.updatePollEvents()
}

// attach creates a pipe owned by p around h.
func (p *Process) attach(dir Direction, h *Handle) *Pipe {
	pipe := p.mux.newPipe(dir, p, h)
	p.pipes = append(p.pipes, pipe)
	return pipe
}
