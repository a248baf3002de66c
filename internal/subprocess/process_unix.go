//go:build unix

package subprocess

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// usePidfd selects pidfd exit detection where the platform has it.
var usePidfd = true

// processSys is set when exit is observed through a reaper goroutine
// instead of a pidfd.
type processSys struct {
	reaper *reaper
}

// reaper blocks in wait4 on its own goroutine, publishes the status and
// closes the write end of a pipe the loop polls.
type reaper struct {
	mu     sync.Mutex
	status unix.WaitStatus
	err    error
	reaped bool
	exited chan struct{}
}

func startReaper(pid int, notify *Handle) *reaper {
	r := &reaper{exited: make(chan struct{})}
	go func() {
		var ws unix.WaitStatus
		var err error
		for {
			_, err = unix.Wait4(pid, &ws, 0, nil)
			if err != unix.EINTR {
				break
			}
		}

		r.mu.Lock()
		r.status = ws
		r.err = err
		r.reaped = true
		r.mu.Unlock()

		_ = notify.Close()
		close(r.exited)
	}()
	return r
}

func (r *reaper) result(killed bool) (ExitStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.reaped {
		return ExitStatus{}, nil
	}
	if r.err != nil {
		return ExitStatus{}, r.err
	}
	return ExitStatus{Code: exitCode(r.status, killed), Exited: true}, nil
}

// signal sends sig unless the pid has already been reaped and may have
// been reused.
func (r *reaper) signal(pid int, sig unix.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reaped {
		return nil
	}
	return unix.Kill(pid, sig)
}

func (p *Process) start(opts Options, scope *handleScope) error {
	files, err := p.openStdio(opts, scope)
	if err != nil {
		return err
	}

	path := opts.Command
	if !strings.Contains(path, "/") {
		if path, err = exec.LookPath(path); err != nil {
			return err
		}
	}

	env := os.Environ()
	if opts.Environment != nil {
		env = envList(opts.Environment)
	}

	attr := &syscall.ProcAttr{
		Dir:   opts.WorkDir,
		Env:   env,
		Files: files,
		Sys:   &syscall.SysProcAttr{},
	}
	if opts.Terminal {
		attr.Sys.Setsid = true
		attr.Sys.Setctty = true
		attr.Sys.Ctty = 0
	}

	pid, err := syscall.ForkExec(path, opts.argv(), attr)
	if err != nil {
		return err
	}
	p.pid = pid

	if err := p.watchExit(); err != nil {
		// The child can no longer be observed; do not leave it behind
		var ws unix.WaitStatus
		_ = unix.Kill(pid, unix.SIGKILL)
		_, _ = unix.Wait4(pid, &ws, 0, nil)
		return fmt.Errorf("watch exit: %w", err)
	}

	for _, pipe := range p.pipes {
		scope.keep(pipe.handle)
	}
	return nil
}

// openStdio creates the child's stdin, stdout and stderr and returns the
// child's ends in fd order.
func (p *Process) openStdio(opts Options, scope *handleScope) ([]uintptr, error) {
	if opts.Terminal {
		return p.openTerminal(scope)
	}
	table := &p.mux.handles

	r, w, err := cloexecPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	childIn := scope.add(table.track(uintptr(r)))
	p.stdin = p.attach(Output, scope.add(table.track(uintptr(w))))

	if r, w, err = cloexecPipe(); err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	p.stdout = p.attach(Input, scope.add(table.track(uintptr(r))))
	childOut := scope.add(table.track(uintptr(w)))

	var childErr *Handle
	switch opts.Stderr {
	case StderrStdout, StderrInherit:
		src := childOut.fd()
		if opts.Stderr == StderrInherit {
			src = unix.Stderr
		}
		fd, err := dupCloexec(src)
		if err != nil {
			return nil, fmt.Errorf("duplicate stderr: %w", err)
		}
		childErr = scope.add(table.track(uintptr(fd)))
	default:
		if r, w, err = cloexecPipe(); err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		p.stderr = p.attach(Input, scope.add(table.track(uintptr(r))))
		childErr = scope.add(table.track(uintptr(w)))
	}

	if err := p.setNonblock(); err != nil {
		return nil, err
	}
	return []uintptr{childIn.Raw(), childOut.Raw(), childErr.Raw()}, nil
}

// openTerminal allocates a pseudo-terminal. The child gets the slave side
// as all three streams; stdin and stdout pipes share the master.
func (p *Process) openTerminal(scope *handleScope) ([]uintptr, error) {
	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	defer master.Close()
	defer tty.Close()

	if err := pty.Setsize(master, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
		return nil, fmt.Errorf("set pty size: %w", err)
	}

	table := &p.mux.handles
	fds := []int{int(master.Fd()), int(master.Fd()), int(tty.Fd())}
	dups := make([]*Handle, len(fds))
	for i, fd := range fds {
		dup, err := dupCloexec(fd)
		if err != nil {
			return nil, fmt.Errorf("duplicate pty: %w", err)
		}
		dups[i] = scope.add(table.track(uintptr(dup)))
	}

	p.stdin = p.attach(Output, dups[0])
	p.stdout = p.attach(Input, dups[1])

	if err := p.setNonblock(); err != nil {
		return nil, err
	}
	child := dups[2].Raw()
	return []uintptr{child, child, child}, nil
}

func (p *Process) setNonblock() error {
	for _, pipe := range p.pipes {
		if err := unix.SetNonblock(pipe.handle.fd(), true); err != nil {
			return fmt.Errorf("set nonblocking: %w", err)
		}
	}
	return nil
}

// watchExit sets up exit detection: a pidfd where available, otherwise a
// reaper goroutine and its notification pipe.
func (p *Process) watchExit() error {
	if usePidfd {
		if fd, err := openPidfd(p.pid); err == nil {
			p.handle = p.mux.handles.track(uintptr(fd))
			return nil
		}
	}

	r, w, err := cloexecPipe()
	if err != nil {
		return err
	}
	p.handle = p.mux.handles.track(uintptr(r))
	notify := p.mux.handles.track(uintptr(w))
	if err := unix.SetNonblock(r, true); err != nil {
		_ = notify.Close()
		_ = p.handle.Close()
		return err
	}
	p.sys.reaper = startReaper(p.pid, notify)
	return nil
}

func (p *Process) token() event {
	return event{fd: p.handle.fd(), mask: unix.POLLIN}
}

// tryWait collects the exit status if the child has exited.
func (p *Process) tryWait() (ExitStatus, error) {
	if r := p.sys.reaper; r != nil {
		return r.result(p.killed)
	}

	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return ExitStatus{}, err
		case wpid == 0:
			return ExitStatus{}, nil
		}
		return ExitStatus{Code: exitCode(ws, p.killed), Exited: true}, nil
	}
}

// reap blocks until the child has exited.
func (p *Process) reap() (ExitStatus, error) {
	if r := p.sys.reaper; r != nil {
		<-r.exited
		return r.result(p.killed)
	}

	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(p.pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ExitStatus{}, err
		}
		return ExitStatus{Code: exitCode(ws, p.killed), Exited: true}, nil
	}
}

func (p *Process) terminate() error {
	if r := p.sys.reaper; r != nil {
		return r.signal(p.pid, unix.SIGKILL)
	}
	return pidfdSignal(p.handle.fd(), unix.SIGKILL)
}

func (p *Process) releaseExit() error {
	return p.handle.Close()
}

// exitCode maps a wait status to an exit code: the exit status for a
// normal exit, the negated signal number for a signal death.
func exitCode(ws unix.WaitStatus, killed bool) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		if killed && ws.Signal() == unix.SIGKILL {
			return ForceKillExitCode
		}
		return -int(ws.Signal())
	}
	return UnknownExitCode
}
