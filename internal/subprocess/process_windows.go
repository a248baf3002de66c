//go:build windows

package subprocess

import (
	"errors"
	"fmt"
	"syscall"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	// terminateExitCode is the code TerminateProcess is given by Kill
	terminateExitCode = 0x7f

	createNoWindow           = 0x08000000
	createUnicodeEnvironment = 0x00000400

	pipeAccessInbound         = 0x00000001
	pipeAccessOutbound        = 0x00000002
	fileFlagFirstPipeInstance = 0x00080000
	pipeRejectRemoteClients   = 0x00000008
	pipeBufferSize            = 4096
)

type processSys struct{}

func (p *Process) start(opts Options, scope *handleScope) error {
	if opts.Terminal {
		return fmt.Errorf("terminal mode: %w", errors.ErrUnsupported)
	}

	stdio, err := p.openStdio(opts, scope)
	if err != nil {
		return err
	}

	cmdline, err := windows.UTF16PtrFromString(CommandLine(opts.argv()))
	if err != nil {
		return err
	}

	var dir *uint16
	if opts.WorkDir != "" {
		if dir, err = windows.UTF16PtrFromString(opts.WorkDir); err != nil {
			return err
		}
	}

	// A nil block inherits the current environment
	var env *uint16
	if opts.Environment != nil {
		block := utf16.Encode([]rune(StringList(envList(opts.Environment))))
		env = &block[0]
	}

	si := &windows.StartupInfo{
		Flags:     windows.STARTF_USESTDHANDLES,
		StdInput:  stdio[0].handle(),
		StdOutput: stdio[1].handle(),
		StdErr:    stdio[2].handle(),
	}
	si.Cb = uint32(unsafe.Sizeof(*si))
	var pi windows.ProcessInformation

	syscall.ForkLock.Lock()
	err = windows.CreateProcess(nil, cmdline, nil, nil, true,
		createNoWindow|createUnicodeEnvironment, env, dir, si, &pi)
	syscall.ForkLock.Unlock()
	if err != nil {
		return err
	}

	_ = windows.CloseHandle(pi.Thread)
	p.pid = int(pi.ProcessId)
	p.handle = p.mux.handles.track(uintptr(pi.Process))

	for _, pipe := range p.pipes {
		scope.keep(pipe.handle)
		scope.keep(pipe.sys.event)
	}
	return nil
}

// openStdio creates the child's stdin, stdout and stderr and returns the
// child's ends.
func (p *Process) openStdio(opts Options, scope *handleScope) ([3]*Handle, error) {
	var stdio [3]*Handle
	var err error

	if p.stdin, stdio[0], err = p.openPipe(Output, scope); err != nil {
		return stdio, fmt.Errorf("stdin pipe: %w", err)
	}
	if p.stdout, stdio[1], err = p.openPipe(Input, scope); err != nil {
		return stdio, fmt.Errorf("stdout pipe: %w", err)
	}

	switch opts.Stderr {
	case StderrStdout:
		stdio[2], err = p.duplicate(stdio[1].handle(), scope)
	case StderrInherit:
		var h windows.Handle
		if h, err = windows.GetStdHandle(windows.STD_ERROR_HANDLE); err == nil {
			stdio[2], err = p.duplicate(h, scope)
		}
	default:
		p.stderr, stdio[2], err = p.openPipe(Input, scope)
	}
	if err != nil {
		return stdio, fmt.Errorf("stderr: %w", err)
	}
	return stdio, nil
}

// openPipe creates an overlapped named pipe. Our end is not inheritable;
// the child's end is.
func (p *Process) openPipe(dir Direction, scope *handleScope) (*Pipe, *Handle, error) {
	table := &p.mux.handles

	name, err := windows.UTF16PtrFromString(`\\.\pipe\subprocess-` + p.mux.ids.GenerateString())
	if err != nil {
		return nil, nil, err
	}

	access, childAccess := uint32(pipeAccessInbound), uint32(windows.GENERIC_WRITE)
	if dir == Output {
		access, childAccess = pipeAccessOutbound, windows.GENERIC_READ
	}

	ours, err := windows.CreateNamedPipe(name,
		access|windows.FILE_FLAG_OVERLAPPED|fileFlagFirstPipeInstance,
		pipeRejectRemoteClients, 1, pipeBufferSize, pipeBufferSize, 0, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("CreateNamedPipe: %w", err)
	}
	ourHandle := scope.add(table.track(uintptr(ours)))

	sa := &windows.SecurityAttributes{InheritHandle: 1}
	sa.Length = uint32(unsafe.Sizeof(*sa))

	syscall.ForkLock.RLock()
	child, err := windows.CreateFile(name, childAccess, 0, sa, windows.OPEN_EXISTING, 0, 0)
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("CreateFile: %w", err)
	}
	childHandle := scope.add(table.track(uintptr(child)))

	ev, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("CreateEvent: %w", err)
	}

	pipe := p.attach(dir, ourHandle)
	pipe.sys.event = scope.add(table.track(uintptr(ev)))
	return pipe, childHandle, nil
}

// duplicate returns an inheritable duplicate of h.
func (p *Process) duplicate(h windows.Handle, scope *handleScope) (*Handle, error) {
	self := windows.CurrentProcess()
	var dup windows.Handle

	syscall.ForkLock.RLock()
	err := windows.DuplicateHandle(self, h, self, &dup, 0, true, windows.DUPLICATE_SAME_ACCESS)
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("DuplicateHandle: %w", err)
	}
	return scope.add(p.mux.handles.track(uintptr(dup))), nil
}

func (p *Process) token() event {
	return event{h: p.handle.handle()}
}

// tryWait reports the exit code once the process handle is signalled.
// GetExitCodeProcess alone cannot tell a running process from one that
// exited with STILL_ACTIVE.
func (p *Process) tryWait() (ExitStatus, error) {
	r, err := windows.WaitForSingleObject(p.handle.handle(), 0)
	if err != nil {
		return ExitStatus{}, err
	}
	if r != waitObject0 {
		return ExitStatus{}, nil
	}
	return p.exitStatus()
}

func (p *Process) reap() (ExitStatus, error) {
	if _, err := windows.WaitForSingleObject(p.handle.handle(), windows.INFINITE); err != nil {
		return ExitStatus{}, err
	}
	return p.exitStatus()
}

func (p *Process) exitStatus() (ExitStatus, error) {
	var raw uint32
	if err := windows.GetExitCodeProcess(p.handle.handle(), &raw); err != nil {
		return ExitStatus{}, err
	}
	return ExitStatus{Code: exitCode(raw, p.killed), Exited: true}, nil
}

func (p *Process) terminate() error {
	return windows.TerminateProcess(p.handle.handle(), terminateExitCode)
}

func (p *Process) releaseExit() error {
	return p.handle.Close()
}

// exitCode reinterprets the raw exit code as signed. A process ended by
// Kill reports ForceKillExitCode.
func exitCode(raw uint32, killed bool) int {
	if killed && raw == terminateExitCode {
		return ForceKillExitCode
	}
	return int(int32(raw))
}
