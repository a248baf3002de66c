//go:build windows

package subprocess

import (
	"io"

	"golang.org/x/sys/windows"
)

// pipeSys holds the overlapped state of the outstanding operation. The
// struct stays reachable from the Pipe until the operation has completed
// or been cancelled.
type pipeSys struct {
	ov    windows.Overlapped
	event *Handle // auto-reset event signalled on completion
}

func (s *pipeSys) close() error {
	return s.event.Close()
}

// start issues an overlapped ReadFile or WriteFile on buf.
func (p *Pipe) start(buf []byte) error {
	p.sys.ov = windows.Overlapped{HEvent: p.sys.event.handle()}

	var err error
	if p.dir == Input {
		err = windows.ReadFile(p.handle.handle(), buf, nil, &p.sys.ov)
	} else {
		err = windows.WriteFile(p.handle.handle(), buf, nil, &p.sys.ov)
	}

	if err == nil || err == windows.ERROR_IO_PENDING {
		return nil
	}
	return p.translate(err)
}

// complete collects the result of the overlapped operation without waiting.
func (p *Pipe) complete([]byte) (int, bool, error) {
	var n uint32
	err := windows.GetOverlappedResult(p.handle.handle(), &p.sys.ov, &n, false)
	switch {
	case err == nil:
		return int(n), false, nil
	case err == windows.ERROR_IO_INCOMPLETE:
		return 0, true, nil
	}
	return 0, false, p.translate(err)
}

func (p *Pipe) translate(err error) error {
	if p.dir == Input && (err == windows.ERROR_BROKEN_PIPE || err == windows.ERROR_HANDLE_EOF) {
		return io.EOF
	}
	return err
}

// cancel aborts the outstanding operation and waits until the kernel no
// longer references the buffer or the overlapped struct.
func (p *Pipe) cancel() {
	h := p.handle.handle()
	if h == windows.InvalidHandle {
		return
	}
	if err := windows.CancelIoEx(h, &p.sys.ov); err != nil {
		// ERROR_NOT_FOUND: nothing was outstanding
		return
	}
	var n uint32
	_ = windows.GetOverlappedResult(h, &p.sys.ov, &n, true)
}

func (p *Pipe) token() event {
	return event{h: p.sys.event.handle()}
}
