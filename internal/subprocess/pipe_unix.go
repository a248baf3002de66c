//go:build unix

package subprocess

import (
	"io"

	"golang.org/x/sys/unix"
)

// pipeSys holds per-pipe OS state. Readiness-based I/O needs none.
type pipeSys struct{}

func (pipeSys) close() error { return nil }

// start is a no-op: the operation runs once poll(2) reports readiness.
func (p *Pipe) start([]byte) error { return nil }

// complete attempts the non-blocking read or write of buf.
func (p *Pipe) complete(buf []byte) (n int, pending bool, err error) {
	fd := p.handle.fd()
	for {
		if p.dir == Input {
			n, err = unix.Read(fd, buf)
		} else {
			n, err = unix.Write(fd, buf)
		}

		switch err {
		case nil:
			return n, false, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, true, nil
		case unix.EIO:
			// A terminal master reports EIO once the slave side is gone
			if p.dir == Input {
				return 0, false, io.EOF
			}
		}
		return 0, false, err
	}
}

func (p *Pipe) cancel() {}

func (p *Pipe) token() event {
	if p.dir == Input {
		return event{fd: p.handle.fd(), mask: unix.POLLIN}
	}
	return event{fd: p.handle.fd(), mask: unix.POLLOUT}
}
