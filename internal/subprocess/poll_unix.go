//go:build unix

package subprocess

import (
	"time"

	"golang.org/x/sys/unix"
)

// event is a descriptor plus the poll(2) readiness it waits for.
type event struct {
	fd   int
	mask int16
}

type pollPoller struct {
	fds []unix.PollFd
}

func newPoller() poller {
	return &pollPoller{}
}

func (pp *pollPoller) wait(events []event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return -1, nil
	}

	fds := pp.fds[:0]
	for _, ev := range events {
		fds = append(fds, unix.PollFd{Fd: int32(ev.fd), Events: ev.mask})
	}
	pp.fds = fds

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	if n == 0 {
		return -1, nil
	}

	for i := range fds {
		if fds[i].Revents != 0 {
			return i, nil
		}
	}
	return -1, nil
}
