//go:build unix

package subprocess

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// cloexecPipe creates a pipe whose ends are not inherited by children
// other than the one they are explicitly handed to.
func cloexecPipe() (r, w int, err error) {
	var fds [2]int

	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}

// dupCloexec duplicates fd with close-on-exec set.
func dupCloexec(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}
