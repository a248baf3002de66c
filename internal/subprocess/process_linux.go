//go:build linux

package subprocess

import "golang.org/x/sys/unix"

// openPidfd returns a descriptor that polls readable once pid exits.
func openPidfd(pid int) (int, error) {
	return unix.PidfdOpen(pid, 0)
}

func pidfdSignal(fd int, sig unix.Signal) error {
	return unix.PidfdSendSignal(fd, sig, nil, 0)
}
