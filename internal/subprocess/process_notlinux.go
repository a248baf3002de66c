//go:build unix && !linux

package subprocess

import (
	"errors"

	"golang.org/x/sys/unix"
)

func openPidfd(int) (int, error) {
	return -1, errors.ErrUnsupported
}

func pidfdSignal(int, unix.Signal) error {
	return errors.ErrUnsupported
}
