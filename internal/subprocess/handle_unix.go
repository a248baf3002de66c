//go:build unix

package subprocess

import "golang.org/x/sys/unix"

const invalidHandle = ^uintptr(0)

func closeRaw(raw uintptr) error {
	return unix.Close(int(raw))
}

func (h *Handle) fd() int {
	return int(h.Raw())
}
