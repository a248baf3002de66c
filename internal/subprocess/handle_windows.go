//go:build windows

package subprocess

import "golang.org/x/sys/windows"

const invalidHandle = uintptr(windows.InvalidHandle)

func closeRaw(raw uintptr) error {
	return windows.CloseHandle(windows.Handle(raw))
}

func (h *Handle) handle() windows.Handle {
	return windows.Handle(h.Raw())
}
