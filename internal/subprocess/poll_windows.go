//go:build windows

package subprocess

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
)

// event is a waitable object: an overlapped I/O event or a process handle.
type event struct {
	h windows.Handle
}

const (
	maxWaitObjects = 64 // MAXIMUM_WAIT_OBJECTS
	waitObject0    = 0x00000000
	waitAbandoned0 = 0x00000080
	waitTimeout    = 0x00000102
)

type waitPoller struct {
	handles []windows.Handle
}

func newPoller() poller {
	return &waitPoller{}
}

func (wp *waitPoller) wait(events []event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return -1, nil
	}

	handles := wp.handles[:0]
	for _, ev := range events {
		handles = append(handles, ev.h)
	}
	wp.handles = handles

	ms := uint32(timeout / time.Millisecond)

	// WaitForMultipleObjects takes at most 64 objects; larger sets are
	// checked in batches, each with the full timeout only for the last.
	for base := 0; base < len(handles); base += maxWaitObjects {
		end := min(base+maxWaitObjects, len(handles))
		wait := uint32(0)
		if end == len(handles) {
			wait = ms
		}

		r, err := windows.WaitForMultipleObjects(handles[base:end], false, wait)
		switch {
		case r == waitTimeout:
			continue
		case r < waitObject0+uint32(end-base):
			return base + int(r-waitObject0), nil
		case r >= waitAbandoned0 && r < waitAbandoned0+uint32(end-base):
			return base + int(r-waitAbandoned0), nil
		default:
			return -1, fmt.Errorf("WaitForMultipleObjects: %w", err)
		}
	}
	return -1, nil
}
