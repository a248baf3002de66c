package subprocess

import (
	"sync/atomic"

	"go.uber.org/multierr"
)

// Handle owns a raw OS handle: a file descriptor on POSIX systems, a
// HANDLE on Windows. Close releases it exactly once; after that Raw
// reports the platform's invalid value.
type Handle struct {
	raw      uintptr
	table    *handleTable
	disposed atomic.Bool
}

// Raw returns the underlying OS handle, or the invalid value once the
// handle has been released.
func (h *Handle) Raw() uintptr {
	if h == nil || h.disposed.Load() {
		return invalidHandle
	}
	return h.raw
}

// Valid reports whether the handle still owns an OS resource.
func (h *Handle) Valid() bool {
	return h != nil && !h.disposed.Load()
}

// Close releases the OS resource. Calling it again is a no-op.
func (h *Handle) Close() error {
	if h == nil || !h.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if h.table != nil {
		h.table.live.Add(-1)
	}
	return closeRaw(h.raw)
}

// handleTable counts the handles a multiplexer has acquired and not yet
// released. A non-zero count after Stop is a leak.
type handleTable struct {
	live atomic.Int64
}

func (t *handleTable) track(raw uintptr) *Handle {
	t.live.Add(1)
	return &Handle{raw: raw, table: t}
}

func (t *handleTable) count() int64 {
	return t.live.Load()
}

// handleScope releases every handle added to it when release runs, unless
// the handle was handed off with keep first. Spawn paths defer release so
// that no error branch can leak a handle.
type handleScope struct {
	handles []*Handle
}

func (s *handleScope) add(h *Handle) *Handle {
	s.handles = append(s.handles, h)
	return h
}

// keep removes h from the scope; the caller now owns it.
func (s *handleScope) keep(h *Handle) *Handle {
	for i, held := range s.handles {
		if held == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}
	return h
}

func (s *handleScope) release() error {
	var err error
	for i := len(s.handles) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.handles[i].Close())
	}
	s.handles = nil
	return err
}
