package subprocess

import (
	"errors"
	"fmt"
)

// Sentinel errors for the subprocess package.
var (
	// ErrClosed is returned for operations on a pipe that is closing or
	// closed, and for lookups of pipe IDs that are no longer registered.
	ErrClosed = errors.New("file closed")

	// ErrInvalidReference is returned when a process ID is not registered.
	ErrInvalidReference = errors.New("invalid process ID")

	// ErrStopped is returned when the multiplexer is no longer running.
	ErrStopped = errors.New("multiplexer stopped")

	// ErrInvalidLength is returned for reads of zero, negative or more than
	// MaxReadLength bytes.
	ErrInvalidLength = errors.New("invalid read length")

	// ErrWrongDirection is returned when reading from an output pipe or
	// writing to an input pipe.
	ErrWrongDirection = errors.New("operation not supported in this pipe direction")

	// ErrProcessRunning is returned when cleaning up a process that has not
	// exited yet.
	ErrProcessRunning = errors.New("process is still running")
)

// SpawnError reports a failed process creation. Every resource created
// for the attempt has been released by the time it is returned.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IOError reports an OS read or write that failed at completion time.
// The pipe it occurred on has been force-closed.
type IOError struct {
	Op   string
	Pipe int
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("pipe %d: %s: %v", e.Pipe, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
