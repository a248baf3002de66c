package subprocess

import "time"

// poller is the platform wait primitive: wait for any of the events to be
// signalled, for at most timeout. It returns the index of the first
// signalled event, or -1 when none was signalled in time.
type poller interface {
	wait(events []event, timeout time.Duration) (int, error)
}

// handler is anything the multiplexer can wait on: a Pipe with a pending
// operation or a running Process.
type handler interface {
	// event returns the waitable token, or false while there is nothing
	// to wait for.
	event() (event, bool)
	onReady()
	onError(err error)
}
