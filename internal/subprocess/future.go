package subprocess

import (
	"context"
	"sync"
)

// Future is the deferred result of an operation handed to the multiplexer.
// It settles exactly once, either with a value or with an error.
type Future[T any] struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	val     T
	err     error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// rejectedFuture returns a future that has already failed with err.
func rejectedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.reject(err)
	return f
}

func (f *Future[T]) resolve(v T) bool {
	return f.settle(v, nil)
}

func (f *Future[T]) reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.settled {
		return false
	}
	f.settled = true
	f.val = v
	f.err = err
	close(f.done)
	return true
}

// Done returns a channel that is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result reports the settled value without blocking. ok is false while
// the future is still pending.
func (f *Future[T]) Result() (v T, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.settled, f.err
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, _, err := f.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
