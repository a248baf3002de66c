package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Direction is the direction of a pipe as seen from this process.
type Direction int

const (
	// Input pipes carry the child's stdout or stderr; we read them.
	Input Direction = iota
	// Output pipes carry the child's stdin; we write them.
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// request is one queued read or write.
type request struct {
	buf   []byte
	done  int // bytes written so far
	read  *Future[[]byte]
	wrote *Future[int]
}

// remaining returns the part of buf the next OS operation works on.
func (r *request) remaining() []byte {
	if r.read != nil {
		return r.buf
	}
	return r.buf[r.done:]
}

func (r *request) fail(err error) {
	if r.read != nil {
		r.read.reject(err)
		return
	}
	r.wrote.reject(err)
}

// Pipe is one direction of a child's stdio. Requests complete in the order
// they were submitted and at most one OS operation is outstanding at a time.
type Pipe struct {
	id     int
	dir    Direction
	mux    *Multiplexer
	proc   *Process
	handle *Handle
	sys    pipeSys

	// Owned by the loop goroutine
	queue        []*request
	inflight     []byte // non-nil iff an OS operation is outstanding
	closing      bool
	closed       bool
	eof          bool
	closeWaiters []*Future[struct{}]
}

// ID returns the pipe's identifier, unique within its multiplexer.
func (p *Pipe) ID() int { return p.id }

// Direction returns whether the pipe is read or written.
func (p *Pipe) Direction() Direction { return p.dir }

// Process returns the process the pipe is connected to.
func (p *Pipe) Process() *Process { return p.proc }

func (p *Pipe) String() string {
	return fmt.Sprintf("pipe %d (%s)", p.id, p.dir)
}

// MaxReadLength is the largest maxLength Read accepts.
const MaxReadLength = 16 * 1024 * 1024

// Read reads up to maxLength bytes. The result may be shorter than
// maxLength.
func (p *Pipe) Read(maxLength int) *Future[[]byte] {
	if p.dir != Input {
		return rejectedFuture[[]byte](ErrWrongDirection)
	}
	if maxLength <= 0 || maxLength > MaxReadLength {
		return rejectedFuture[[]byte](ErrInvalidLength)
	}

	f := newFuture[[]byte]()
	p.submit(&request{buf: make([]byte, maxLength), read: f})
	return f
}

// Write writes all of b and resolves to the number of bytes written.
// b is copied before Write returns.
func (p *Pipe) Write(b []byte) *Future[int] {
	if p.dir != Output {
		return rejectedFuture[int](ErrWrongDirection)
	}

	f := newFuture[int]()
	p.submit(&request{buf: append([]byte{}, b...), wrote: f})
	return f
}

// ReadContext is Read followed by a wait on ctx.
func (p *Pipe) ReadContext(ctx context.Context, maxLength int) ([]byte, error) {
	return p.Read(maxLength).Wait(ctx)
}

// WriteContext is Write followed by a wait on ctx.
func (p *Pipe) WriteContext(ctx context.Context, b []byte) (int, error) {
	return p.Write(b).Wait(ctx)
}

// Close closes the pipe. A graceful close lets queued requests finish
// first and rejects new ones; a forced close rejects everything queued
// with ErrClosed and releases the handle immediately.
func (p *Pipe) Close(force bool) *Future[struct{}] {
	f := newFuture[struct{}]()
	if err := p.mux.post(func() { p.close(force, f) }); err != nil {
		// A stopped multiplexer has already closed every pipe
		f.resolve(struct{}{})
	}
	return f
}

func (p *Pipe) submit(req *request) {
	if err := p.mux.post(func() { p.enqueue(req) }); err != nil {
		req.fail(ErrClosed)
	}
}

func (p *Pipe) enqueue(req *request) {
	if p.closing || p.closed {
		req.fail(ErrClosed)
		return
	}
	p.queue = append(p.queue, req)
	if p.inflight == nil {
		p.issue()
	}
}

// issue starts the OS operation for the head of the queue.
func (p *Pipe) issue() {
	p.inflight = p.queue[0].remaining()
	if err := p.start(p.inflight); err != nil {
		p.finish(0, err)
		return
	}
	p.mux.updatePollEvents()
}

func (p *Pipe) close(force bool, f *Future[struct{}]) {
	if p.closed {
		f.resolve(struct{}{})
		return
	}
	p.closeWaiters = append(p.closeWaiters, f)
	if force || len(p.queue) == 0 {
		p.forceClose()
		return
	}
	p.closing = true
}

func (p *Pipe) event() (event, bool) {
	if p.closed || p.eof || p.inflight == nil {
		return event{}, false
	}
	return p.token(), true
}

func (p *Pipe) onReady() {
	// Completions can still arrive after a forced close
	if p.closed || p.inflight == nil {
		return
	}

	n, pending, err := p.complete(p.inflight)
	if pending {
		return
	}
	p.finish(n, err)
}

// finish applies the result of the outstanding operation.
func (p *Pipe) finish(n int, err error) {
	req := p.queue[0]
	if err == nil && req.read != nil && n == 0 {
		err = io.EOF
	}

	switch {
	case errors.Is(err, io.EOF) && p.dir == Input:
		p.onEOF()
		return
	case err != nil:
		p.onError(err)
		return
	}

	if req.wrote != nil {
		req.done += n
		p.mux.metrics.RecordWrite(n)
		if req.done < len(req.buf) {
			p.issue()
			return
		}
	}

	p.inflight = nil
	p.queue[0] = nil
	p.queue = p.queue[1:]

	if req.read != nil {
		p.mux.metrics.RecordRead(n)
		req.read.resolve(req.buf[:n])
	} else {
		req.wrote.resolve(req.done)
	}

	switch {
	case len(p.queue) > 0:
		p.issue()
	case p.closing:
		p.release()
	default:
		p.mux.updatePollEvents()
	}
}

// onEOF records that the child closed its end. The pipe stays open, with
// its read parked, until the process has exited.
func (p *Pipe) onEOF() {
	p.eof = true
	if p.proc == nil || p.proc.State() == StateExited {
		p.forceClose()
		return
	}
	p.mux.updatePollEvents()
}

// onError rejects the request the failed operation belonged to and
// force-closes the pipe.
func (p *Pipe) onError(err error) {
	if p.closed {
		return
	}

	p.mux.metrics.RecordPipeError(p.dir.String())
	p.mux.logger.Warn("Pipe operation failed",
		zap.Int("pipe", p.id),
		zap.Stringer("direction", p.dir),
		zap.Error(err))

	if len(p.queue) > 0 {
		req := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		req.fail(&IOError{Op: p.op(), Pipe: p.id, Err: err})
	}
	p.forceClose()
}

func (p *Pipe) op() string {
	if p.dir == Output {
		return "write"
	}
	return "read"
}

// maybeClose runs once the owning process has exited. Input pipes that
// reached end of file are closed; one with a read outstanding gets a last
// non-blocking attempt to complete.
func (p *Pipe) maybeClose() {
	if p.closed || p.dir != Input {
		return
	}
	if p.eof {
		p.forceClose()
		return
	}
	if p.inflight != nil {
		p.onReady()
	}
}

func (p *Pipe) forceClose() {
	if p.closed {
		return
	}
	p.closing = true

	if p.inflight != nil {
		p.cancel()
		p.inflight = nil
	}

	queue := p.queue
	p.queue = nil
	for _, req := range queue {
		req.fail(ErrClosed)
	}
	p.release()
}

// release closes the handle and unregisters the pipe.
func (p *Pipe) release() {
	p.closing = true
	p.closed = true
	p.inflight = nil

	if err := multierr.Append(p.handle.Close(), p.sys.close()); err != nil {
		p.mux.logger.Warn("Closing pipe failed", zap.Int("pipe", p.id), zap.Error(err))
	}

	if _, ok := p.mux.pipes[p.id]; ok {
		delete(p.mux.pipes, p.id)
		p.mux.metrics.PipeClosed()
	}

	waiters := p.closeWaiters
	p.closeWaiters = nil
	for _, f := range waiters {
		f.resolve(struct{}{})
	}

	p.mux.updatePollEvents()
}
