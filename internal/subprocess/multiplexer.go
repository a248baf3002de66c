package subprocess

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/shared/id"
)

const (
	// DefaultPollInterval is the poll ticker period while the wait-set is non-empty
	DefaultPollInterval = 50 * time.Millisecond

	// maxDispatchPerTick bounds how many completions one poll pass drains
	maxDispatchPerTick = 1024
)

type loopState int

const (
	loopIdle loopState = iota
	loopRunning
	loopStopping
	loopStopped
)

// Multiplexer owns a set of child processes and their pipes and drives
// them from a single loop goroutine.
type Multiplexer struct {
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	ids          *id.Generator
	poller       poller
	pollInterval time.Duration
	pollTimeout  time.Duration
	handles      handleTable

	// Owned by the loop goroutine
	pipes      map[int]*Pipe
	processes  map[id.ProcessID]*Process
	nextPipeID int
	handlers   []handler
	events     []event
	ticker     *time.Ticker
	tick       <-chan time.Time
	exit       bool

	mu    sync.Mutex
	state loopState
	tasks []func()
	wake  chan struct{}
	done  chan struct{}
}

// New creates a multiplexer. It does nothing until Start is called.
func New(opts ...Option) *Multiplexer {
	m := &Multiplexer{
		logger:       zap.NewNop(),
		ids:          id.Default(),
		pollInterval: DefaultPollInterval,
		pipes:        make(map[int]*Pipe),
		processes:    make(map[id.ProcessID]*Process),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = monitoring.NewMetrics()
	}
	if m.poller == nil {
		m.poller = newPoller()
	}
	return m
}

// Start launches the loop goroutine.
func (m *Multiplexer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != loopIdle {
		return errors.New("multiplexer already started")
	}
	m.state = loopRunning
	go m.run()

	m.logger.Debug("Multiplexer started",
		zap.Duration("poll_interval", m.pollInterval),
		zap.Duration("poll_timeout", m.pollTimeout))
	return nil
}

// Stop kills every live process, force-closes every pipe and ends the
// loop. Work queued before Stop still runs; work submitted afterwards
// fails with ErrStopped.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case loopIdle:
		m.state = loopStopped
		close(m.done)
		m.mu.Unlock()
		return nil
	case loopRunning:
		m.state = loopStopping
		m.tasks = append(m.tasks, m.shutdown)
		m.mu.Unlock()
		m.signal()
	default:
		m.mu.Unlock()
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Metrics returns the metrics sink.
func (m *Multiplexer) Metrics() *monitoring.Metrics {
	return m.metrics
}

// LiveHandles reports how many OS handles are currently owned.
func (m *Multiplexer) LiveHandles() int64 {
	return m.handles.count()
}

// post queues fn to run on the loop goroutine.
func (m *Multiplexer) post(fn func()) error {
	m.mu.Lock()
	if m.state != loopRunning {
		m.mu.Unlock()
		return ErrStopped
	}
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()

	m.signal()
	return nil
}

// call runs fn on the loop goroutine and waits for it to return. Queued
// tasks always run, even when Stop is called meanwhile.
func (m *Multiplexer) call(fn func()) error {
	ran := make(chan struct{})
	if err := m.post(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

func (m *Multiplexer) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) run() {
	defer close(m.done)

	for {
		select {
		case <-m.wake:
		case <-m.tick:
			m.metrics.RecordTick()
		}

		m.drain()
		if m.exit {
			return
		}
		m.poll()
	}
}

func (m *Multiplexer) drain() {
	for {
		m.mu.Lock()
		tasks := m.tasks
		m.tasks = nil
		m.mu.Unlock()

		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			m.runTask(task)
		}
	}
}

func (m *Multiplexer) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
			m.metrics.RecordHandlerFault()
		}
	}()
	task()
}

// poll waits on the wait-set with the configured timeout and dispatches
// every handler that is signalled, repeating until none is.
func (m *Multiplexer) poll() {
	for i := 0; i < maxDispatchPerTick && len(m.handlers) > 0; i++ {
		idx, err := m.poller.wait(m.events, m.pollTimeout)
		if err != nil {
			m.logger.Error("Wait failed", zap.Error(err), zap.Int("wait_set", len(m.events)))
			return
		}
		if idx < 0 || idx >= len(m.handlers) {
			return
		}
		m.dispatch(m.handlers[idx])
	}
}

// dispatch runs h's completion handler. A panic is routed to h's error
// path and never reaches the loop.
func (m *Multiplexer) dispatch(h handler) {
	m.metrics.RecordDispatch()
	defer func() {
		if r := recover(); r != nil {
			m.fault(h, r)
		}
	}()
	h.onReady()
}

func (m *Multiplexer) fault(h handler, r any) {
	m.metrics.RecordHandlerFault()
	m.logger.Error("Completion handler panicked",
		zap.Any("panic", r),
		zap.String("handler", fmt.Sprint(h)),
		zap.Stack("stack"))

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Error handler panicked", zap.Any("panic", r))
		}
	}()
	h.onError(fmt.Errorf("completion handler panicked: %v", r))
}

// updatePollEvents rebuilds the wait-set and arms the poll ticker while
// it is non-empty. Every change that can add or remove a waitable
// handler must call it.
func (m *Multiplexer) updatePollEvents() {
	m.handlers = m.handlers[:0]
	m.events = m.events[:0]

	for _, pid := range slices.Sorted(maps.Keys(m.pipes)) {
		m.watch(m.pipes[pid])
	}
	for _, procID := range slices.Sorted(maps.Keys(m.processes)) {
		m.watch(m.processes[procID])
	}

	switch {
	case len(m.handlers) > 0 && m.ticker == nil:
		m.ticker = time.NewTicker(m.pollInterval)
		m.tick = m.ticker.C
	case len(m.handlers) == 0 && m.ticker != nil:
		m.ticker.Stop()
		m.ticker = nil
		m.tick = nil
	}
	m.metrics.SetWaitSetSize(len(m.handlers))
}

func (m *Multiplexer) watch(h handler) {
	if ev, ok := h.event(); ok {
		m.handlers = append(m.handlers, h)
		m.events = append(m.events, ev)
	}
}

// polling reports whether the poll ticker is armed.
func (m *Multiplexer) polling() bool {
	return m.ticker != nil
}

// Spawn starts a child process described by opts and registers it and its
// pipes. Failures are returned as *SpawnError.
func (m *Multiplexer) Spawn(ctx context.Context, opts Options) (*Process, error) {
	if opts.Command == "" {
		return nil, &SpawnError{Err: errors.New("empty command")}
	}
	if _, err := ParseStderrMode(string(opts.Stderr)); err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	var (
		proc *Process
		err  error
	)
	if callErr := m.call(func() {
		if err = ctx.Err(); err != nil {
			return
		}
		proc, err = m.spawn(opts)
	}); callErr != nil {
		return nil, callErr
	}
	return proc, err
}

func (m *Multiplexer) spawn(opts Options) (*Process, error) {
	proc := &Process{
		id:      m.ids.NewProcessID(),
		mux:     m,
		command: opts.Command,
		exited:  newFuture[int](),
	}
	proc.state.Store(int32(StateSpawning))

	var scope handleScope
	defer func() {
		if err := scope.release(); err != nil {
			m.logger.Warn("Releasing spawn handles failed", zap.Error(err))
		}
	}()

	if err := proc.start(opts, &scope); err != nil {
		m.metrics.RecordSpawnFailure()
		m.logger.Warn("Spawn failed",
			zap.String("command", opts.Command),
			zap.Error(err))
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	proc.started = time.Now()
	proc.state.Store(int32(StateRunning))
	m.addProcess(proc)

	m.metrics.RecordSpawn()
	m.logger.Info("Process spawned",
		zap.String("id", proc.id.String()),
		zap.Int("pid", proc.pid),
		zap.String("command", opts.Command),
		zap.Int("pipes", len(proc.pipes)))
	return proc, nil
}

func (m *Multiplexer) newPipe(dir Direction, proc *Process, h *Handle) *Pipe {
	m.nextPipeID++
	return &Pipe{
		id:     m.nextPipeID,
		dir:    dir,
		mux:    m,
		proc:   proc,
		handle: h,
	}
}

func (m *Multiplexer) addProcess(proc *Process) {
	m.processes[proc.id] = proc
	for _, p := range proc.pipes {
		m.pipes[p.id] = p
		m.metrics.PipeOpened()
	}
	m.updatePollEvents()
}

// Pipe looks up a registered pipe. Pipes that were closed, or never
// existed, yield ErrClosed.
func (m *Multiplexer) Pipe(pipeID int) (*Pipe, error) {
	var p *Pipe
	if err := m.call(func() { p = m.pipes[pipeID] }); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrClosed
	}
	return p, nil
}

// Process looks up a registered process.
func (m *Multiplexer) Process(procID id.ProcessID) (*Process, error) {
	var p *Process
	if err := m.call(func() { p = m.processes[procID] }); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReference, procID)
	}
	return p, nil
}

// Processes returns every registered process ordered by ID.
func (m *Multiplexer) Processes() ([]*Process, error) {
	var procs []*Process
	err := m.call(func() {
		for _, procID := range slices.Sorted(maps.Keys(m.processes)) {
			procs = append(procs, m.processes[procID])
		}
	})
	return procs, err
}

// CleanupProcess unregisters an exited process and force-closes any of
// its pipes that are still open.
func (m *Multiplexer) CleanupProcess(procID id.ProcessID) error {
	var err error
	if callErr := m.call(func() { err = m.cleanupProcess(procID) }); callErr != nil {
		return callErr
	}
	return err
}

func (m *Multiplexer) cleanupProcess(procID id.ProcessID) error {
	proc, ok := m.processes[procID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidReference, procID)
	}
	if proc.State() != StateExited {
		return fmt.Errorf("%w: %s", ErrProcessRunning, procID)
	}

	for _, p := range proc.pipes {
		p.forceClose()
	}
	delete(m.processes, procID)
	m.updatePollEvents()

	m.logger.Debug("Process cleaned up", zap.String("id", procID.String()))
	return nil
}

// shutdown runs on the loop as the last task before it exits.
func (m *Multiplexer) shutdown() {
	for _, procID := range slices.Sorted(maps.Keys(m.processes)) {
		proc := m.processes[procID]
		if proc.State() == StateExited {
			continue
		}
		proc.kill()
		m.reap(proc)
	}

	for _, pipeID := range slices.Sorted(maps.Keys(m.pipes)) {
		m.pipes[pipeID].forceClose()
	}

	m.updatePollEvents()
	m.exit = true

	m.mu.Lock()
	m.state = loopStopped
	m.mu.Unlock()

	if live := m.handles.count(); live != 0 {
		m.logger.Error("Handles leaked after stop", zap.Int64("live", live))
	}
	m.logger.Debug("Multiplexer stopped")
}

// reap blocks until proc has exited and runs its exit handling.
func (m *Multiplexer) reap(proc *Process) {
	defer func() {
		if r := recover(); r != nil {
			m.fault(proc, r)
		}
	}()

	status, err := proc.reap()
	if err != nil {
		m.logger.Warn("Reaping process failed",
			zap.String("id", proc.id.String()),
			zap.Error(err))
		status = ExitStatus{Code: UnknownExitCode, Exited: true}
	}
	proc.exit(status)
}
