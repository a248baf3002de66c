package subprocess

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// funcPoller adapts a function to the poller interface.
type funcPoller func(events []event, timeout time.Duration) (int, error)

func (f funcPoller) wait(events []event, timeout time.Duration) (int, error) {
	return f(events, timeout)
}

// scripted returns a poller that yields results in order, then -1.
func scripted(results ...int) (poller, *int) {
	calls := 0
	return funcPoller(func([]event, time.Duration) (int, error) {
		calls++
		if len(results) == 0 {
			return -1, nil
		}
		r := results[0]
		results = results[1:]
		return r, nil
	}), &calls
}

type fakeHandler struct {
	name         string
	ready        int
	errs         []error
	panicReady   bool
	panicOnError bool
}

func (h *fakeHandler) event() (event, bool) { return event{}, true }

func (h *fakeHandler) onReady() {
	h.ready++
	if h.panicReady {
		panic("boom in " + h.name)
	}
}

func (h *fakeHandler) onError(err error) {
	h.errs = append(h.errs, err)
	if h.panicOnError {
		panic("boom again")
	}
}

func newIdleMux(t *testing.T, p poller) *Multiplexer {
	t.Helper()
	return New(withPoller(p), WithLogger(zaptest.NewLogger(t)))
}

func TestDispatchRecoversPanic(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)
	h := &fakeHandler{name: "faulty", panicReady: true}

	assert.NotPanics(t, func() { m.dispatch(h) })
	require.Len(t, h.errs, 1)
	assert.Contains(t, h.errs[0].Error(), "boom in faulty")
	assert.EqualValues(t, 1, m.Metrics().Snapshot().HandlerFaults)
}

func TestDispatchErrorPathPanic(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)
	h := &fakeHandler{panicReady: true, panicOnError: true}

	assert.NotPanics(t, func() { m.dispatch(h) })
	assert.Len(t, h.errs, 1)
}

func TestPollDrainsUntilNothingSignalled(t *testing.T) {
	p, calls := scripted(0, 1, 0, -1, 1)
	m := newIdleMux(t, p)
	a, b := &fakeHandler{name: "a"}, &fakeHandler{name: "b"}
	m.handlers = []handler{a, b}
	m.events = []event{{}, {}}

	m.poll()

	assert.Equal(t, 2, a.ready)
	assert.Equal(t, 1, b.ready)
	assert.Equal(t, 4, *calls, "poll must stop at the first empty wait")
}

func TestPollIsolatesFaultyHandler(t *testing.T) {
	p, _ := scripted(0, 1, 1)
	m := newIdleMux(t, p)
	bad, good := &fakeHandler{name: "bad", panicReady: true}, &fakeHandler{name: "good"}
	m.handlers = []handler{bad, good}
	m.events = []event{{}, {}}

	m.poll()

	assert.Len(t, bad.errs, 1)
	assert.Equal(t, 2, good.ready)
	assert.Empty(t, good.errs)
}

func TestPollBoundedPerTick(t *testing.T) {
	m := newIdleMux(t, funcPoller(func([]event, time.Duration) (int, error) { return 0, nil }))
	h := &fakeHandler{}
	m.handlers = []handler{h}
	m.events = []event{{}}

	m.poll()
	assert.Equal(t, maxDispatchPerTick, h.ready)
}

func TestPollStopsOnWaitError(t *testing.T) {
	calls := 0
	m := newIdleMux(t, funcPoller(func([]event, time.Duration) (int, error) {
		calls++
		return -1, errors.New("wait failed")
	}))
	h := &fakeHandler{}
	m.handlers = []handler{h}
	m.events = []event{{}}

	m.poll()
	assert.Equal(t, 1, calls)
	assert.Zero(t, h.ready)
}

func TestPollSkipsEmptyWaitSet(t *testing.T) {
	p, calls := scripted(0)
	m := newIdleMux(t, p)

	m.poll()
	assert.Zero(t, *calls)
}

func TestUpdatePollEventsDisarmsWhenEmpty(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)

	m.updatePollEvents()
	assert.False(t, m.polling())
	assert.Empty(t, m.handlers)
}

func TestLifecycle(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)

	assert.ErrorIs(t, m.post(func() {}), ErrStopped, "post before Start")

	require.NoError(t, m.Start())
	assert.Error(t, m.Start())

	var order []int
	for i := 0; i < 3; i++ {
		require.NoError(t, m.post(func() { order = append(order, i) }))
	}
	require.NoError(t, m.call(func() { order = append(order, 3) }))
	assert.Equal(t, []int{0, 1, 2, 3}, order)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	assert.ErrorIs(t, m.post(func() {}), ErrStopped)
	_, err := m.Spawn(ctx, Options{Command: "true"})
	assert.ErrorIs(t, err, ErrStopped)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestTaskPanicDoesNotStopLoop(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)
	require.NoError(t, m.Start())
	defer m.Stop(context.Background())

	require.NoError(t, m.post(func() { panic("task") }))

	ran := false
	require.NoError(t, m.call(func() { ran = true }))
	assert.True(t, ran)
	assert.EqualValues(t, 1, m.Metrics().Snapshot().HandlerFaults)
}

func TestStopBeforeStart(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)

	require.NoError(t, m.Stop(context.Background()))
	assert.Error(t, m.Start())
}

func TestLookupsOnEmptyMultiplexer(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)
	require.NoError(t, m.Start())
	defer m.Stop(context.Background())

	_, err := m.Pipe(42)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Process("proc_unknown")
	assert.ErrorIs(t, err, ErrInvalidReference)

	assert.ErrorIs(t, m.CleanupProcess("proc_unknown"), ErrInvalidReference)

	procs, err := m.Processes()
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestSpawnValidatesOptions(t *testing.T) {
	p, _ := scripted()
	m := newIdleMux(t, p)
	require.NoError(t, m.Start())
	defer m.Stop(context.Background())

	var spawnErr *SpawnError

	_, err := m.Spawn(context.Background(), Options{})
	require.ErrorAs(t, err, &spawnErr)

	_, err = m.Spawn(context.Background(), Options{Command: "true", Stderr: "sideways"})
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "true", spawnErr.Command)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Spawn(ctx, Options{Command: "true"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseStderrMode(t *testing.T) {
	tests := []struct {
		in      string
		want    StderrMode
		wantErr bool
	}{
		{"", StderrPipe, false},
		{"pipe", StderrPipe, false},
		{"stdout", StderrStdout, false},
		{"inherit", StderrInherit, false},
		{"file", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStderrMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
