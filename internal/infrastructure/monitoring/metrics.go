package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exit reasons used as the "reason" label of ProcessExits.
const (
	ExitNormal   = "exited"
	ExitKilled   = "killed"
	ExitSignaled = "signaled"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Process metrics
	ProcessesSpawned prometheus.Counter
	ProcessesActive  prometheus.Gauge
	ProcessExits     *prometheus.CounterVec
	SpawnFailures    prometheus.Counter
	ProcessLifetime  prometheus.Histogram

	// Pipe metrics
	PipesOpen    prometheus.Gauge
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
	PipeErrors   *prometheus.CounterVec

	// Polling loop metrics
	PollTicks     prometheus.Counter
	Dispatches    prometheus.Counter
	HandlerFaults prometheus.Counter
	WaitSetSize   prometheus.Gauge

	registry *prometheus.Registry

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	ProcessesSpawned int64 `json:"processes_spawned"`
	ProcessesActive  int64 `json:"processes_active"`
	SpawnFailures    int64 `json:"spawn_failures"`
	PipesOpen        int64 `json:"pipes_open"`
	BytesRead        int64 `json:"bytes_read"`
	BytesWritten     int64 `json:"bytes_written"`
	HandlerFaults    int64 `json:"handler_faults"`
}

// NewMetrics creates a new metrics collector backed by a private registry
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a metrics collector registered on reg
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProcessesSpawned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subprocess_processes_spawned_total",
				Help: "Total number of child processes spawned",
			},
		),
		ProcessesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "subprocess_processes_active",
				Help: "Number of child processes that have not exited",
			},
		),
		ProcessExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subprocess_process_exits_total",
				Help: "Total number of observed process exits",
			},
			[]string{"reason"},
		),
		SpawnFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subprocess_spawn_failures_total",
				Help: "Total number of failed spawn attempts",
			},
		),
		ProcessLifetime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "subprocess_process_lifetime_seconds",
				Help:    "Time between spawn and observed exit",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
		),

		PipesOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "subprocess_pipes_open",
				Help: "Number of open stdio pipes",
			},
		),
		BytesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subprocess_pipe_read_bytes_total",
				Help: "Total bytes read from child output pipes",
			},
		),
		BytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subprocess_pipe_written_bytes_total",
				Help: "Total bytes written to child input pipes",
			},
		),
		PipeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subprocess_pipe_errors_total",
				Help: "Total number of fatal pipe I/O errors",
			},
			[]string{"direction"},
		),

		PollTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subprocess_poll_ticks_total",
				Help: "Total number of polling loop ticks",
			},
		),
		Dispatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subprocess_dispatches_total",
				Help: "Total number of completion handler invocations",
			},
		),
		HandlerFaults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subprocess_handler_faults_total",
				Help: "Total number of completion handlers that panicked",
			},
		),
		WaitSetSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "subprocess_wait_set_size",
				Help: "Number of handlers in the current wait-set",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSpawn records a successful spawn
func (m *Metrics) RecordSpawn() {
	m.ProcessesSpawned.Inc()
	m.ProcessesActive.Inc()

	m.mu.Lock()
	m.snapshot.ProcessesSpawned++
	m.snapshot.ProcessesActive++
	m.mu.Unlock()
}

// RecordSpawnFailure records a failed spawn
func (m *Metrics) RecordSpawnFailure() {
	m.SpawnFailures.Inc()

	m.mu.Lock()
	m.snapshot.SpawnFailures++
	m.mu.Unlock()
}

// RecordExit records an observed process exit
func (m *Metrics) RecordExit(reason string, lifetime time.Duration) {
	m.ProcessExits.WithLabelValues(reason).Inc()
	m.ProcessesActive.Dec()
	m.ProcessLifetime.Observe(lifetime.Seconds())

	m.mu.Lock()
	m.snapshot.ProcessesActive--
	m.mu.Unlock()
}

// PipeOpened records a newly created pipe
func (m *Metrics) PipeOpened() {
	m.PipesOpen.Inc()
	m.mu.Lock()
	m.snapshot.PipesOpen++
	m.mu.Unlock()
}

// PipeClosed records a released pipe
func (m *Metrics) PipeClosed() {
	m.PipesOpen.Dec()
	m.mu.Lock()
	m.snapshot.PipesOpen--
	m.mu.Unlock()
}

// RecordRead records bytes delivered by a completed read
func (m *Metrics) RecordRead(n int) {
	m.BytesRead.Add(float64(n))
	m.mu.Lock()
	m.snapshot.BytesRead += int64(n)
	m.mu.Unlock()
}

// RecordWrite records bytes accepted by a completed write
func (m *Metrics) RecordWrite(n int) {
	m.BytesWritten.Add(float64(n))
	m.mu.Lock()
	m.snapshot.BytesWritten += int64(n)
	m.mu.Unlock()
}

// RecordPipeError records a fatal pipe error
func (m *Metrics) RecordPipeError(direction string) {
	m.PipeErrors.WithLabelValues(direction).Inc()
}

// RecordHandlerFault records a completion handler that panicked
func (m *Metrics) RecordHandlerFault() {
	m.HandlerFaults.Inc()
	m.mu.Lock()
	m.snapshot.HandlerFaults++
	m.mu.Unlock()
}

// RecordTick records one polling loop tick
func (m *Metrics) RecordTick() {
	m.PollTicks.Inc()
}

// RecordDispatch records one completion handler invocation
func (m *Metrics) RecordDispatch() {
	m.Dispatches.Inc()
}

// SetWaitSetSize sets the current wait-set size
func (m *Metrics) SetWaitSetSize(n int) {
	m.WaitSetSize.Set(float64(n))
}

// Snapshot returns a copy of the current metric values
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
