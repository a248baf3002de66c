/*
Package monitoring provides metrics collection for the subprocess subsystem.

# Overview

This package implements Prometheus-based metrics for process spawning,
pipe traffic and the multiplexer's polling loop. Each Metrics value owns
its own registry so that independent multiplexers (one per test, for
instance) never collide on metric registration.

# Features

- Process lifecycle metrics (spawned, active, exits by reason, spawn failures)
- Pipe metrics (open pipes, bytes read and written, I/O errors)
- Polling loop metrics (ticks, dispatches, wait-set size, handler faults)
- A JSON-friendly snapshot of the current values

# Usage

	metrics := monitoring.NewMetrics()

	metrics.RecordSpawn()
	metrics.RecordExit("killed")

	http.Handle("/metrics", metrics.Handler())
*/
package monitoring
