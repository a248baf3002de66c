// Package config provides 12-factor configuration for the subprocess subsystem.
//
// Configuration is loaded from environment variables with defaults.
// CLI flags can override environment variables.
//
// Configuration Sections:
//   - Subprocess: poll ticker period, per-wait timeout, default read size
//   - Logging: Log level and output format
//   - Metrics: prometheus exposition
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	mux := subprocess.New(subprocess.WithConfig(cfg.Subprocess))
//
// Environment Variables:
//   - SUBPROCESS_POLL_INTERVAL, SUBPROCESS_POLL_TIMEOUT, SUBPROCESS_READ_SIZE
//   - LOG_LEVEL, LOG_DEV
//   - METRICS_ENABLED, METRICS_ADDR
package config
