// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Output defaults to stderr: the subprocess CLI forwards child output on
// stdout and must not interleave log lines with it.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	defer logger.Close()
//	mux := subprocess.New(subprocess.WithLogger(logger.Component("multiplexer")))
package logging
