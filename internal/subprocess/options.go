package subprocess

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/subprocess/internal/shared/id"
)

// StderrMode selects where a child's standard error goes.
type StderrMode string

const (
	// StderrPipe gives the child its own stderr pipe.
	StderrPipe StderrMode = "pipe"
	// StderrStdout sends stderr to the same pipe as stdout.
	StderrStdout StderrMode = "stdout"
	// StderrInherit hands the child this process's own stderr.
	StderrInherit StderrMode = "inherit"
)

// ParseStderrMode converts a string into a StderrMode. The empty string
// selects StderrPipe.
func ParseStderrMode(s string) (StderrMode, error) {
	switch StderrMode(s) {
	case "", StderrPipe:
		return StderrPipe, nil
	case StderrStdout:
		return StderrStdout, nil
	case StderrInherit:
		return StderrInherit, nil
	}
	return "", fmt.Errorf("unknown stderr mode %q", s)
}

// Options describes a child process to spawn.
type Options struct {
	// Command is the program to run. Names without a path separator are
	// looked up in PATH.
	Command   string
	Arguments []string
	// Environment replaces the child's environment. A nil map inherits the
	// current environment; an empty non-nil map starts the child with none.
	Environment map[string]string
	WorkDir     string
	Stderr      StderrMode
	// Terminal runs the child on a pseudo-terminal. Stdin and Stdout then
	// share the terminal master and there is no stderr pipe.
	Terminal bool
}

func (o Options) argv() []string {
	return append([]string{o.Command}, o.Arguments...)
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to metrics on a private registry.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *Multiplexer) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithPollInterval sets how often the wait-set is polled while non-empty.
func WithPollInterval(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithPollTimeout sets the timeout of each wait call. Zero never blocks.
func WithPollTimeout(d time.Duration) Option {
	return func(m *Multiplexer) {
		if d >= 0 {
			m.pollTimeout = d
		}
	}
}

// WithConfig applies the poll settings from cfg.
func WithConfig(cfg config.SubprocessConfig) Option {
	return func(m *Multiplexer) {
		WithPollInterval(cfg.PollInterval)(m)
		WithPollTimeout(cfg.PollTimeout)(m)
	}
}

// WithIDGenerator sets the generator used for process IDs.
func WithIDGenerator(gen *id.Generator) Option {
	return func(m *Multiplexer) {
		if gen != nil {
			m.ids = gen
		}
	}
}

func withPoller(p poller) Option {
	return func(m *Multiplexer) {
		m.poller = p
	}
}
