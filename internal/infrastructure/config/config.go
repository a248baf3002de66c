package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Subprocess SubprocessConfig
	Logging    LogConfig
	Metrics    MetricsConfig
}

// SubprocessConfig holds multiplexer configuration.
type SubprocessConfig struct {
	// PollInterval is the period of the poll ticker while the wait-set is non-empty
	PollInterval time.Duration `envconfig:"SUBPROCESS_POLL_INTERVAL" default:"50ms"`
	// PollTimeout is passed to every wait call; zero never blocks the loop
	PollTimeout time.Duration `envconfig:"SUBPROCESS_POLL_TIMEOUT" default:"0"`
	// ReadSize is the chunk size used by the CLI and provider when no length is given
	ReadSize int `envconfig:"SUBPROCESS_READ_SIZE" default:"65536"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	Address string `envconfig:"METRICS_ADDR" default:"127.0.0.1:9464"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Subprocess: SubprocessConfig{
			PollInterval: 50 * time.Millisecond,
			ReadSize:     65536,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
	}
}

// Validate rejects values the multiplexer cannot run with.
func (c *Config) Validate() error {
	if c.Subprocess.PollInterval <= 0 {
		return fmt.Errorf("SUBPROCESS_POLL_INTERVAL must be positive, got %s", c.Subprocess.PollInterval)
	}
	if c.Subprocess.PollTimeout < 0 {
		return fmt.Errorf("SUBPROCESS_POLL_TIMEOUT must not be negative, got %s", c.Subprocess.PollTimeout)
	}
	if c.Subprocess.ReadSize <= 0 {
		return fmt.Errorf("SUBPROCESS_READ_SIZE must be positive, got %d", c.Subprocess.ReadSize)
	}
	return nil
}
