package code

import (
	"io"
	"log/slog"
	"time"
)

type runnerConfig struct {
	timeout     time.Duration
	maxOutput   int
	maxFileSize int64
	maxRetries  int
	retryDelay  time.Duration
	apiKey      string
	workspace   string
	logger      *slog.Logger
}

func defaultRunnerConfig() runnerConfig {
	return runnerConfig{
		timeout:     30 * time.Second,
		maxOutput:   64 * 1024,
		maxFileSize: 10 * 1024 * 1024,
		maxRetries:  2,
		retryDelay:  500 * time.Millisecond,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures a runner.
type Option func(*runnerConfig)

// WithTimeout sets the default per-execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxOutput caps captured stdout and stderr, in bytes.
func WithMaxOutput(n int) Option {
	return func(c *runnerConfig) {
		if n > 0 {
			c.maxOutput = n
		}
	}
}

// WithMaxFileSize caps the size of each generated file, in bytes.
func WithMaxFileSize(n int64) Option {
	return func(c *runnerConfig) {
		if n > 0 {
			c.maxFileSize = n
		}
	}
}

// WithRetries sets how many times transient sandbox failures are
// retried, and the initial delay between attempts. The delay doubles
// on each retry.
func WithRetries(n int, delay time.Duration) Option {
	return func(c *runnerConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// WithAPIKey authenticates requests to the sandbox service.
func WithAPIKey(key string) Option {
	return func(c *runnerConfig) { c.apiKey = key }
}

// WithWorkspace sets the parent directory for subprocess working
// directories. Defaults to the system temp directory.
func WithWorkspace(dir string) Option {
	return func(c *runnerConfig) { c.workspace = dir }
}

// WithLogger sets the runner logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *runnerConfig) { c.logger = log }
}
