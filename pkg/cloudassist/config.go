package cloudassist

import (
	"log/slog"
	"time"
)

// Limits bounds.
const (
	MinRPS     = 1
	MaxRPS     = 10
	MinTimeout = 100 * time.Millisecond
	MaxTimeout = 3 * time.Second
)

// Config holds client configuration.
type Config struct {
	Enabled bool

	// Budget
	RPS         int
	Timeout     time.Duration
	MinInterval time.Duration

	// Cache
	CacheSize int
	CacheTTL  time.Duration

	// Breaker
	FailureThreshold uint32
	OpenTimeout      time.Duration

	// Retries within the Timeout budget, for retryable API errors only.
	MaxRetries int
	RetryDelay time.Duration

	// Observability
	Logger   *slog.Logger
	Observer func(Outcome)

	// Now is injectable for tests.
	Now func() time.Time
}

// Outcome describes one processed submission, for metrics.
type Outcome struct {
	Called   bool
	OK       bool
	Latency  time.Duration
	CacheHit bool
	Err      error
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithEnabled switches cloud assist on or off.
func WithEnabled(on bool) Option {
	return func(c *Config) { c.Enabled = on }
}

// WithLimits sets rps, per-call timeout and minimum interval.
func WithLimits(rps int, timeout, minInterval time.Duration) Option {
	return func(c *Config) {
		c.RPS, c.Timeout, c.MinInterval = clampLimits(rps, timeout, minInterval)
	}
}

// WithCache sets the result cache size and TTL.
func WithCache(size int, ttl time.Duration) Option {
	return func(c *Config) {
		c.CacheSize = size
		c.CacheTTL = ttl
	}
}

// WithBreaker sets the consecutive-failure threshold and open duration.
func WithBreaker(failures uint32, open time.Duration) Option {
	return func(c *Config) {
		c.FailureThreshold = failures
		c.OpenTimeout = open
	}
}

// WithRetry configures retries for retryable API errors.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithObserver registers a callback for every processed submission.
func WithObserver(fn func(Outcome)) Option {
	return func(c *Config) { c.Observer = fn }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.Now = now }
}

// DefaultConfig returns the defaults: disabled, 2 rps, 0.8s timeout,
// 600ms minimum interval, 32 cached results for 10s, and a breaker that
// opens for 10s after 3 consecutive failures.
func DefaultConfig() *Config {
	return &Config{
		RPS:              2,
		Timeout:          800 * time.Millisecond,
		MinInterval:      600 * time.Millisecond,
		CacheSize:        32,
		CacheTTL:         10 * time.Second,
		FailureThreshold: 3,
		OpenTimeout:      10 * time.Second,
		MaxRetries:       2,
		RetryDelay:       200 * time.Millisecond,
		Now:              time.Now,
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func clampLimits(rps int, timeout, minInterval time.Duration) (int, time.Duration, time.Duration) {
	rps = min(max(rps, MinRPS), MaxRPS)
	timeout = min(max(timeout, MinTimeout), MaxTimeout)
	minInterval = max(minInterval, 0)
	return rps, timeout, minInterval
}
