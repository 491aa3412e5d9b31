package cloudassist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/landmarks"
	"golang.org/x/time/rate"
)

// Stats is a point-in-time view of the client for health reporting.
type Stats struct {
	Enabled       bool    `json:"enabled"`
	RPS           int     `json:"rps"`
	TimeoutS      float64 `json:"timeout_s"`
	MinIntervalMS int64   `json:"min_interval_ms"`
	LatencyMS     float64 `json:"latency_ms"`
	OKCount       int64   `json:"ok_count"`
	FailCount     int64   `json:"fail_count"`
	CacheHits     int64   `json:"cache_hits"`
	RateLimited   int64   `json:"rate_limited"`
	Skipped       int64   `json:"skipped"`
	BreakerOpen   bool    `json:"breaker_open"`
	State         string  `json:"state"`
	LastOKNS      int64   `json:"last_ok_ns,omitempty"`
}

// Client owns the cloud worker. Submit never blocks; Latest returns the
// newest result.
type Client struct {
	provider Provider
	cfg      *Config
	logger   *slog.Logger

	breaker  *gobreaker.CircuitBreaker
	cache    *expirable.LRU[string, *Result]
	limiter  *rate.Limiter
	interval *rate.Limiter

	enabled atomic.Bool
	mailbox chan ROIImage

	mu       sync.Mutex
	latest   *Result
	timeout  time.Duration
	rps      int
	minIntvl time.Duration
	stats    Stats
	lastOKAt time.Time
}

// New creates a client over provider. A nil provider leaves the client
// permanently disabled.
func New(provider Provider, opts ...Option) *Client {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = log.Component("cloudassist")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Client{
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger,
		mailbox:  make(chan ROIImage, 1),
	}
	c.rps, c.timeout, c.minIntvl = clampLimits(cfg.RPS, cfg.Timeout, cfg.MinInterval)
	c.limiter = rate.NewLimiter(rate.Limit(c.rps), c.rps)
	c.interval = rate.NewLimiter(intervalLimit(c.minIntvl), 1)
	c.cache = expirable.NewLRU[string, *Result](max(cfg.CacheSize, 1), nil, cfg.CacheTTL)

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloudassist",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("cloud breaker state change", "from", from.String(), "to", to.String())
		},
	})

	c.enabled.Store(cfg.Enabled && provider != nil)
	return c
}

func intervalLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Enabled reports whether submissions are processed.
func (c *Client) Enabled() bool { return c.enabled.Load() }

// SetEnabled toggles cloud assist. It stays off without a provider.
func (c *Client) SetEnabled(on bool) {
	c.enabled.Store(on && c.provider != nil)
}

// UpdateLimits changes rps, timeout and minimum interval, clamped to
// 1-10 rps, 0.1-3s and >= 0.
func (c *Client) UpdateLimits(rps int, timeout, minInterval time.Duration) {
	rps, timeout, minInterval = clampLimits(rps, timeout, minInterval)
	c.mu.Lock()
	c.rps, c.timeout, c.minIntvl = rps, timeout, minInterval
	c.mu.Unlock()

	now := c.cfg.Now()
	c.limiter.SetLimitAt(now, rate.Limit(rps))
	c.limiter.SetBurstAt(now, rps)
	c.interval.SetLimitAt(now, intervalLimit(minInterval))
}

// Submit hands an ROI to the worker. A newer submit replaces one the
// worker has not picked up yet. Never blocks.
func (c *Client) Submit(img ROIImage) {
	if !c.enabled.Load() || len(img.JPEG) == 0 {
		return
	}
	for {
		select {
		case c.mailbox <- img:
			return
		default:
		}
		select {
		case <-c.mailbox:
		default:
		}
	}
}

// Latest returns a copy of the newest result, or nil.
func (c *Client) Latest() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest.clone()
}

// BreakerOpen reports whether the breaker is currently open.
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// Metrics returns current stats.
func (c *Client) Metrics() Stats {
	c.mu.Lock()
	s := c.stats
	s.RPS = c.rps
	s.TimeoutS = c.timeout.Seconds()
	s.MinIntervalMS = c.minIntvl.Milliseconds()
	if !c.lastOKAt.IsZero() {
		s.LastOKNS = c.lastOKAt.UnixNano()
	}
	c.mu.Unlock()

	s.Enabled = c.enabled.Load()
	if !s.Enabled {
		s.RPS = 0
	}
	state := c.breaker.State()
	s.State = state.String()
	s.BreakerOpen = state == gobreaker.StateOpen
	return s
}

// Run processes submissions until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case img := <-c.mailbox:
			if _, err := c.process(ctx, img); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug("cloud submission dropped", "error", err)
			}
		}
	}
}

// process applies the policy chain to one submission: disabled, breaker,
// cache, rps, min interval, then the call under a timeout.
func (c *Client) process(ctx context.Context, img ROIImage) (*Result, error) {
	if !c.enabled.Load() {
		return nil, ErrDisabled
	}
	if c.breaker.State() == gobreaker.StateOpen {
		c.count(func(s *Stats) { s.Skipped++ })
		return nil, ErrBreakerOpen
	}

	decoded, err := jpeg.Decode(bytes.NewReader(img.JPEG))
	if err != nil {
		return nil, ErrEmptyImage
	}
	key := cacheKey(decoded)
	if cached, ok := c.cache.Get(key); ok {
		res := c.publish(cached, img)
		c.count(func(s *Stats) { s.CacheHits++ })
		c.observe(Outcome{CacheHit: true, OK: res.OK})
		return res, nil
	}

	if !c.reserve() {
		c.count(func(s *Stats) { s.RateLimited++ })
		return nil, ErrRateLimited
	}

	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()

	start := c.cfg.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.call(callCtx, img.JPEG)
	})
	latency := c.cfg.Now().Sub(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.count(func(s *Stats) { s.Skipped++ })
			return nil, ErrBreakerOpen
		}
		c.count(func(s *Stats) {
			s.FailCount++
			s.LatencyMS = float64(latency.Microseconds()) / 1000
		})
		c.observe(Outcome{Called: true, Latency: latency, Err: err})
		c.logger.Debug("cloud call failed", "error", err, "latency", latency)
		return nil, fmt.Errorf("cloud call: %w", err)
	}

	res := out.(*Result)
	res.Latency = latency
	c.cache.Add(key, res.clone())
	published := c.publish(res, img)

	c.mu.Lock()
	c.stats.LatencyMS = float64(latency.Microseconds()) / 1000
	if res.OK {
		c.stats.OKCount++
		c.lastOKAt = c.cfg.Now()
	}
	c.mu.Unlock()
	c.observe(Outcome{Called: true, OK: res.OK, Latency: latency})
	return published, nil
}

// call invokes the provider, retrying retryable API errors while the
// context allows.
func (c *Client) call(ctx context.Context, data []byte) (*Result, error) {
	var res *Result
	op := func() error {
		r, err := c.provider.DetectFace(ctx, data)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if r == nil {
			r = &Result{}
		}
		res = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = max(c.cfg.RetryDelay, time.Millisecond)
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.cfg.MaxRetries, 0))), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return res, nil
}

// publish maps an ROI-relative result to full-frame coordinates and stores
// it as the latest.
func (c *Client) publish(res *Result, img ROIImage) *Result {
	full := res.clone()
	full.At = c.cfg.Now()
	full.Landmarks = make(map[string]landmarks.Point, len(res.Landmarks))
	for name, p := range res.Landmarks {
		full.Landmarks[name] = img.toFrame(p)
	}
	c.mu.Lock()
	c.latest = full
	c.mu.Unlock()
	return full.clone()
}

// reserve takes one token from both limiters, or none.
func (c *Client) reserve() bool {
	now := c.cfg.Now()
	r1 := c.limiter.ReserveN(now, 1)
	if !r1.OK() || r1.DelayFrom(now) > 0 {
		r1.CancelAt(now)
		return false
	}
	r2 := c.interval.ReserveN(now, 1)
	if !r2.OK() || r2.DelayFrom(now) > 0 {
		r2.CancelAt(now)
		r1.CancelAt(now)
		return false
	}
	return true
}

func (c *Client) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *Client) observe(o Outcome) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(o)
	}
}
