package camera

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/teslashibe/go-mirror/internal/log"
)

var errReopen = errors.New("camera: reopen failed")

type readResult struct {
	frame Frame
	ok    bool
}

// Watchdog wraps a Source and soft-resets it (close, then reopen with
// backoff) after MaxSlowReads consecutive slow or failed reads. Reads are
// bounded by ReadTimeout so a wedged driver can't hang the vision loop.
type Watchdog struct {
	src    Source
	cfg    Config
	logger *slog.Logger

	// NewBackOff builds the reopen policy. Replaced in tests.
	NewBackOff func() backoff.BackOff

	mu      sync.Mutex
	strikes int
	pending chan readResult // read still running after its deadline
	resets  atomic.Int64
}

// NewWatchdog wraps src.
func NewWatchdog(src Source, cfg Config, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = log.Component("camera.watchdog")
	}
	if cfg.MaxSlowReads < 1 {
		cfg.MaxSlowReads = 5
	}
	if cfg.SlowRead <= 0 {
		cfg.SlowRead = 500 * time.Millisecond
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	return &Watchdog{
		src:    src,
		cfg:    cfg,
		logger: logger,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

// Open opens the wrapped source.
func (w *Watchdog) Open() bool { return w.src.Open() }

// Close closes the wrapped source.
func (w *Watchdog) Close() error { return w.src.Close() }

// Status reports the wrapped source's status.
func (w *Watchdog) Status() Status { return w.src.Status() }

// Resets returns how many soft resets have been performed.
func (w *Watchdog) Resets() int64 { return w.resets.Load() }

// Read reads one frame with a deadline and tracks consecutive bad reads.
func (w *Watchdog) Read() (Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	res, done := w.readLocked()
	elapsed := time.Since(start)

	switch {
	case !done:
		w.strikes++
		w.logger.Debug("camera read timed out", "timeout", w.cfg.ReadTimeout, "strikes", w.strikes)
	case !res.ok || elapsed > w.cfg.SlowRead:
		w.strikes++
	default:
		w.strikes = 0
	}

	if w.strikes >= w.cfg.MaxSlowReads {
		w.resetLocked()
	}

	if !done {
		return Frame{}, false
	}
	return res.frame, res.ok
}

// readLocked waits for a previously hung read first; only one read is ever
// in flight against the device.
func (w *Watchdog) readLocked() (readResult, bool) {
	ch := w.pending
	if ch == nil {
		ch = make(chan readResult, 1)
		go func() {
			f, ok := w.src.Read()
			ch <- readResult{frame: f, ok: ok}
		}()
	}

	timer := time.NewTimer(w.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		w.pending = nil
		return res, true
	case <-timer.C:
		w.pending = ch
		return readResult{}, false
	}
}

func (w *Watchdog) resetLocked() {
	w.strikes = 0
	w.resets.Add(1)
	w.logger.Warn("camera stalled, soft reset", "slow_read", w.cfg.SlowRead, "resets", w.resets.Load())

	closed := make(chan struct{})
	go func() {
		w.src.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(w.cfg.ReadTimeout):
		w.logger.Error("camera close did not return, reopening anyway")
	}

	op := func() error {
		if w.src.Open() {
			return nil
		}
		return errReopen
	}
	if err := backoff.Retry(op, w.NewBackOff()); err != nil {
		w.logger.Error("camera reopen failed", "error", err)
		return
	}
	w.logger.Info("camera reopened")
}
