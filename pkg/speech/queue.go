package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
)

// Defaults for Queue.
const (
	DefaultQueueSize    = 8
	DefaultMaxSpeakTime = 30 * time.Second
)

// Queue serializes prompts onto a single Speaker goroutine. Say never
// blocks: when the queue is full the prompt is dropped.
type Queue struct {
	speaker  Speaker
	prompts  chan string
	maxSpeak time.Duration
	logger   *slog.Logger

	spoken  atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithQueueSize sets how many prompts can wait.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.prompts = make(chan string, n)
		}
	}
}

// WithMaxSpeakTime bounds one utterance.
func WithMaxSpeakTime(d time.Duration) QueueOption {
	return func(q *Queue) { q.maxSpeak = d }
}

// NewQueue creates a queue in front of s. A nil s speaks nothing.
func NewQueue(s Speaker, opts ...QueueOption) *Queue {
	if s == nil {
		s = Noop{}
	}
	q := &Queue{
		speaker:  s,
		prompts:  make(chan string, DefaultQueueSize),
		maxSpeak: DefaultMaxSpeakTime,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = log.Component("speech")
	}
	return q
}

// Engine returns the speaker name.
func (q *Queue) Engine() string { return q.speaker.Name() }

// Say queues text. Blank text is ignored.
func (q *Queue) Say(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	select {
	case q.prompts <- text:
		return nil
	default:
		q.dropped.Add(1)
		q.logger.Warn("speech queue full, dropping prompt", "chars", len(text))
		return ErrQueueFull
	}
}

// Run speaks queued prompts until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("speech queue started", "engine", q.speaker.Name())
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-q.prompts:
			q.speak(ctx, text)
		}
	}
}

func (q *Queue) speak(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, q.maxSpeak)
	defer cancel()

	start := time.Now()
	if err := q.speaker.Speak(ctx, text); err != nil {
		q.failed.Add(1)
		q.logger.Warn("speech failed", "engine", q.speaker.Name(), "error", err)
		return
	}
	q.spoken.Add(1)
	q.logger.Debug("spoke prompt", "chars", len(text), "took", time.Since(start))
}

// Stats returns spoken, dropped and failed counts.
func (q *Queue) Stats() (spoken, dropped, failed int64) {
	return q.spoken.Load(), q.dropped.Load(), q.failed.Load()
}
