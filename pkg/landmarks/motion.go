package landmarks

import (
	"strings"
	"sync"
	"time"
)

// Motion defaults: the tracked point must travel this far (normalized
// units, summed path length) within the window to count as moving.
const (
	DefaultMotionWindow    = time.Second
	DefaultMotionThreshold = 0.08
)

type sample struct {
	at time.Time
	p  Point
}

// MotionTracker decides whether a hand is actively moving, used by the
// hand-motion gate on brushing and combing steps.
type MotionTracker struct {
	// Prefix selects which anchors are tracked (any handedness).
	Prefix    string
	Window    time.Duration
	Threshold float64

	mu      sync.Mutex
	samples []sample
}

// NewMotionTracker tracks the index fingertip of either hand.
func NewMotionTracker() *MotionTracker {
	return &MotionTracker{
		Prefix:    "hand_index_tip_",
		Window:    DefaultMotionWindow,
		Threshold: DefaultMotionThreshold,
	}
}

// Observe records the tracked anchor from one frame's anchors. Frames
// without the anchor leave a gap that is not counted as travel.
func (m *MotionTracker) Observe(now time.Time, anchors map[string]Point) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, p := range anchors {
		if strings.HasPrefix(name, m.Prefix) {
			m.samples = append(m.samples, sample{at: now, p: p})
			break
		}
	}
	m.trim(now)
}

// Moving reports whether the path length over the window exceeds the
// threshold.
func (m *MotionTracker) Moving(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trim(now)
	var path float64
	for i := 1; i < len(m.samples); i++ {
		path += m.samples[i].p.Dist(m.samples[i-1].p)
	}
	return path > m.Threshold
}

// Reset drops all samples.
func (m *MotionTracker) Reset() {
	m.mu.Lock()
	m.samples = nil
	m.mu.Unlock()
}

func (m *MotionTracker) trim(now time.Time) {
	cutoff := now.Add(-m.Window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
