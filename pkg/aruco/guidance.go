package aruco

import (
	"math"
	"sync"
	"time"
)

// GuidanceState is the alignment state of a required marker.
type GuidanceState string

const (
	Searching GuidanceState = "SEARCHING"
	Aligning  GuidanceState = "ALIGNING"
	Good      GuidanceState = "GOOD"
)

// Guidance defaults.
const (
	DefaultTolerance     = 0.08
	DefaultTiltTolerance = 25.0
	DefaultHold          = 250 * time.Millisecond
)

// Target describes where a required marker should be.
type Target struct {
	MarkerID int
	// Anchor is the normalized target point; nil skips the distance test.
	Anchor *Point
	// FrameWidth and FrameHeight convert the observation to normalized.
	FrameWidth, FrameHeight int
	// PoseAvailable enables the tilt test.
	PoseAvailable bool
}

// Guidance classifies one required marker and debounces the result: a
// new state is committed only after it has held for Hold.
type Guidance struct {
	Tolerance     float64
	TiltTolerance float64
	Hold          time.Duration

	mu           sync.Mutex
	committed    GuidanceState
	pending      GuidanceState
	pendingSince time.Time
}

// NewGuidance returns a debouncer starting in Searching.
func NewGuidance() *Guidance {
	return &Guidance{
		Tolerance:     DefaultTolerance,
		TiltTolerance: DefaultTiltTolerance,
		Hold:          DefaultHold,
		committed:     Searching,
		pending:       Searching,
	}
}

// Classify returns the instantaneous state for target given the current
// observations.
func (g *Guidance) Classify(obs []Observation, t Target) GuidanceState {
	o, ok := Find(obs, t.MarkerID)
	if !ok {
		return Searching
	}
	if t.Anchor != nil && t.FrameWidth > 0 && t.FrameHeight > 0 {
		// Distance in units of frame width on both axes.
		w := float64(t.FrameWidth)
		dx := o.SmoothedCenter.X/w - t.Anchor.X
		dy := (o.SmoothedCenter.Y - t.Anchor.Y*float64(t.FrameHeight)) / w
		if math.Hypot(dx, dy) > g.Tolerance {
			return Aligning
		}
	}
	if t.PoseAvailable && o.SmoothedAngle != nil {
		if math.Abs(o.SmoothedAngle.Yaw) > g.TiltTolerance || math.Abs(o.SmoothedAngle.Pitch) > g.TiltTolerance {
			return Aligning
		}
	}
	return Good
}

// Update feeds an instantaneous state and returns the committed one.
func (g *Guidance) Update(now time.Time, raw GuidanceState) GuidanceState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if raw == g.committed {
		g.pending = raw
		g.pendingSince = time.Time{}
		return g.committed
	}
	if raw != g.pending || g.pendingSince.IsZero() {
		g.pending = raw
		g.pendingSince = now
	}
	if now.Sub(g.pendingSince) >= g.Hold {
		g.committed = raw
		g.pendingSince = time.Time{}
	}
	return g.committed
}

// State returns the committed state.
func (g *Guidance) State() GuidanceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed
}

// Reset returns to Searching, used when the required marker changes.
func (g *Guidance) Reset() {
	g.mu.Lock()
	g.committed, g.pending = Searching, Searching
	g.pendingSince = time.Time{}
	g.mu.Unlock()
}
