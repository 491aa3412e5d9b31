// Package metrics records per-frame timing to a CSV log, keeps the
// health snapshot served at /health, and exports Prometheus metrics.
package metrics

import (
	"maps"
	"sync"
	"time"

	"github.com/teslashibe/go-mirror/pkg/protocol"
)

// CloudHealth is the cloud-assist block of the health snapshot.
type CloudHealth struct {
	Enabled     bool    `json:"enabled"`
	LatencyMS   float64 `json:"latency_ms"`
	OKCount     int64   `json:"ok_count"`
	FailCount   int64   `json:"fail_count"`
	BreakerOpen bool    `json:"breaker_open"`
	State       string  `json:"state,omitempty"`
	LastOKNS    int64   `json:"last_ok_ns,omitempty"`
}

// HealthSnapshot is the process health shown at /health.
type HealthSnapshot struct {
	Camera          string          `json:"camera"`
	CameraError     string          `json:"camera_error,omitempty"`
	Lighting        string          `json:"lighting"`
	FPS             float64         `json:"fps"`
	LatencyMS       float64         `json:"latency_ms"`
	LastFrameNS     int64           `json:"last_frame_ns,omitempty"`
	Cloud           CloudHealth     `json:"cloud"`
	ReduceMotion    bool            `json:"reduce_motion"`
	Detectors       map[string]bool `json:"detectors"`
	PoseAvailable   bool            `json:"pose_available"`
	IntrinsicsError string          `json:"intrinsics_error,omitempty"`
	Clients         int             `json:"clients"`
	Guidance        string          `json:"guidance,omitempty"`
}

// Status builds the status message renderers receive.
func (s HealthSnapshot) Status() *protocol.Status {
	fps, latency, reduce := s.FPS, s.LatencyMS, s.ReduceMotion
	return &protocol.Status{
		Type:         protocol.TypeStatus,
		Camera:       s.Camera,
		Lighting:     s.Lighting,
		FPS:          &fps,
		LatencyMS:    &latency,
		ReduceMotion: &reduce,
		Detectors:    maps.Clone(s.Detectors),
	}
}

// Health guards the snapshot. Writers are the vision loop and the
// settings handler; readers are HTTP handlers.
type Health struct {
	mu   sync.Mutex
	snap HealthSnapshot
}

// NewHealth returns a snapshot with the camera off.
func NewHealth() *Health {
	return &Health{snap: HealthSnapshot{
		Camera:    "off",
		Lighting:  "unknown",
		Detectors: map[string]bool{},
	}}
}

// Update mutates the snapshot under the lock. fn must not block.
func (h *Health) Update(fn func(*HealthSnapshot)) {
	h.mu.Lock()
	fn(&h.snap)
	h.mu.Unlock()
}

// Snapshot returns a copy.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.snap
	s.Detectors = maps.Clone(h.snap.Detectors)
	return s
}

// DefaultFPSAlpha weights the newest frame interval.
const DefaultFPSAlpha = 0.2

// FPSMeter is an EMA of the instantaneous frame rate.
type FPSMeter struct {
	Alpha float64

	last time.Time
	fps  float64
}

// Tick records a frame at now and returns the smoothed rate.
func (m *FPSMeter) Tick(now time.Time) float64 {
	alpha := m.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultFPSAlpha
	}
	if !m.last.IsZero() {
		if dt := now.Sub(m.last).Seconds(); dt > 0 {
			inst := 1 / dt
			if m.fps == 0 {
				m.fps = inst
			} else {
				m.fps = alpha*inst + (1-alpha)*m.fps
			}
		}
	}
	m.last = now
	return m.fps
}

// FPS returns the current smoothed rate.
func (m *FPSMeter) FPS() float64 { return m.fps }
