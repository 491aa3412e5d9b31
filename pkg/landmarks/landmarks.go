// Package landmarks runs face-mesh and hand landmark inference on camera
// frames. Backends are interchangeable behind Detector: a MediaPipe bridge
// process, OpenCV YuNet (see the opencv subpackage), or a deterministic
// synthetic source used when no model backend is available.
package landmarks

import (
	"context"
	"errors"
	"math"

	"github.com/teslashibe/go-mirror/pkg/camera"
)

// Sentinel errors.
var (
	// ErrBackendUnavailable is returned when a model backend can't start.
	ErrBackendUnavailable = errors.New("landmarks: backend unavailable")

	// ErrBridgeProtocol is returned when the bridge process sends garbage.
	ErrBridgeProtocol = errors.New("landmarks: bridge protocol error")
)

// Hand landmark indices (MediaPipe Hands, 21 points).
const (
	Wrist     = 0
	ThumbTip  = 4
	IndexTip  = 8
	MiddleTip = 12
	RingTip   = 16
	PinkyTip  = 20

	NumHandLandmarks = 21
)

// NumFaceLandmarks is the refined MediaPipe face mesh size.
const NumFaceLandmarks = 478

// Point is a landmark in normalized full-frame coordinates (0-1).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// Dist returns the 2D distance between two points.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Set is one detector's landmarks for one frame.
// Present=false is a valid "nothing found" result, not an error.
type Set struct {
	Points     map[int]Point `json:"points"`
	Present    bool          `json:"present"`
	Handedness string        `json:"handedness,omitempty"`
	Score      float64       `json:"score,omitempty"`
}

// Box is a normalized bounding box.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the box width.
func (b Box) Width() float64 { return b.MaxX - b.MinX }

// Height returns the box height.
func (b Box) Height() float64 { return b.MaxY - b.MinY }

// Center returns the box center.
func (b Box) Center() Point {
	return Point{X: (b.MinX + b.MaxX) / 2, Y: (b.MinY + b.MaxY) / 2}
}

// BBox returns the bounding box of the set's points.
func (s Set) BBox() (Box, bool) {
	if !s.Present || len(s.Points) == 0 {
		return Box{}, false
	}
	b := Box{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range s.Points {
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b, true
}

// Result is the output of one detection pass.
type Result struct {
	Face  Set   `json:"face"`
	Hands []Set `json:"hands,omitempty"`
}

// Detector is the interface for landmark backends.
type Detector interface {
	// Detect finds face and hand landmarks in the frame.
	Detect(ctx context.Context, frame camera.Frame) (Result, error)

	// Name identifies the backend for health and logs.
	Name() string

	// Close releases resources.
	Close() error
}

// Capabilities reports which landmark kinds a backend can produce.
type Capabilities struct {
	Face  bool `json:"face"`
	Hands bool `json:"hands"`
}

// Capable is implemented by backends that can't produce every kind.
type Capable interface {
	Capabilities() Capabilities
}

// CapabilitiesOf returns d's capabilities, assuming both when unspecified.
func CapabilitiesOf(d Detector) Capabilities {
	if c, ok := d.(Capable); ok {
		return c.Capabilities()
	}
	return Capabilities{Face: true, Hands: true}
}
