// Package aruco tracks ArUco fiducial markers across frames and derives a
// debounced alignment state for task steps that require a marker.
//
// Detection itself sits behind MarkerDetector; the gocv implementation
// lives in the opencv subpackage so this package builds without OpenCV.
package aruco

import (
	"errors"

	"github.com/teslashibe/go-mirror/pkg/camera"
)

// ErrDetectorUnavailable is returned when no marker detector is built in.
var ErrDetectorUnavailable = errors.New("aruco: detector unavailable")

// Point is a pixel position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Vec3 is a 3-vector (rvec in radians, tvec in metres).
type Vec3 [3]float64

// Angles are Euler angles in degrees.
type Angles struct {
	Yaw   float64 `json:"yaw_deg"`
	Pitch float64 `json:"pitch_deg"`
	Roll  float64 `json:"roll_deg"`
}

// Raw is one marker as reported by a detector, corners in pixel order
// top-left, top-right, bottom-right, bottom-left.
type Raw struct {
	ID      int
	Corners [4]Point
}

// Center returns the corner mean.
func (r Raw) Center() Point {
	var c Point
	for _, p := range r.Corners {
		c.X += p.X
		c.Y += p.Y
	}
	return Point{X: c.X / 4, Y: c.Y / 4}
}

// Observation is a tracked marker.
type Observation struct {
	ID      int      `json:"aruco_id"`
	Corners [4]Point `json:"corners"`
	Center  Point    `json:"center_raw_px"`

	RVec *Vec3 `json:"rvec,omitempty"`
	TVec *Vec3 `json:"tvec,omitempty"`

	SmoothedCenter Point   `json:"center_px"`
	SmoothedAngle  *Angles `json:"angles,omitempty"`

	LastSeen int64 `json:"last_seen_ns"`
}

// MarkerDetector finds markers in a frame.
type MarkerDetector interface {
	DetectMarkers(frame camera.Frame) ([]Raw, error)
}

// DetectorFunc adapts a function to MarkerDetector.
type DetectorFunc func(frame camera.Frame) ([]Raw, error)

// DetectMarkers implements MarkerDetector.
func (f DetectorFunc) DetectMarkers(frame camera.Frame) ([]Raw, error) { return f(frame) }
