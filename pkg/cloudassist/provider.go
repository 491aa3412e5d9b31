// Package cloudassist refines local face landmarks with an optional cloud
// vision API. Submissions are fire-and-forget from the vision loop; a
// single worker applies the breaker, cache and rate limits and publishes
// the latest result for fusion.
package cloudassist

import (
	"context"
	"time"

	"github.com/teslashibe/go-mirror/pkg/landmarks"
)

// Provider calls a face landmarking API.
type Provider interface {
	// DetectFace returns landmarks normalized to the submitted image.
	DetectFace(ctx context.Context, jpeg []byte) (*Result, error)

	// Name identifies the provider.
	Name() string
}

// Result is one cloud answer. OK is false when no face was found.
type Result struct {
	OK         bool                       `json:"ok"`
	Landmarks  map[string]landmarks.Point `json:"landmarks"`
	Confidence float64                    `json:"confidence"`
	Latency    time.Duration              `json:"latency_ms"`
	At         time.Time                  `json:"ts"`
}

// clone returns a deep copy.
func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Landmarks = make(map[string]landmarks.Point, len(r.Landmarks))
	for k, v := range r.Landmarks {
		c.Landmarks[k] = v
	}
	return &c
}

// confidence averages landmarking and detection confidence, or uses
// detection alone when landmarking is zero.
func confidence(landmarking, detection float64) float64 {
	if landmarking == 0 {
		return detection
	}
	return (landmarking + detection) / 2
}
