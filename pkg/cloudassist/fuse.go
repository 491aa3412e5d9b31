package cloudassist

import (
	"time"

	"github.com/teslashibe/go-mirror/pkg/landmarks"
)

// Fusion defaults.
const (
	MaxCloudWeight = 0.8
	DefaultMaxAge  = 1500 * time.Millisecond
)

// FuseOptions controls when a cloud result is trusted.
type FuseOptions struct {
	Now         time.Time
	MaxAge      time.Duration
	BreakerOpen bool
}

// Fuse blends cloud landmarks into local ones. Only names the cloud
// provides are touched: p = (1-w)*local + w*cloud with w the cloud
// confidence capped at MaxCloudWeight. A name with no local value takes
// the cloud value. Local wins outright when the cloud result is missing,
// not OK, stale, or the breaker is open.
func Fuse(local map[string]landmarks.Point, cloud *Result, opts FuseOptions) map[string]landmarks.Point {
	out := make(map[string]landmarks.Point, len(local))
	for k, v := range local {
		out[k] = v
	}
	if cloud == nil || !cloud.OK || opts.BreakerOpen {
		return out
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if !opts.Now.IsZero() && opts.Now.Sub(cloud.At) > maxAge {
		return out
	}

	w := min(max(cloud.Confidence, 0), MaxCloudWeight)
	for name, c := range cloud.Landmarks {
		l, ok := out[name]
		if !ok {
			out[name] = c
			continue
		}
		out[name] = landmarks.Point{
			X: (1-w)*l.X + w*c.X,
			Y: (1-w)*l.Y + w*c.Y,
			Z: l.Z,
		}
	}
	return out
}
