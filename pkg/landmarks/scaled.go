package landmarks

import (
	"context"
	"image"
	"sync"

	"github.com/teslashibe/go-mirror/pkg/camera"
)

// ROIPadding is the fraction of the face box added on every side when
// cropping to the last known face.
const ROIPadding = 0.2

// Scaled runs an inner detector on a downscaled crop of the frame and maps
// the results back to full-frame normalized coordinates. After a face is
// found, later frames are cropped to the padded face box; losing the face
// falls back to the full frame.
type Scaled struct {
	inner Detector

	mu    sync.Mutex
	scale float64
	roi   *Box // full-frame normalized, nil means whole frame
}

// NewScaled wraps inner with the given downscale factor.
func NewScaled(inner Detector, scale float64) *Scaled {
	s := &Scaled{inner: inner}
	s.SetScale(scale)
	return s
}

// SetScale updates the downscale factor, clamped to [0.5, 1.0].
func (s *Scaled) SetScale(scale float64) {
	s.mu.Lock()
	s.scale = min(max(scale, 0.5), 1.0)
	s.mu.Unlock()
}

// Scale returns the current downscale factor.
func (s *Scaled) Scale() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

// ROI returns the current crop box, if any.
func (s *Scaled) ROI() (Box, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roi == nil {
		return Box{}, false
	}
	return *s.roi, true
}

// ResetROI forces the next frame to be processed whole.
func (s *Scaled) ResetROI() {
	s.mu.Lock()
	s.roi = nil
	s.mu.Unlock()
}

// Inner returns the wrapped detector.
func (s *Scaled) Inner() Detector { return s.inner }

// Name implements Detector.
func (s *Scaled) Name() string { return s.inner.Name() }

// Close implements Detector.
func (s *Scaled) Close() error { return s.inner.Close() }

// Capabilities forwards the inner detector's capabilities.
func (s *Scaled) Capabilities() Capabilities { return CapabilitiesOf(s.inner) }

// Detect implements Detector.
func (s *Scaled) Detect(ctx context.Context, frame camera.Frame) (Result, error) {
	if frame.Empty() {
		return Result{}, nil
	}
	s.mu.Lock()
	scale, roi := s.scale, s.roi
	s.mu.Unlock()

	w, h := float64(frame.Width()), float64(frame.Height())
	region := Box{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}
	work := frame
	if roi != nil {
		region = *roi
		rect := image.Rect(
			int(region.MinX*w), int(region.MinY*h),
			int(region.MaxX*w), int(region.MaxY*h),
		)
		work = frame.Crop(rect)
		if work.Empty() {
			region = Box{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}
			work = frame
		}
	}
	work = work.Scale(scale)

	res, err := s.inner.Detect(ctx, work)
	if err != nil {
		return Result{}, err
	}

	res.Face = remap(res.Face, region)
	for i := range res.Hands {
		res.Hands[i] = remap(res.Hands[i], region)
	}

	s.mu.Lock()
	if box, ok := res.Face.BBox(); ok {
		padded := pad(box, ROIPadding)
		s.roi = &padded
	} else {
		s.roi = nil
	}
	s.mu.Unlock()

	return res, nil
}

// remap converts ROI-normalized points to full-frame normalized points.
func remap(set Set, region Box) Set {
	if !set.Present || len(set.Points) == 0 {
		return set
	}
	out := make(map[int]Point, len(set.Points))
	for idx, p := range set.Points {
		out[idx] = Point{
			X: region.MinX + p.X*region.Width(),
			Y: region.MinY + p.Y*region.Height(),
			Z: p.Z,
		}
	}
	set.Points = out
	return set
}

func pad(b Box, frac float64) Box {
	dx, dy := b.Width()*frac, b.Height()*frac
	return Box{
		MinX: max(0, b.MinX-dx),
		MinY: max(0, b.MinY-dy),
		MaxX: min(1, b.MaxX+dx),
		MaxY: min(1, b.MaxY+dy),
	}
}
