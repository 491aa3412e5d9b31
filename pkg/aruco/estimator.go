package aruco

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/camera"
)

// Estimator defaults.
const (
	DefaultStride      = 2
	DefaultAlpha       = 0.4
	DefaultExpireAfter = time.Second
)

// Option configures an Estimator.
type Option func(*Estimator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

// WithStride sets the detection stride.
func WithStride(n int) Option {
	return func(e *Estimator) { e.stride = clampStride(n) }
}

// WithAlpha sets the EMA weight for new samples.
func WithAlpha(a float64) Option {
	return func(e *Estimator) {
		if a > 0 && a <= 1 {
			e.alpha = a
		}
	}
}

// WithExpireAfter sets how long an unseen marker is kept.
func WithExpireAfter(d time.Duration) Option {
	return func(e *Estimator) { e.expireAfter = d }
}

// WithDetectScale runs detection on a downscaled copy of the frame.
func WithDetectScale(s float64) Option {
	return func(e *Estimator) { e.SetDetectScale(s) }
}

// WithMarkerSize sets the printed marker edge in metres.
func WithMarkerSize(m float64) Option {
	return func(e *Estimator) { e.markerSize = m }
}

// WithIntrinsics enables pose when intr is non-nil. A nil intr with a
// non-nil err records why pose is unavailable.
func WithIntrinsics(intr *Intrinsics, err error) Option {
	return func(e *Estimator) { e.SetIntrinsics(intr, err) }
}

// Estimator runs marker detection every stride-th frame, smooths centres
// and angles, and expires markers that stop being seen. Between detection
// frames it returns the held observations.
type Estimator struct {
	detector MarkerDetector
	logger   *slog.Logger

	alpha       float64
	expireAfter time.Duration
	markerSize  float64

	mu          sync.Mutex
	stride      int
	detectScale float64
	poseEnabled bool
	intr        *Intrinsics
	intrErr     string
	warned      bool
	tracked     map[int]*Observation
}

// NewEstimator returns an estimator over det.
func NewEstimator(det MarkerDetector, opts ...Option) *Estimator {
	e := &Estimator{
		detector:    det,
		alpha:       DefaultAlpha,
		expireAfter: DefaultExpireAfter,
		markerSize:  DefaultMarkerSize,
		stride:      DefaultStride,
		detectScale: 1,
		poseEnabled: true,
		intrErr:     "intrinsics not loaded",
		tracked:     make(map[int]*Observation),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Component("aruco")
	}
	return e
}

func clampStride(n int) int { return min(max(n, 1), 8) }

// SetStride sets the detection stride, clamped to 1-8.
func (e *Estimator) SetStride(n int) {
	e.mu.Lock()
	e.stride = clampStride(n)
	e.mu.Unlock()
}

// Stride returns the detection stride.
func (e *Estimator) Stride() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stride
}

// SetDetectScale sets the detection downscale, clamped to 0.5-1.0.
func (e *Estimator) SetDetectScale(s float64) {
	e.mu.Lock()
	e.detectScale = min(max(s, 0.5), 1.0)
	e.mu.Unlock()
}

// SetPoseEnabled toggles pose estimation.
func (e *Estimator) SetPoseEnabled(on bool) {
	e.mu.Lock()
	e.poseEnabled = on
	e.mu.Unlock()
}

// SetIntrinsics installs calibration. err explains a nil intr for health.
func (e *Estimator) SetIntrinsics(intr *Intrinsics, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intr = intr
	switch {
	case intr != nil:
		e.intrErr = ""
	case err != nil:
		e.intrErr = err.Error()
	default:
		e.intrErr = "intrinsics not loaded"
	}
}

// PoseAvailable reports whether pose is both enabled and possible, and if
// not, why intrinsics are missing.
func (e *Estimator) PoseAvailable() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poseEnabled && e.intr != nil, e.intrErr
}

// Reset drops every tracked marker.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.tracked = make(map[int]*Observation)
	e.mu.Unlock()
}

// Detect processes one frame. frameIndex selects whether detection runs.
// A detector error keeps the held observations and is returned.
func (e *Estimator) Detect(frame camera.Frame, frameIndex uint64) ([]Observation, error) {
	now := frame.CapturedAt
	if now.IsZero() {
		now = time.Now()
	}

	e.mu.Lock()
	stride, scale := e.stride, e.detectScale
	e.mu.Unlock()

	if frameIndex%uint64(stride) != 0 || e.detector == nil || frame.Empty() {
		return e.held(now), nil
	}

	work := frame.Scale(scale)
	raws, err := e.detector.DetectMarkers(work)
	if err != nil {
		return e.held(now), err
	}
	sx := float64(frame.Width()) / float64(work.Width())
	sy := float64(frame.Height()) / float64(work.Height())

	e.mu.Lock()
	defer e.mu.Unlock()

	var intr *Intrinsics
	if e.poseEnabled {
		if e.intr != nil {
			intr = e.intr.ScaledTo(frame.Width(), frame.Height())
		} else if !e.warned {
			e.logger.Warn("pose requested but intrinsics unavailable, proceeding in 2D", "reason", e.intrErr)
			e.warned = true
		}
	}

	for _, raw := range raws {
		for i := range raw.Corners {
			raw.Corners[i].X *= sx
			raw.Corners[i].Y *= sy
		}
		e.observe(raw, intr, now)
	}
	return e.expire(now), nil
}

func (e *Estimator) observe(raw Raw, intr *Intrinsics, now time.Time) {
	center := raw.Center()
	obs, ok := e.tracked[raw.ID]
	if !ok {
		obs = &Observation{ID: raw.ID, SmoothedCenter: center}
		e.tracked[raw.ID] = obs
	} else {
		obs.SmoothedCenter = Point{
			X: e.alpha*center.X + (1-e.alpha)*obs.SmoothedCenter.X,
			Y: e.alpha*center.Y + (1-e.alpha)*obs.SmoothedCenter.Y,
		}
	}
	obs.Corners = raw.Corners
	obs.Center = center
	obs.LastSeen = now.UnixNano()

	obs.RVec, obs.TVec = nil, nil
	if intr == nil {
		obs.SmoothedAngle = nil
		return
	}
	pose, err := EstimatePose(raw.Corners, intr, e.markerSize)
	if err != nil {
		e.logger.Debug("pose failed", "id", raw.ID, "error", err)
		return
	}
	rv, tv := pose.RVec, pose.TVec
	obs.RVec, obs.TVec = &rv, &tv
	if obs.SmoothedAngle == nil {
		a := pose.Angles
		obs.SmoothedAngle = &a
		return
	}
	obs.SmoothedAngle = &Angles{
		Yaw:   smoothAngle(obs.SmoothedAngle.Yaw, pose.Angles.Yaw, e.alpha),
		Pitch: smoothAngle(obs.SmoothedAngle.Pitch, pose.Angles.Pitch, e.alpha),
		Roll:  smoothAngle(obs.SmoothedAngle.Roll, pose.Angles.Roll, e.alpha),
	}
}

// smoothAngle blends along the shortest arc so +179 and -179 average
// near 180 instead of 0.
func smoothAngle(prev, next, alpha float64) float64 {
	d := math.Mod(next-prev+540, 360) - 180
	v := prev + alpha*d
	return math.Mod(v+540, 360) - 180
}

func (e *Estimator) held(now time.Time) []Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expire(now)
}

// expire drops stale markers and returns sorted copies. Caller holds mu.
func (e *Estimator) expire(now time.Time) []Observation {
	cutoff := now.Add(-e.expireAfter).UnixNano()
	out := make([]Observation, 0, len(e.tracked))
	for id, obs := range e.tracked {
		if obs.LastSeen < cutoff {
			delete(e.tracked, id)
			continue
		}
		out = append(out, copyObservation(obs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyObservation(o *Observation) Observation {
	c := *o
	if o.RVec != nil {
		v := *o.RVec
		c.RVec = &v
	}
	if o.TVec != nil {
		v := *o.TVec
		c.TVec = &v
	}
	if o.SmoothedAngle != nil {
		a := *o.SmoothedAngle
		c.SmoothedAngle = &a
	}
	return c
}

// Find returns the observation with id, if any.
func Find(obs []Observation, id int) (Observation, bool) {
	for _, o := range obs {
		if o.ID == id {
			return o, true
		}
	}
	return Observation{}, false
}
