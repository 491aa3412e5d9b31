// Package pipeline is the vision loop: it reads frames, runs the landmark
// and marker detectors, folds in cloud results, gates the active task
// step, composes the overlay and publishes it. It never blocks on network
// I/O; the cloud worker and hub clients run on their own goroutines.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/aruco"
	"github.com/teslashibe/go-mirror/pkg/camera"
	"github.com/teslashibe/go-mirror/pkg/cloudassist"
	"github.com/teslashibe/go-mirror/pkg/hub"
	"github.com/teslashibe/go-mirror/pkg/landmarks"
	"github.com/teslashibe/go-mirror/pkg/metrics"
	"github.com/teslashibe/go-mirror/pkg/overlay"
	"github.com/teslashibe/go-mirror/pkg/settings"
	"github.com/teslashibe/go-mirror/pkg/task"
	"golang.org/x/sync/errgroup"
)

// Defaults.
const (
	DefaultPreviewEvery   = 5
	DefaultPreviewQuality = 70
	DefaultStatusInterval = 2 * time.Second
	DefaultLatencyWarn    = 150 * time.Millisecond
	readRetryDelay        = 50 * time.Millisecond
)

// Pipeline owns the per-frame state of the vision loop. Only Run's
// goroutine touches the loop fields; Gates, Preview and the health
// snapshot are safe to read from HTTP handlers.
type Pipeline struct {
	source   camera.Source
	detector *landmarks.Scaled
	tasks    *task.Manager
	hub      *hub.Hub

	regions  *landmarks.Regions
	smoother *landmarks.Smoother
	motion   *landmarks.MotionTracker
	markers  *aruco.Estimator
	guidance *aruco.Guidance
	cloud    *cloudassist.Client
	settings *settings.Store
	health   *metrics.Health
	prom     *metrics.Metrics
	csv      *metrics.CSVRecorder

	now            func() time.Time
	logger         *slog.Logger
	previewEvery   int
	previewQuality int
	statusInterval time.Duration
	latencyWarn    time.Duration

	// loop state
	frameIndex     uint64
	fps            metrics.FPSMeter
	noFaceSince    time.Time
	requiredMarker int
	cameraDown     bool

	swap chan camera.Source

	mu      sync.RWMutex
	gates   task.Gates
	preview []byte
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithRegions sets the landmark region table.
func WithRegions(r *landmarks.Regions) Option { return func(p *Pipeline) { p.regions = r } }

// WithMarkers enables ArUco tracking.
func WithMarkers(e *aruco.Estimator) Option { return func(p *Pipeline) { p.markers = e } }

// WithCloud enables cloud refinement.
func WithCloud(c *cloudassist.Client) Option { return func(p *Pipeline) { p.cloud = c } }

// WithSettings sets the runtime toggles store.
func WithSettings(s *settings.Store) Option { return func(p *Pipeline) { p.settings = s } }

// WithHealth sets the health snapshot the loop writes.
func WithHealth(h *metrics.Health) Option { return func(p *Pipeline) { p.health = h } }

// WithMetrics exports per-frame metrics to Prometheus.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.prom = m } }

// WithCSV records per-frame latency rows.
func WithCSV(r *metrics.CSVRecorder) Option { return func(p *Pipeline) { p.csv = r } }

// WithPreview sets how often (in frames) and at what quality the preview
// JPEG is refreshed. every <= 0 disables it.
func WithPreview(every, quality int) Option {
	return func(p *Pipeline) { p.previewEvery, p.previewQuality = every, quality }
}

// WithStatusInterval sets how often a status message is broadcast.
// Zero disables it.
func WithStatusInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.statusInterval = d }
}

// New wires a pipeline. src, det, tasks and h are required.
func New(src camera.Source, det landmarks.Detector, tasks *task.Manager, h *hub.Hub, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:         src,
		tasks:          tasks,
		hub:            h,
		smoother:       landmarks.NewSmoother(landmarks.DefaultSmoothingAlpha),
		motion:         landmarks.NewMotionTracker(),
		guidance:       aruco.NewGuidance(),
		now:            time.Now,
		previewEvery:   DefaultPreviewEvery,
		previewQuality: DefaultPreviewQuality,
		statusInterval: DefaultStatusInterval,
		latencyWarn:    DefaultLatencyWarn,
		requiredMarker: -1,
		swap:           make(chan camera.Source, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Component("pipeline")
	}
	if p.regions == nil {
		p.regions = landmarks.DefaultRegions()
	}
	if p.settings == nil {
		p.settings = settings.NewStore(settings.Defaults())
	}
	if p.health == nil {
		p.health = metrics.NewHealth()
	}
	s := p.settings.Get()
	p.detector = landmarks.NewScaled(det, s.DetectScale)
	p.apply(s)
	p.settings.OnChange(p.onSettings)
	return p
}

// onSettings pushes changed limits to the cloud client. Everything else is
// picked up at the start of the next frame.
func (p *Pipeline) onSettings(c settings.Change) {
	if p.cloud != nil && c.CloudLimitsChanged() {
		s := c.New
		p.cloud.UpdateLimits(s.CloudRPS, s.CloudTimeout(), s.CloudMinInterval())
	}
	p.health.Update(func(h *metrics.HealthSnapshot) {
		h.ReduceMotion = c.New.ReduceMotion
		h.Detectors = c.New.Detectors()
	})
}

// apply copies the toggles onto the detectors. Called once per frame.
func (p *Pipeline) apply(s settings.Settings) {
	p.detector.SetScale(s.DetectScale)
	if t, ok := p.detector.Inner().(interface{ SetEnabled(face, hands bool) }); ok {
		t.SetEnabled(s.Face, s.Hands)
	}
	if p.markers != nil {
		p.markers.SetStride(s.ArucoStride)
		p.markers.SetDetectScale(s.DetectScale)
		p.markers.SetPoseEnabled(s.Pose)
	}
	if p.cloud != nil {
		p.cloud.SetEnabled(s.UseCloud)
	}
}

// Run drives the loop and the status ticker until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.source.Open() {
		p.logger.Warn("camera source did not open, vision loop will idle")
	}
	defer func() { p.source.Close() }()

	caps := landmarks.CapabilitiesOf(p.detector)
	p.logger.Info("vision loop started",
		"camera", p.source.Status(),
		"landmarks", p.detector.Name(),
		"face", caps.Face,
		"hands", caps.Hands,
		"aruco", p.markers != nil,
		"cloud", p.cloud != nil,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for ctx.Err() == nil {
			if !p.Step(ctx) {
				select {
				case <-ctx.Done():
				case <-time.After(readRetryDelay):
				}
			}
		}
		return nil
	})
	if p.statusInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(p.statusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					p.hub.PublishNow(p.health.Snapshot().Status())
				}
			}
		})
	}
	err := g.Wait()
	p.logger.Info("vision loop stopped", "frames", p.frameIndex)
	return err
}

// SwapSource replaces the camera source before the next frame, closing
// the old one. A later swap supersedes one not yet picked up.
func (p *Pipeline) SwapSource(src camera.Source) {
	for {
		select {
		case p.swap <- src:
			return
		default:
		}
		select {
		case old := <-p.swap:
			old.Close()
		default:
		}
	}
}

// Step reads and processes one frame. It reports false when no frame was
// available.
func (p *Pipeline) Step(ctx context.Context) bool {
	select {
	case src := <-p.swap:
		p.source.Close()
		p.source = src
		if !p.source.Open() {
			p.logger.Warn("replacement camera source did not open")
		}
		p.logger.Info("camera source replaced", "camera", p.source.Status())
	default:
	}

	frame, ok := p.source.Read()
	status := p.source.Status()
	if !ok || frame.Empty() {
		p.health.Update(func(h *metrics.HealthSnapshot) { h.Camera = string(status) })
		p.setCameraLive(status.Live())
		if !status.Live() {
			p.cameraLost(status)
		}
		return false
	}
	if p.cameraDown {
		p.cameraDown = false
		p.logger.Info("camera frames resumed", "camera", status)
	}
	p.Process(ctx, frame, status)
	return true
}

// cameraLost replaces the last overlay with the camera-unavailable HUD.
// It is republished on every failed read so an active step's timer keeps
// counting down on renderers.
func (p *Pipeline) cameraLost(status camera.Status) {
	if !p.cameraDown {
		p.cameraDown = true
		p.logger.Info("camera unavailable", "camera", status)
		p.hub.PublishNow(p.health.Snapshot().Status())
	}
	p.hub.Publish(overlay.Unavailable(p.tasks.Snapshot(), p.settings.Get().ReduceMotion))
}

// frameState carries one frame through the stages.
type frameState struct {
	frame    camera.Frame
	settings settings.Settings
	live     bool
	now      time.Time

	result   landmarks.Result
	face     bool
	points   map[string]landmarks.Point
	cloud    *cloudassist.Result
	breaker  bool
	markers  []aruco.Observation
	required bool
	marker   int
	state    aruco.GuidanceState
	snap     task.Snapshot
	moving   bool

	landmarkAt time.Time
}

// Process runs every stage on frame. A failing stage only drops its own
// contribution for this frame.
func (p *Pipeline) Process(ctx context.Context, frame camera.Frame, status camera.Status) {
	captured := frame.CapturedAt
	if captured.IsZero() {
		captured = p.now()
	}
	fs := &frameState{
		frame:    frame,
		settings: p.settings.Get(),
		live:     status.Live(),
		now:      p.now(),
		points:   map[string]landmarks.Point{},
	}
	p.apply(fs.settings)
	p.frameIndex++

	p.stage("landmarks", func() error { return p.detectLandmarks(ctx, fs) })
	p.stage("cloud", func() error { return p.refine(fs) })
	p.stage("aruco", func() error { return p.trackMarkers(fs) })
	fs.landmarkAt = p.now()

	fs.snap = p.tasks.Snapshot()
	p.stage("guidance", func() error { return p.guide(fs) })
	p.publishGates(fs)

	p.stage("overlay", func() error {
		p.hub.Publish(overlay.Compose(overlay.Input{
			Width:          frame.Width(),
			Height:         frame.Height(),
			Points:         fs.points,
			FacePresent:    fs.face,
			NoFaceSince:    p.noFaceSince,
			Now:            fs.now,
			Markers:        p.visibleMarkers(fs),
			Guidance:       fs.state,
			MarkerRequired: fs.required,
			Task:           fs.snap,
			ReduceMotion:   fs.settings.ReduceMotion,
			Hands:          fs.settings.Hands,
		}))
		return nil
	})
	overlayAt := p.now()

	p.record(fs, status, captured, overlayAt)
	if p.previewEvery > 0 && p.frameIndex%uint64(p.previewEvery) == 1%uint64(p.previewEvery) {
		p.stage("preview", func() error { return p.encodePreview(frame) })
	}
}

func (p *Pipeline) stage(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("vision stage panicked", "stage", name, "panic", r)
			if p.prom != nil {
				p.prom.StageError(name)
			}
		}
	}()
	if err := fn(); err != nil {
		p.logger.Debug("vision stage failed", "stage", name, "error", err)
		if p.prom != nil {
			p.prom.StageError(name)
		}
	}
}

func (p *Pipeline) detectLandmarks(ctx context.Context, fs *frameState) error {
	defer p.trackFace(fs)
	if !fs.settings.Face && !fs.settings.Hands {
		return nil
	}
	res, err := p.detector.Detect(ctx, fs.frame)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	if !fs.settings.Face {
		res.Face = landmarks.Set{}
	}
	if !fs.settings.Hands {
		res.Hands = nil
	}
	fs.result = res
	fs.face = res.Face.Present
	fs.points = p.smoother.Update(p.regions.Resolve(res))
	p.motion.Observe(fs.now, fs.points)
	return nil
}

// trackFace maintains the no-face timer. It runs even when detection
// failed so a dead detector still produces the reposition hint.
func (p *Pipeline) trackFace(fs *frameState) {
	fs.moving = p.motion.Moving(fs.now)
	if fs.face || !fs.settings.Face {
		p.noFaceSince = time.Time{}
		return
	}
	if p.noFaceSince.IsZero() {
		p.noFaceSince = fs.now
	}
}

func (p *Pipeline) refine(fs *frameState) error {
	if p.cloud == nil || !p.cloud.Enabled() {
		return nil
	}
	if box, ok := fs.result.Face.BBox(); ok {
		roi, err := cloudassist.ROI(fs.frame, box, cloudassist.DefaultROIPadding, cloudassist.DefaultROIQuality)
		if err != nil {
			return fmt.Errorf("roi: %w", err)
		}
		p.cloud.Submit(roi)
	}
	fs.cloud = p.cloud.Latest()
	fs.breaker = p.cloud.BreakerOpen()
	if fs.face {
		fs.points = cloudassist.Fuse(fs.points, fs.cloud, cloudassist.FuseOptions{
			Now:         fs.now,
			BreakerOpen: fs.breaker,
		})
	}
	return nil
}

// trackMarkers runs the estimator when badges are on or the active step
// needs a marker.
func (p *Pipeline) trackMarkers(fs *frameState) error {
	if p.markers == nil {
		return nil
	}
	snap := p.tasks.Snapshot()
	_, needed := snap.Step.HasMarker()
	if !fs.settings.Aruco && !(snap.Active && needed) {
		return nil
	}
	obs, err := p.markers.Detect(fs.frame, p.frameIndex)
	fs.markers = obs
	return err
}

func (p *Pipeline) visibleMarkers(fs *frameState) []aruco.Observation {
	if fs.settings.Aruco {
		return fs.markers
	}
	return nil
}

// guide classifies the marker the current step needs and debounces it.
func (p *Pipeline) guide(fs *frameState) error {
	id, needed := fs.snap.Step.HasMarker()
	if !fs.snap.Active || !needed {
		if p.requiredMarker != -1 {
			p.guidance.Reset()
			p.requiredMarker = -1
		}
		return nil
	}
	if id != p.requiredMarker {
		p.guidance.Reset()
		p.requiredMarker = id
	}
	fs.required, fs.marker = true, id

	target := aruco.Target{
		MarkerID:    id,
		FrameWidth:  fs.frame.Width(),
		FrameHeight: fs.frame.Height(),
	}
	if p.markers != nil {
		target.PoseAvailable, _ = p.markers.PoseAvailable()
	}
	for _, t := range fs.snap.Step.Targets {
		if pt, ok := fs.points[t.Region]; ok {
			target.Anchor = &aruco.Point{X: pt.X, Y: pt.Y}
			break
		}
	}
	fs.state = p.guidance.Update(fs.now, p.guidance.Classify(fs.markers, target))
	return nil
}

func (p *Pipeline) publishGates(fs *frameState) {
	p.mu.Lock()
	p.gates = task.Gates{
		CameraLive:  fs.live,
		MarkerID:    fs.marker,
		MarkerState: fs.state,
		HandMotion:  fs.moving,
	}
	if !fs.required {
		p.gates.MarkerID = -1
	}
	p.mu.Unlock()
}

func (p *Pipeline) setCameraLive(live bool) {
	p.mu.Lock()
	p.gates.CameraLive = live
	p.mu.Unlock()
}

// Gates returns what the loop last observed, for the advance endpoints.
func (p *Pipeline) Gates() task.Gates {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gates
}

// Preview returns the latest preview JPEG.
func (p *Pipeline) Preview() ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.preview, len(p.preview) > 0
}

func (p *Pipeline) encodePreview(frame camera.Frame) error {
	data, err := camera.EncodeJPEG(frame, p.previewQuality)
	if err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	p.mu.Lock()
	p.preview = data
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) record(fs *frameState, status camera.Status, captured, overlayAt time.Time) {
	fps := p.fps.Tick(fs.now)
	row := metrics.Row{
		Capture:  captured,
		Landmark: fs.landmarkAt,
		Overlay:  overlayAt,
		FPS:      fps,
		UseCloud: fs.settings.UseCloud,
	}
	var cloud cloudassist.Stats
	if p.cloud != nil {
		cloud = p.cloud.Metrics()
		row.CloudBreakerOpen = cloud.BreakerOpen
		if fs.cloud != nil {
			row.CloudLatencyMS = float64(fs.cloud.Latency.Microseconds()) / 1000
			row.CloudConfidence = fs.cloud.Confidence
			row.CloudOK = fs.cloud.OK
		}
	}
	e2e := row.E2E()
	if e2e > float64(p.latencyWarn.Milliseconds()) {
		p.logger.Debug("frame exceeded latency target", "frame", p.frameIndex, "e2e_ms", e2e)
	}
	if p.csv != nil {
		p.csv.Record(row)
	}
	if p.prom != nil {
		p.prom.ObserveFrame(row, status.Live())
	}

	pose, intrErr := false, ""
	if p.markers != nil {
		pose, intrErr = p.markers.PoseAvailable()
	}
	lighting := fs.frame.Lighting()
	p.health.Update(func(h *metrics.HealthSnapshot) {
		h.Camera = string(status)
		h.Lighting = lighting
		h.FPS = fps
		h.LatencyMS = e2e
		h.LastFrameNS = captured.UnixNano()
		h.ReduceMotion = fs.settings.ReduceMotion
		h.Detectors = fs.settings.Detectors()
		h.PoseAvailable = pose
		h.IntrinsicsError = intrErr
		h.Clients = p.hub.ClientCount()
		h.Guidance = string(fs.state)
		h.Cloud = metrics.CloudHealth{
			Enabled:     cloud.Enabled,
			LatencyMS:   cloud.LatencyMS,
			OKCount:     cloud.OKCount,
			FailCount:   cloud.FailCount,
			BreakerOpen: cloud.BreakerOpen,
			State:       cloud.State,
			LastOKNS:    cloud.LastOKNS,
		}
	})
}
