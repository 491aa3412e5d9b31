package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teslashibe/go-mirror/pkg/cloudassist"
	"github.com/teslashibe/go-mirror/pkg/hub"
)

// Metrics holds the Prometheus collectors for the mirror.
type Metrics struct {
	registry *prometheus.Registry

	fps          prometheus.Gauge
	latency      prometheus.Gauge
	cameraOn     prometheus.Gauge
	framesTotal  prometheus.Counter
	stageErrors  *prometheus.CounterVec
	e2e          prometheus.Histogram
	cloudLatency prometheus.Histogram
	cloudCalls   *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_fps",
			Help: "Smoothed processed frames per second",
		}),
		latency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_latency_ms",
			Help: "Last capture-to-overlay latency in milliseconds",
		}),
		cameraOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_camera_on",
			Help: "1 when a real camera is delivering frames",
		}),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_frames_total",
			Help: "Total frames processed by the vision loop",
		}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_stage_errors_total",
			Help: "Vision loop stage failures, by stage",
		}, []string{"stage"}),
		e2e: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mirror_e2e_latency_seconds",
			Help:    "Capture-to-overlay latency",
			Buckets: []float64{.01, .025, .05, .075, .1, .15, .25, .5, 1},
		}),
		cloudLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mirror_cloud_latency_seconds",
			Help:    "Cloud assist call latency",
			Buckets: []float64{.05, .1, .25, .5, .8, 1.5, 3},
		}),
		cloudCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_cloud_calls_total",
			Help: "Cloud assist outcomes: ok, fail or cache_hit",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.fps, m.latency, m.cameraOn, m.framesTotal, m.stageErrors,
		m.e2e, m.cloudLatency, m.cloudCalls,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveFrame records one processed frame.
func (m *Metrics) ObserveFrame(row Row, cameraOn bool) {
	m.framesTotal.Inc()
	m.fps.Set(row.FPS)
	e2e := row.E2E()
	m.latency.Set(e2e)
	m.e2e.Observe(e2e / 1000)
	if cameraOn {
		m.cameraOn.Set(1)
	} else {
		m.cameraOn.Set(0)
	}
}

// StageError counts a failed vision loop stage.
func (m *Metrics) StageError(stage string) {
	m.stageErrors.WithLabelValues(stage).Inc()
}

// ObserveCloud records a cloud assist outcome. It matches the
// cloudassist observer signature.
func (m *Metrics) ObserveCloud(o cloudassist.Outcome) {
	switch {
	case o.CacheHit:
		m.cloudCalls.WithLabelValues("cache_hit").Inc()
		return
	case o.Err != nil || !o.OK:
		m.cloudCalls.WithLabelValues("fail").Inc()
	default:
		m.cloudCalls.WithLabelValues("ok").Inc()
	}
	if o.Called {
		m.cloudLatency.Observe(o.Latency.Seconds())
	}
}

// WatchHub exports the hub counters, read at scrape time.
func (m *Metrics) WatchHub(h *hub.Hub) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mirror_ws_clients",
			Help: "Connected overlay renderers",
		}, func() float64 { return float64(h.ClientCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mirror_hub_published_total",
			Help: "Messages published to the hub",
		}, func() float64 { return float64(h.Stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mirror_hub_collapsed_total",
			Help: "Overlays replaced before delivery by a newer publish",
		}, func() float64 { return float64(h.Stats().Collapsed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mirror_hub_delivered_total",
			Help: "Messages queued to clients",
		}, func() float64 { return float64(h.Stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mirror_hub_dropped_clients_total",
			Help: "Clients pruned for a full send queue",
		}, func() float64 { return float64(h.Stats().DroppedClients) }),
	)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
