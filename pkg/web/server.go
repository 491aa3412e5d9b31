// Package web is the HTTP and WebSocket control surface of the mirror.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/camera"
	"github.com/teslashibe/go-mirror/pkg/hub"
	"github.com/teslashibe/go-mirror/pkg/metrics"
	"github.com/teslashibe/go-mirror/pkg/protocol"
	"github.com/teslashibe/go-mirror/pkg/settings"
	"github.com/teslashibe/go-mirror/pkg/speech"
	"github.com/teslashibe/go-mirror/pkg/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownTimeout = 5 * time.Second

// Server is the control surface.
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger

	tasks    *task.Manager
	hub      *hub.Hub
	settings *settings.Store
	health   *metrics.Health
	speech   *speech.Queue
	camera   *camera.Manager
	prom     *metrics.Metrics

	gates      func() task.Gates
	preview    func() ([]byte, bool)
	requestLog bool

	mu      sync.Mutex
	session *Session
}

// Session is the caregiver-facing session record from /session/start.
type Session struct {
	ID        string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	RoutineID string    `json:"routine_id"`
	StartedAt time.Time `json:"started_at"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithSettings sets the runtime toggles store.
func WithSettings(st *settings.Store) Option { return func(s *Server) { s.settings = st } }

// WithHealth sets the health snapshot served at /health.
func WithHealth(h *metrics.Health) Option { return func(s *Server) { s.health = h } }

// WithSpeech sets the prompt queue.
func WithSpeech(q *speech.Queue) Option { return func(s *Server) { s.speech = q } }

// WithCamera exposes the camera configuration at /camera.
func WithCamera(m *camera.Manager) Option { return func(s *Server) { s.camera = m } }

// WithMetrics serves Prometheus metrics at /metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.prom = m } }

// WithGates sets where advance requests read the vision observations.
// Without it the camera is treated as off.
func WithGates(fn func() task.Gates) Option { return func(s *Server) { s.gates = fn } }

// WithPreview sets the source of /preview.jpg.
func WithPreview(fn func() ([]byte, bool)) Option { return func(s *Server) { s.preview = fn } }

// WithRequestLog enables the fiber request logger.
func WithRequestLog(on bool) Option { return func(s *Server) { s.requestLog = on } }

// NewServer creates the server and registers every route.
func NewServer(addr string, tasks *task.Manager, h *hub.Hub, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: tasks, hub: h}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Component("web")
	}
	if s.settings == nil {
		s.settings = settings.NewStore(settings.Defaults())
	}
	if s.health == nil {
		s.health = metrics.NewHealth()
	}
	if s.speech == nil {
		s.speech = speech.NewQueue(nil)
	}
	if s.gates == nil {
		s.gates = func() task.Gates { return task.Gates{MarkerID: -1} }
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-mirror",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if s.requestLog {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/settings", s.handleGetSettings)
	app.Post("/settings", s.handleUpdateSettings)

	app.Get("/tasks", s.handleListTasks)
	app.Get("/tasks/current", s.handleCurrentTask)
	app.Post("/tasks/next_step", s.handleNextStep)
	app.Post("/tasks/stop", s.handleStopTask)
	app.Post("/tasks/:id/start", s.handleStartTask)

	app.Post("/session/start", s.handleStartSession)
	app.Post("/session/next_step", s.handleSessionNext)
	app.Post("/session/prev_step", s.handleSessionPrev)

	app.Post("/overlay", s.handleOverlay)
	app.Post("/tts", s.handleTTS)
	app.Post("/tts/replay", s.handleReplay)
	app.Post("/genai/coach", s.handleCoach)

	app.Get("/preview.jpg", s.handlePreview)
	if s.camera != nil {
		app.Get("/camera", s.handleGetCamera)
		app.Post("/camera", s.handleUpdateCamera)
	}
	if s.prom != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.prom.Handler()))
	}

	app.Use("/ws", h.Upgrade())
	app.Get("/ws", h.Handler(s.onConnect))
	app.Get("/ws/mirror", h.Handler(s.onConnect))

	s.app = app
	return s
}

// App returns the fiber app, for tests and embedding.
func (s *Server) App() *fiber.App { return s.app }

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("control surface listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down control surface")
		return s.app.ShutdownWithTimeout(shutdownTimeout)
	}
}

// onConnect brings a new renderer up to date.
func (s *Server) onConnect() {
	s.hub.PublishNow(s.status())
	if snap := s.tasks.Snapshot(); snap.Active {
		s.hub.PublishNow(s.stepOverlay(snap))
	}
}

func (s *Server) status() *protocol.Status {
	return s.health.Snapshot().Status()
}

// handleError renders every error as {error, reason}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var (
		notFound *task.NotFoundError
		invalid  *settings.ValidationError
		ferr     *fiber.Error
	)
	switch {
	case errors.As(err, &notFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"reason":  notFound.Error(),
			"task_id": notFound.ID,
		})
	case errors.Is(err, task.ErrNoActiveTask):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "no_active_task",
			"reason": err.Error(),
		})
	case errors.As(err, &invalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "invalid_setting",
			"field":  invalid.Field,
			"reason": invalid.Reason,
		})
	case errors.Is(err, protocol.ErrInvalidMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "invalid_message",
			"reason": err.Error(),
		})
	case errors.As(err, &ferr):
		return c.Status(ferr.Code).JSON(fiber.Map{
			"error":  errorCode(ferr.Code),
			"reason": ferr.Message,
		})
	}
	s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":  "internal",
		"reason": err.Error(),
	})
}

// errorCode turns a status into a snake_case code, 404 -> not_found.
func errorCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}
