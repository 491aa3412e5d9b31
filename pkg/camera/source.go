package camera

import (
	"errors"
	"log/slog"

	"github.com/teslashibe/go-mirror/internal/log"
)

// Sentinel errors.
var (
	// ErrNotOpened is returned when reading from a source that isn't open.
	ErrNotOpened = errors.New("camera: source not opened")

	// ErrEmptyFrame is returned when a frame has no pixels.
	ErrEmptyFrame = errors.New("camera: empty frame")

	// ErrReadTimeout is returned when a device read exceeds its deadline.
	ErrReadTimeout = errors.New("camera: read timed out")
)

// Status is the health-visible camera state.
type Status string

const (
	StatusOn   Status = "on"   // Real device delivering frames
	StatusOff  Status = "off"  // Closed or never opened
	StatusMock Status = "mock" // Synthetic fallback
)

// Live reports whether frames come from real hardware.
func (s Status) Live() bool { return s == StatusOn }

// Source is a frame producer. Implementations must be safe to Close from a
// different goroutine than the one calling Read.
type Source interface {
	// Open prepares the source. Returns false if it can't deliver frames.
	Open() bool

	// Read returns the next frame. ok=false means no frame this time;
	// callers should retry rather than treat it as fatal.
	Read() (Frame, bool)

	// Close releases the device. Safe to call more than once.
	Close() error

	// Status reports on/off/mock for health.
	Status() Status
}

// Opener constructs a hardware source for a config. The opencv subpackage
// provides the real one; tests pass fakes.
type Opener func(cfg Config) Source

// Open tries the hardware source and falls back to synthetic frames when it
// can't be opened and AllowMock is set. It never panics for lack of a camera;
// with AllowMock disabled it returns a closed source reporting StatusOff.
func Open(cfg Config, opener Opener, logger *slog.Logger) Source {
	if logger == nil {
		logger = log.Component("camera")
	}

	if opener != nil {
		src := opener(cfg)
		if src != nil && src.Open() {
			logger.Info("camera opened", "device", cfg.Device, "width", cfg.Width, "height", cfg.Height, "fps", cfg.Framerate)
			return src
		}
		if src != nil {
			src.Close()
		}
		logger.Warn("camera device unavailable", "device", cfg.Device, "allow_mock", cfg.AllowMock)
	}

	if !cfg.AllowMock {
		return &closedSource{}
	}

	logger.Warn("running with synthetic camera; marker and motion gates may be waived")
	syn := NewSynthetic(cfg)
	syn.Open()
	return syn
}

// closedSource is returned when no device is available and mocks are disabled.
type closedSource struct{}

func (closedSource) Open() bool          { return false }
func (closedSource) Read() (Frame, bool) { return Frame{}, false }
func (closedSource) Close() error        { return nil }
func (closedSource) Status() Status      { return StatusOff }
