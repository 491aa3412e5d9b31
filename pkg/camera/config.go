// Package camera provides the frame source for the mirror: a gocv-backed
// device (see the opencv subpackage), a synthetic source for headless runs,
// and a watchdog that soft-resets a stalling device.
package camera

import "time"

// Config holds all camera configuration parameters.
type Config struct {
	// === Device ===
	Device    int  `json:"device"`     // Capture device index (CAM_INDEX)
	AllowMock bool `json:"allow_mock"` // Fall back to synthetic frames if the device won't open

	// === Resolution ===
	Width     int `json:"width"`     // Frame width in pixels
	Height    int `json:"height"`    // Frame height in pixels
	Framerate int `json:"framerate"` // Target FPS
	Quality   int `json:"quality"`   // JPEG quality for preview and cloud ROI

	// === Watchdog ===
	// SlowRead is the read latency above which a read counts as slow.
	SlowRead time.Duration `json:"slow_read"`
	// MaxSlowReads consecutive slow or failed reads trigger a soft reset.
	MaxSlowReads int `json:"max_slow_reads"`
	// ReadTimeout bounds a single device read; a hung read counts as failed.
	ReadTimeout time.Duration `json:"read_timeout"`
}

// Limits for validation.
const (
	MinWidth     = 160
	MaxWidth     = 3840
	MinHeight    = 120
	MaxHeight    = 2160
	MaxFramerate = 120
)

// DefaultConfig returns the 720p configuration the mirror ships with.
// 24fps leaves headroom for landmark inference on a Pi 4/5.
func DefaultConfig() Config {
	return Config{
		Device:       0,
		AllowMock:    true,
		Width:        1280,
		Height:       720,
		Framerate:    24,
		Quality:      80,
		SlowRead:     500 * time.Millisecond,
		MaxSlowReads: 5,
		ReadTimeout:  2 * time.Second,
	}
}

// LegacyConfig returns a 640x480 configuration for older USB cameras.
func LegacyConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 640
	cfg.Height = 480
	cfg.Framerate = 30
	return cfg
}

// FrameInterval returns the target period between frames.
func (c Config) FrameInterval() time.Duration {
	if c.Framerate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.Framerate)
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Device < 0 {
		errors = append(errors, "device must be >= 0")
	}
	if c.Width < MinWidth || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 120")
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}
	if c.MaxSlowReads < 1 {
		errors = append(errors, "max_slow_reads must be >= 1")
	}

	return errors
}
