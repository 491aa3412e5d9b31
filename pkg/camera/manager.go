package camera

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Manager holds the current camera configuration and handles updates
// from the control surface.
type Manager struct {
	config Config
	mu     sync.RWMutex

	// OnConfigChange is called after a valid update, outside the lock.
	// The vision loop uses it to reopen the source.
	OnConfigChange func(cfg Config) error
}

// NewManager creates a manager holding cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// GetConfig returns the current camera configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig validates and stores cfg, then notifies OnConfigChange.
func (m *Manager) SetConfig(cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}

	m.mu.Lock()
	m.config = cfg
	callback := m.OnConfigChange
	m.mu.Unlock()

	if callback != nil {
		if err := callback(cfg); err != nil {
			return fmt.Errorf("apply camera config: %w", err)
		}
	}
	return nil
}

// UpdateConfig applies a partial update. A "preset" key replaces the
// whole configuration first; the remaining keys override it. Values of
// the wrong type are ignored.
func (m *Manager) UpdateConfig(params map[string]any) error {
	cfg := m.GetConfig()

	if name, ok := params["preset"].(string); ok {
		preset := GetPreset(name)
		if preset == nil {
			return fmt.Errorf("unknown preset: %s", name)
		}
		// The device and fallback policy are deployment facts, not presets.
		preset.Device, preset.AllowMock = cfg.Device, cfg.AllowMock
		cfg = *preset
	}

	for key, value := range params {
		switch key {
		case "device":
			if v, ok := toInt(value); ok {
				cfg.Device = v
			}
		case "width":
			if v, ok := toInt(value); ok {
				cfg.Width = v
			}
		case "height":
			if v, ok := toInt(value); ok {
				cfg.Height = v
			}
		case "framerate", "fps":
			if v, ok := toInt(value); ok {
				cfg.Framerate = v
			}
		case "quality", "jpeg_quality":
			if v, ok := toInt(value); ok {
				cfg.Quality = v
			}
		case "allow_mock":
			if v, ok := value.(bool); ok {
				cfg.AllowMock = v
			}
		case "max_slow_reads":
			if v, ok := toInt(value); ok {
				cfg.MaxSlowReads = v
			}
		}
	}

	return m.SetConfig(cfg)
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}
