// Package settings holds the runtime feature toggles that the control
// surface can change while the vision loop is running.
package settings

import (
	stdjson "encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
)

// Settings is the full set of toggles.
type Settings struct {
	UseCloud           bool    `json:"use_cloud"`
	Face               bool    `json:"face"`
	Hands              bool    `json:"hands"`
	Aruco              bool    `json:"aruco"`
	Pose               bool    `json:"pose"`
	CloudRPS           int     `json:"cloud_rps"`
	CloudTimeoutS      float64 `json:"cloud_timeout_s"`
	CloudMinIntervalMS int     `json:"cloud_min_interval_ms"`
	ArucoStride        int     `json:"aruco_stride"`
	DetectScale        float64 `json:"detect_scale"`
	ReduceMotion       bool    `json:"reduce_motion"`
}

// Limits.
const (
	MinCloudRPS      = 1
	MaxCloudRPS      = 10
	MinCloudTimeoutS = 0.1
	MaxCloudTimeoutS = 3.0
	MinArucoStride   = 1
	MaxArucoStride   = 8
	MinDetectScale   = 0.5
	MaxDetectScale   = 1.0
)

// Defaults returns the toggles the mirror boots with.
func Defaults() Settings {
	return Settings{
		UseCloud:           false,
		Face:               true,
		Hands:              true,
		Aruco:              false,
		Pose:               false,
		CloudRPS:           2,
		CloudTimeoutS:      0.8,
		CloudMinIntervalMS: 600,
		ArucoStride:        2,
		DetectScale:        0.75,
		ReduceMotion:       false,
	}
}

// CloudTimeout returns CloudTimeoutS as a duration.
func (s Settings) CloudTimeout() time.Duration {
	return time.Duration(s.CloudTimeoutS * float64(time.Second))
}

// CloudMinInterval returns CloudMinIntervalMS as a duration.
func (s Settings) CloudMinInterval() time.Duration {
	return time.Duration(s.CloudMinIntervalMS) * time.Millisecond
}

// Detectors reports which detector families are switched on.
func (s Settings) Detectors() map[string]bool {
	return map[string]bool{
		"face":  s.Face,
		"hands": s.Hands,
		"aruco": s.Aruco,
		"pose":  s.Pose,
	}
}

// Clamp forces every numeric field into range. Used for values read from
// the environment, which are not validated like API updates.
func (s Settings) Clamp() Settings {
	s.CloudRPS = max(MinCloudRPS, min(s.CloudRPS, MaxCloudRPS))
	s.CloudTimeoutS = max(MinCloudTimeoutS, min(s.CloudTimeoutS, MaxCloudTimeoutS))
	s.CloudMinIntervalMS = max(0, s.CloudMinIntervalMS)
	s.ArucoStride = max(MinArucoStride, min(s.ArucoStride, MaxArucoStride))
	s.DetectScale = max(MinDetectScale, min(s.DetectScale, MaxDetectScale))
	return s
}

// ValidationError rejects one field of an update.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Change describes an applied update.
type Change struct {
	Old, New Settings
	// Keys lists the fields present in the update, sorted.
	Keys []string
}

// Has reports whether key was part of the update.
func (c Change) Has(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// CloudLimitsChanged reports whether any rate limit field was updated.
func (c Change) CloudLimitsChanged() bool {
	return c.Has("cloud_rps") || c.Has("cloud_timeout_s") || c.Has("cloud_min_interval_ms")
}

// Store is the lock-protected current Settings.
type Store struct {
	mu       sync.RWMutex
	current  Settings
	onChange []func(Change)
	logger   *slog.Logger
}

// NewStore creates a store holding initial.
func NewStore(initial Settings) *Store {
	return &Store{current: initial, logger: log.Component("settings")}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run after every successful update. Callbacks
// run outside the lock in registration order.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Update applies a partial update decoded from JSON. Every key is
// checked before anything is applied, so a rejected update changes
// nothing. Unknown keys are ignored. aruco_stride and detect_scale are
// clamped rather than rejected.
func (s *Store) Update(params map[string]any) (Change, error) {
	s.mu.Lock()
	old := s.current
	next := old
	keys := make([]string, 0, len(params))

	for key, value := range params {
		if err := apply(&next, key, value); err != nil {
			s.mu.Unlock()
			return Change{}, err
		}
		if known(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	s.current = next
	callbacks := append([]func(Change){}, s.onChange...)
	s.mu.Unlock()

	change := Change{Old: old, New: next, Keys: keys}
	if len(keys) > 0 {
		s.logger.Info("settings updated", "keys", strings.Join(keys, ","))
	}
	for _, fn := range callbacks {
		fn(change)
	}
	return change, nil
}

var fields = map[string]bool{
	"use_cloud": true, "face": true, "hands": true, "aruco": true, "pose": true,
	"cloud_rps": true, "cloud_timeout_s": true, "cloud_min_interval_ms": true,
	"aruco_stride": true, "detect_scale": true, "reduce_motion": true,
}

func known(key string) bool { return fields[key] }

func apply(s *Settings, key string, value any) error {
	switch key {
	case "use_cloud", "face", "hands", "aruco", "pose", "reduce_motion":
		v, ok := value.(bool)
		if !ok {
			return &ValidationError{Field: key, Reason: "must be a boolean"}
		}
		switch key {
		case "use_cloud":
			s.UseCloud = v
		case "face":
			s.Face = v
		case "hands":
			s.Hands = v
		case "aruco":
			s.Aruco = v
		case "pose":
			s.Pose = v
		case "reduce_motion":
			s.ReduceMotion = v
		}
	case "cloud_rps":
		v, ok := toInt(value)
		if !ok {
			return &ValidationError{Field: key, Reason: "must be an integer"}
		}
		if v < MinCloudRPS || v > MaxCloudRPS {
			return &ValidationError{Field: key, Reason: fmt.Sprintf("must be between %d and %d", MinCloudRPS, MaxCloudRPS)}
		}
		s.CloudRPS = v
	case "cloud_timeout_s":
		v, ok := toFloat(value)
		if !ok {
			return &ValidationError{Field: key, Reason: "must be a number"}
		}
		if v < MinCloudTimeoutS || v > MaxCloudTimeoutS {
			return &ValidationError{Field: key, Reason: fmt.Sprintf("must be between %.1f and %.1f", MinCloudTimeoutS, MaxCloudTimeoutS)}
		}
		s.CloudTimeoutS = v
	case "cloud_min_interval_ms":
		v, ok := toInt(value)
		if !ok {
			return &ValidationError{Field: key, Reason: "must be an integer"}
		}
		if v < 0 {
			return &ValidationError{Field: key, Reason: "must be >= 0"}
		}
		s.CloudMinIntervalMS = v
	case "aruco_stride":
		v, ok := toInt(value)
		if !ok {
			return &ValidationError{Field: key, Reason: "must be an integer"}
		}
		s.ArucoStride = max(MinArucoStride, min(v, MaxArucoStride))
	case "detect_scale":
		v, ok := toFloat(value)
		if !ok {
			return &ValidationError{Field: key, Reason: "must be a number"}
		}
		s.DetectScale = max(MinDetectScale, min(v, MaxDetectScale))
	}
	return nil
}

// toInt accepts whole numbers only; 2.5 is not a valid rate.
func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		if val != float64(int(val)) {
			return 0, false
		}
		return int(val), true
	case stdjson.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case stdjson.Number:
		f, err := val.Float64()
		if err == nil {
			return f, true
		}
	}
	return 0, false
}
