// Package protocol defines the JSON messages pushed to overlay renderers
// over WebSocket. Every message is a flat object with a "type" field.
package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies a message.
type MessageType string

const (
	TypeOverlaySet   MessageType = "overlay.set"
	TypeOverlayClear MessageType = "overlay.clear"
	TypeStatus       MessageType = "status"
	TypeTTS          MessageType = "tts"
	TypeSafetyAlert  MessageType = "safety.alert"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeOverlaySet, TypeOverlayClear, TypeStatus, TypeTTS, TypeSafetyAlert:
		return true
	}
	return false
}

// Message is anything that can be broadcast to renderers.
type Message interface {
	MessageType() MessageType
}

// Encode marshals msg to JSON.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// =============================================================================
// Overlay
// =============================================================================

// Pixel is an absolute position in frame pixels.
type Pixel struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Anchor positions a shape: a pixel, a named landmark, or a marker id that
// the renderer resolves.
type Anchor struct {
	Pixel    *Pixel `json:"pixel,omitempty"`
	Landmark string `json:"landmark,omitempty"`
	ArucoID  *int   `json:"aruco_id,omitempty"`
}

// At returns a pixel anchor.
func At(x, y int) Anchor {
	return Anchor{Pixel: &Pixel{X: x, Y: y}}
}

// Validate checks that the anchor names exactly one kind of position.
func (a Anchor) Validate() error {
	n := 0
	if a.Pixel != nil {
		n++
	}
	if a.Landmark != "" {
		n++
	}
	if a.ArucoID != nil {
		if *a.ArucoID < 0 {
			return errors.New("aruco_id must be >= 0")
		}
		n++
	}
	switch {
	case n == 0:
		return errors.New("anchor needs pixel, landmark or aruco_id")
	case n > 1:
		return errors.New("anchor must define only one of pixel, landmark, aruco_id")
	}
	return nil
}

// ShapeKind is the shape variant.
type ShapeKind string

const (
	KindRing     ShapeKind = "ring"
	KindArrow    ShapeKind = "arrow"
	KindText     ShapeKind = "text"
	KindProgress ShapeKind = "progress"
	KindBadge    ShapeKind = "badge"
)

// Shape is one overlay primitive. Which optional fields apply depends on
// Kind: arrows need To, text and badges carry Text, progress carries Value.
type Shape struct {
	Kind     ShapeKind `json:"kind"`
	Anchor   Anchor    `json:"anchor"`
	To       *Anchor   `json:"to,omitempty"`
	RadiusPx int       `json:"radius_px,omitempty"`
	Accent   string    `json:"accent,omitempty"`
	Text     string    `json:"text,omitempty"`
	Value    *float64  `json:"value,omitempty"`
	OffsetPx *Pixel    `json:"offset_px,omitempty"`
}

// Validate checks kind-specific fields.
func (s Shape) Validate() error {
	switch s.Kind {
	case KindRing, KindText, KindBadge, KindProgress:
	case KindArrow:
		if s.To == nil {
			return errors.New("arrow shapes require a 'to' anchor")
		}
		if err := s.To.Validate(); err != nil {
			return fmt.Errorf("to: %w", err)
		}
	default:
		return fmt.Errorf("unknown shape kind %q", s.Kind)
	}
	if s.RadiusPx < 0 {
		return errors.New("radius_px must be >= 0")
	}
	if s.Kind == KindProgress && s.Value == nil {
		return errors.New("progress shapes require a value")
	}
	if err := s.Anchor.Validate(); err != nil {
		return fmt.Errorf("anchor: %w", err)
	}
	return nil
}

// HUD is the text block shown alongside the shapes.
type HUD struct {
	Title        string   `json:"title"`
	Step         string   `json:"step,omitempty"`
	Subtitle     string   `json:"subtitle,omitempty"`
	Instruction  string   `json:"instruction,omitempty"`
	Hint         string   `json:"hint,omitempty"`
	TimeLeftS    *int     `json:"time_left_s,omitempty"`
	MaxTimeS     *int     `json:"max_time_s,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	CoachTip     string   `json:"coach_tip,omitempty"`
	ReduceMotion bool     `json:"reduce_motion,omitempty"`
}

// Validate rejects negative timers.
func (h *HUD) Validate() error {
	if h.TimeLeftS != nil && *h.TimeLeftS < 0 {
		return errors.New("time_left_s must be >= 0")
	}
	if h.MaxTimeS != nil && *h.MaxTimeS < 0 {
		return errors.New("max_time_s must be >= 0")
	}
	return nil
}

// Overlay is an overlay.set message. Renderers replace whatever they
// showed with it.
type Overlay struct {
	Type   MessageType `json:"type"`
	Shapes []Shape     `json:"shapes"`
	HUD    *HUD        `json:"hud,omitempty"`
}

// MessageType implements Message.
func (Overlay) MessageType() MessageType { return TypeOverlaySet }

// Validate checks every shape and the HUD.
func (o *Overlay) Validate() error {
	for i, s := range o.Shapes {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("shapes[%d]: %w", i, err)
		}
	}
	if o.HUD != nil {
		if err := o.HUD.Validate(); err != nil {
			return fmt.Errorf("hud: %w", err)
		}
	}
	return nil
}

// NewOverlay builds an overlay.set message.
func NewOverlay(shapes []Shape, hud *HUD) *Overlay {
	if shapes == nil {
		shapes = []Shape{}
	}
	return &Overlay{Type: TypeOverlaySet, Shapes: shapes, HUD: hud}
}

// Clear is an overlay.clear message.
type Clear struct {
	Type MessageType `json:"type"`
}

// MessageType implements Message.
func (Clear) MessageType() MessageType { return TypeOverlayClear }

// NewClear builds an overlay.clear message.
func NewClear() *Clear {
	return &Clear{Type: TypeOverlayClear}
}

// =============================================================================
// Status, speech and alerts
// =============================================================================

// Status reports camera and pipeline state to renderers.
type Status struct {
	Type         MessageType     `json:"type"`
	Camera       string          `json:"camera"`
	Lighting     string          `json:"lighting,omitempty"`
	FPS          *float64        `json:"fps,omitempty"`
	LatencyMS    *float64        `json:"latency_ms,omitempty"`
	ReduceMotion *bool           `json:"reduce_motion,omitempty"`
	Detectors    map[string]bool `json:"detectors,omitempty"`
}

// MessageType implements Message.
func (Status) MessageType() MessageType { return TypeStatus }

// TTS tells renderers a phrase is being spoken.
type TTS struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// MessageType implements Message.
func (TTS) MessageType() MessageType { return TypeTTS }

// NewTTS builds a tts message.
func NewTTS(text string) *TTS {
	return &TTS{Type: TypeTTS, Text: text}
}

// SafetyAlert asks renderers to show a safety warning.
type SafetyAlert struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
	Level  string      `json:"level,omitempty"`
}

// MessageType implements Message.
func (SafetyAlert) MessageType() MessageType { return TypeSafetyAlert }

// NewSafetyAlert builds a safety.alert message.
func NewSafetyAlert(reason, level string) *SafetyAlert {
	return &SafetyAlert{Type: TypeSafetyAlert, Reason: reason, Level: level}
}
