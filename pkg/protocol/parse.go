package protocol

import (
	stdjson "encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMessage wraps every Parse failure.
var ErrInvalidMessage = errors.New("invalid message")

// Parse decodes an injected message. It accepts {"message": {...}} or the
// message itself. An object without a "type" is treated as a bare HUD and
// wrapped into an overlay.set with no shapes.
func Parse(data []byte) (Message, error) {
	var probe map[string]stdjson.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if inner, ok := probe["message"]; ok && isObject(inner) {
		data = inner
		probe = nil
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	rawType, ok := probe["type"]
	if !ok {
		var hud HUD
		if err := json.Unmarshal(data, &hud); err != nil {
			return nil, fmt.Errorf("%w: hud: %v", ErrInvalidMessage, err)
		}
		if err := hud.Validate(); err != nil {
			return nil, fmt.Errorf("%w: hud: %v", ErrInvalidMessage, err)
		}
		return NewOverlay(nil, &hud), nil
	}

	var t MessageType
	if err := json.Unmarshal(rawType, &t); err != nil {
		return nil, fmt.Errorf("%w: type must be a string", ErrInvalidMessage)
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, t)
	}

	switch t {
	case TypeOverlaySet:
		var o Overlay
		if err := decode(data, &o); err != nil {
			return nil, err
		}
		if o.Shapes == nil {
			o.Shapes = []Shape{}
		}
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return &o, nil
	case TypeOverlayClear:
		return NewClear(), nil
	case TypeStatus:
		var s Status
		if err := decode(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case TypeTTS:
		var m TTS
		if err := decode(data, &m); err != nil {
			return nil, err
		}
		m.Text = strings.TrimSpace(m.Text)
		if m.Text == "" {
			return nil, fmt.Errorf("%w: tts text cannot be empty", ErrInvalidMessage)
		}
		return &m, nil
	default:
		var m SafetyAlert
		if err := decode(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func isObject(raw []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "{")
}
