package protocol

import (
	"errors"
	"strings"
	"testing"
)

func intp(v int) *int { return &v }

func TestEncodeOverlay(t *testing.T) {
	value := 0.5
	msg := NewOverlay([]Shape{
		{Kind: KindRing, Anchor: At(320, 240), RadiusPx: 90, Accent: "info"},
		{Kind: KindProgress, Anchor: At(640, 40), Value: &value},
	}, &HUD{Title: "Brush Teeth", Step: "Step 1 of 6", TimeLeftS: intp(15)})

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := string(data)
	for _, want := range []string{
		`"type":"overlay.set"`,
		`"kind":"ring","anchor":{"pixel":{"x":320,"y":240}},"radius_px":90,"accent":"info"`,
		`"value":0.5`,
		`"title":"Brush Teeth"`,
		`"time_left_s":15`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("encoded %s\nmissing %s", got, want)
		}
	}
}

func TestEncodeEmptyOverlayHasShapesArray(t *testing.T) {
	data, _ := Encode(NewOverlay(nil, nil))
	if string(data) != `{"type":"overlay.set","shapes":[]}` {
		t.Errorf("got %s", data)
	}
	data, _ = Encode(NewClear())
	if string(data) != `{"type":"overlay.clear"}` {
		t.Errorf("got %s", data)
	}
}

func TestShapeValidate(t *testing.T) {
	v := 0.3
	tests := []struct {
		name    string
		shape   Shape
		wantErr string
	}{
		{"ring", Shape{Kind: KindRing, Anchor: At(1, 2)}, ""},
		{"landmark ring", Shape{Kind: KindRing, Anchor: Anchor{Landmark: "mouth_center"}}, ""},
		{"marker badge", Shape{Kind: KindBadge, Anchor: Anchor{ArucoID: intp(3)}, Text: "Hold here"}, ""},
		{"arrow", Shape{Kind: KindArrow, Anchor: At(0, 0), To: &Anchor{Landmark: "chin"}}, ""},
		{"progress", Shape{Kind: KindProgress, Anchor: At(0, 0), Value: &v}, ""},
		{"unknown kind", Shape{Kind: "star", Anchor: At(0, 0)}, "unknown shape kind"},
		{"arrow without to", Shape{Kind: KindArrow, Anchor: At(0, 0)}, "require a 'to'"},
		{"empty anchor", Shape{Kind: KindRing}, "anchor needs"},
		{"two anchors", Shape{Kind: KindRing, Anchor: Anchor{Landmark: "chin", ArucoID: intp(1)}}, "only one"},
		{"negative marker", Shape{Kind: KindRing, Anchor: Anchor{ArucoID: intp(-1)}}, ">= 0"},
		{"negative radius", Shape{Kind: KindRing, Anchor: At(0, 0), RadiusPx: -5}, "radius_px"},
		{"progress without value", Shape{Kind: KindProgress, Anchor: At(0, 0)}, "require a value"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.shape.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType MessageType
		check    func(t *testing.T, m Message)
	}{
		{
			name:     "wrapped overlay",
			body:     `{"message":{"type":"overlay.set","shapes":[{"kind":"ring","anchor":{"pixel":{"x":10,"y":20}},"radius_px":40}]}}`,
			wantType: TypeOverlaySet,
			check: func(t *testing.T, m Message) {
				o := m.(*Overlay)
				if len(o.Shapes) != 1 || o.Shapes[0].Anchor.Pixel.X != 10 {
					t.Errorf("shapes = %+v", o.Shapes)
				}
			},
		},
		{
			name:     "bare hud is wrapped",
			body:     `{"title":"Hello","hint":"wave"}`,
			wantType: TypeOverlaySet,
			check: func(t *testing.T, m Message) {
				o := m.(*Overlay)
				if o.HUD == nil || o.HUD.Title != "Hello" || len(o.Shapes) != 0 || o.Shapes == nil {
					t.Errorf("overlay = %+v", o)
				}
			},
		},
		{name: "clear", body: `{"type":"overlay.clear"}`, wantType: TypeOverlayClear},
		{
			name:     "tts trimmed",
			body:     `{"type":"tts","text":"  hi  "}`,
			wantType: TypeTTS,
			check: func(t *testing.T, m Message) {
				if m.(*TTS).Text != "hi" {
					t.Errorf("text = %q", m.(*TTS).Text)
				}
			},
		},
		{name: "status", body: `{"type":"status","camera":"on","fps":24}`, wantType: TypeStatus},
		{name: "alert", body: `{"type":"safety.alert","reason":"water on floor"}`, wantType: TypeSafetyAlert},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Parse([]byte(tc.body))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if m.MessageType() != tc.wantType {
				t.Errorf("type = %s, want %s", m.MessageType(), tc.wantType)
			}
			if tc.check != nil {
				tc.check(t, m)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"not json":      `{`,
		"unknown type":  `{"type":"robot.move"}`,
		"bad shape":     `{"type":"overlay.set","shapes":[{"kind":"arrow","anchor":{"pixel":{"x":1,"y":1}}}]}`,
		"empty tts":     `{"type":"tts","text":"   "}`,
		"negative time": `{"title":"x","time_left_s":-1}`,
		"numeric type":  `{"type":5}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Parse() = %v, want ErrInvalidMessage", err)
			}
		})
	}
}
