package landmarks

import (
	"context"
	"math"
	"time"

	"github.com/teslashibe/go-mirror/pkg/camera"
)

// faceTemplate is a neutral frontal face centred in the frame. Only the
// mesh indices the region table uses are populated.
var faceTemplate = map[int]Point{
	1:   {X: 0.50, Y: 0.50}, // nose tip
	10:  {X: 0.50, Y: 0.28}, // forehead top
	151: {X: 0.50, Y: 0.32},
	152: {X: 0.50, Y: 0.74}, // chin
	13:  {X: 0.50, Y: 0.60}, // upper lip
	14:  {X: 0.50, Y: 0.62}, // lower lip
	61:  {X: 0.45, Y: 0.61}, // mouth corner, image left
	291: {X: 0.55, Y: 0.61},
	33:  {X: 0.40, Y: 0.42}, // eye outer, image left
	133: {X: 0.46, Y: 0.42},
	362: {X: 0.54, Y: 0.42},
	263: {X: 0.60, Y: 0.42},
	205: {X: 0.40, Y: 0.55}, // cheeks
	425: {X: 0.60, Y: 0.55},
	234: {X: 0.34, Y: 0.50}, // face edges
	454: {X: 0.66, Y: 0.50},

	70: {X: 0.38, Y: 0.37}, 63: {X: 0.40, Y: 0.36}, 105: {X: 0.42, Y: 0.355},
	66: {X: 0.44, Y: 0.36}, 107: {X: 0.46, Y: 0.365},
	336: {X: 0.54, Y: 0.365}, 296: {X: 0.56, Y: 0.36}, 334: {X: 0.58, Y: 0.355},
	293: {X: 0.60, Y: 0.36}, 300: {X: 0.62, Y: 0.37},
}

// Synthetic produces a deterministic face that breathes slightly and a
// right hand whose index tip circles the mouth. Motion is a function of
// the frame timestamp, so results are reproducible in tests.
type Synthetic struct {
	// Hands disables the synthetic hand when false.
	Hands bool
}

// NewSynthetic returns a synthetic detector with a hand.
func NewSynthetic() *Synthetic {
	return &Synthetic{Hands: true}
}

// Name implements Detector.
func (s *Synthetic) Name() string { return "synthetic" }

// Close implements Detector.
func (s *Synthetic) Close() error { return nil }

// Detect implements Detector.
func (s *Synthetic) Detect(ctx context.Context, frame camera.Frame) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ts := frame.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	t := float64(ts.UnixNano()) / 1e9

	pulse := 1 + 0.02*math.Sin(2*t)
	face := Set{Points: make(map[int]Point, len(faceTemplate)), Present: true, Score: 0.95}
	for idx, p := range faceTemplate {
		face.Points[idx] = Point{
			X: 0.5 + (p.X-0.5)*pulse,
			Y: 0.5 + (p.Y-0.5)*pulse,
		}
	}

	res := Result{Face: face}
	if !s.Hands {
		return res, nil
	}

	mouth := face.Points[13]
	tip := Point{
		X: mouth.X + 0.08 + 0.03*math.Cos(3*t),
		Y: mouth.Y + 0.03*math.Sin(3*t),
	}
	hand := Set{
		Points: map[int]Point{
			IndexTip: tip,
			ThumbTip: {X: tip.X + 0.03, Y: tip.Y + 0.04},
			Wrist:    {X: tip.X + 0.06, Y: tip.Y + 0.18},
		},
		Present:    true,
		Handedness: "Right",
		Score:      0.9,
	}
	res.Hands = []Set{hand}
	return res, nil
}
