// Package overlay turns detector output and task state into the overlay
// message renderers draw. Compose is a pure function: the same Input
// always yields the same message.
package overlay

import (
	"fmt"
	"math"
	"time"

	"github.com/teslashibe/go-mirror/pkg/aruco"
	"github.com/teslashibe/go-mirror/pkg/landmarks"
	"github.com/teslashibe/go-mirror/pkg/protocol"
	"github.com/teslashibe/go-mirror/pkg/task"
)

// Layout defaults.
const (
	NoFaceGrace     = 2 * time.Second
	DefaultRadiusPx = 90
	IdleRadiusPx    = 80
	ProgressY       = 40
	BadgeOffsetY    = -120
)

// Accents understood by renderers.
const (
	AccentInfo    = "info"
	AccentNeutral = "neutral"
	AccentSuccess = "success"
	AccentWarning = "warning"
)

// Input is everything one composition needs.
type Input struct {
	Width, Height int
	// Points are named, normalized, smoothed and cloud-fused anchors.
	Points      map[string]landmarks.Point
	FacePresent bool
	// NoFaceSince is when the face was last lost; zero while present.
	NoFaceSince time.Time
	Now         time.Time

	Markers  []aruco.Observation
	Guidance aruco.GuidanceState
	// MarkerRequired is true when the current step gates on a marker.
	MarkerRequired bool

	Task         task.Snapshot
	ReduceMotion bool
	// Hands disables hand-origin arrows when false.
	Hands bool
}

// Compose builds the overlay.set message for one tick.
func Compose(in Input) *protocol.Overlay {
	if !in.FacePresent && !in.NoFaceSince.IsZero() && in.Now.Sub(in.NoFaceSince) >= NoFaceGrace {
		return reposition(in)
	}

	var shapes []protocol.Shape
	var hud *protocol.HUD
	if in.Task.Active {
		shapes = append(shapes, stepShapes(in)...)
		shapes = append(shapes, progressShape(in))
		hud = StepHUD(in.Task, in.ReduceMotion)
	} else {
		shapes = append(shapes, protocol.Shape{
			Kind:     protocol.KindRing,
			Anchor:   protocol.At(in.Width/2, in.Height/2),
			RadiusPx: IdleRadiusPx,
			Accent:   AccentNeutral,
		})
		hud = &protocol.HUD{
			Title:        "Ready",
			Subtitle:     "Choose a routine to begin",
			ReduceMotion: in.ReduceMotion,
		}
	}
	shapes = append(shapes, markerBadges(in)...)
	return protocol.NewOverlay(shapes, hud)
}

// StepHUD is the HUD for the current step of snap.
func StepHUD(snap task.Snapshot, reduceMotion bool) *protocol.HUD {
	if !snap.Active || snap.Task == nil {
		return nil
	}
	left := snap.TimeLeft
	maxTime := snap.Step.DurationS
	progress := snap.Progress()
	return &protocol.HUD{
		Title:        snap.Task.Name,
		Step:         fmt.Sprintf("Step %d of %d", snap.CurrentStep, snap.TotalSteps),
		Subtitle:     snap.Step.Title,
		Instruction:  snap.Step.Instruction,
		Hint:         snap.Step.Hint,
		TimeLeftS:    &left,
		MaxTimeS:     &maxTime,
		Progress:     &progress,
		ReduceMotion: reduceMotion,
	}
}

// StepOverlay is the HUD-only overlay pushed the moment a step begins,
// before the vision loop has drawn any shapes.
func StepOverlay(snap task.Snapshot, reduceMotion bool) *protocol.Overlay {
	return protocol.NewOverlay(nil, StepHUD(snap, reduceMotion))
}

// Clear tells renderers to drop every shape.
func Clear() *protocol.Clear {
	return protocol.NewClear()
}

func stepShapes(in Input) []protocol.Shape {
	var shapes []protocol.Shape
	for _, t := range in.Task.Step.Targets {
		p, ok := in.Points[t.Region]
		if !ok {
			continue
		}
		radius := t.RadiusPx
		if radius <= 0 {
			radius = DefaultRadiusPx
		}
		accent := t.Accent
		if accent == "" {
			accent = AccentInfo
		}
		if in.MarkerRequired && in.Guidance == aruco.Good {
			accent = AccentSuccess
		}
		to := pixel(p, in.Width, in.Height)
		shapes = append(shapes, protocol.Shape{
			Kind:     protocol.KindRing,
			Anchor:   to,
			RadiusPx: radius,
			Accent:   accent,
		})

		if t.ArrowFrom == "" || !in.Hands {
			continue
		}
		if from, ok := in.Points[t.ArrowFrom]; ok {
			dst := to
			shapes = append(shapes, protocol.Shape{
				Kind:   protocol.KindArrow,
				Anchor: pixel(from, in.Width, in.Height),
				To:     &dst,
			})
		}
	}
	return shapes
}

func progressShape(in Input) protocol.Shape {
	value := 1.0
	if d := in.Task.Step.DurationS; d > 0 {
		elapsed := in.Now.Sub(in.Task.StepStarted).Seconds()
		value = math.Round(min(max(elapsed/float64(d), 0), 1)*100) / 100
	}
	return protocol.Shape{
		Kind:   protocol.KindProgress,
		Anchor: protocol.At(in.Width/2, ProgressY),
		Value:  &value,
	}
}

func markerBadges(in Input) []protocol.Shape {
	accent := AccentInfo
	if in.MarkerRequired {
		switch in.Guidance {
		case aruco.Good:
			accent = AccentSuccess
		case aruco.Aligning:
			accent = AccentWarning
		}
	}
	shapes := make([]protocol.Shape, 0, len(in.Markers))
	for _, m := range in.Markers {
		shapes = append(shapes, protocol.Shape{
			Kind:     protocol.KindBadge,
			Anchor:   protocol.At(int(math.Round(m.SmoothedCenter.X)), int(math.Round(m.SmoothedCenter.Y))),
			Text:     "Hold here",
			Accent:   accent,
			OffsetPx: &protocol.Pixel{X: 0, Y: BadgeOffsetY},
		})
	}
	return shapes
}

// CameraUnavailable is the HUD hint while no frames arrive.
const CameraUnavailable = "Camera unavailable"

// Unavailable replaces the last drawn frame while the camera is down.
// Shapes are dropped since nothing anchors them; an active task keeps
// its HUD so the timer stays visible.
func Unavailable(snap task.Snapshot, reduceMotion bool) *protocol.Overlay {
	if hud := StepHUD(snap, reduceMotion); hud != nil {
		hud.Hint = CameraUnavailable
		return protocol.NewOverlay(nil, hud)
	}
	return protocol.NewOverlay(nil, &protocol.HUD{
		Title:        CameraUnavailable,
		Subtitle:     "Reconnecting to the camera",
		ReduceMotion: reduceMotion,
	})
}

func reposition(in Input) *protocol.Overlay {
	return protocol.NewOverlay([]protocol.Shape{{
		Kind:   protocol.KindText,
		Anchor: protocol.At(in.Width/2, in.Height/2),
		Text:   "Move closer to camera",
	}}, &protocol.HUD{
		Title:        "Position Yourself",
		Subtitle:     "Move closer to camera",
		Hint:         "Ensure good lighting",
		ReduceMotion: in.ReduceMotion,
	})
}

func pixel(p landmarks.Point, w, h int) protocol.Anchor {
	return protocol.At(int(math.Round(p.X*float64(w))), int(math.Round(p.Y*float64(h))))
}
