package camera

import (
	"bytes"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// LightingThreshold is the mean luma above which lighting counts as ok.
const LightingThreshold = 60.0

// Frame is a single captured image. It is owned by the vision loop for one
// iteration and must not be retained past it.
type Frame struct {
	Image      *image.RGBA
	Seq        uint64
	CapturedAt time.Time
}

// Width returns the frame width in pixels.
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return f.Width() == 0 || f.Height() == 0
}

// Luma returns the mean luminance (0-255) using BT.601 weights.
// Large frames are sampled on a grid to keep this cheap.
func (f Frame) Luma() float64 {
	if f.Empty() {
		return 0
	}
	b := f.Image.Bounds()
	step := 1
	if n := b.Dx() * b.Dy(); n > 320*240 {
		step = 4
	}

	var sum float64
	var count int
	for y := b.Min.Y; y < b.Max.Y; y += step {
		row := f.Image.Pix[(y-b.Min.Y)*f.Image.Stride:]
		for x := 0; x < b.Dx(); x += step {
			i := x * 4
			sum += 0.299*float64(row[i]) + 0.587*float64(row[i+1]) + 0.114*float64(row[i+2])
			count++
		}
	}
	return sum / float64(count)
}

// Lighting classifies the frame as "ok" or "dim".
func (f Frame) Lighting() string {
	if f.Luma() > LightingThreshold {
		return "ok"
	}
	return "dim"
}

// Crop returns a copy of the frame limited to r (clamped to the bounds).
// The returned frame's image origin is reset to (0,0).
func (f Frame) Crop(r image.Rectangle) Frame {
	r = r.Intersect(f.Image.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), f.Image, r.Min, draw.Src)
	return Frame{Image: out, Seq: f.Seq, CapturedAt: f.CapturedAt}
}

// Scale returns a resized copy. Scales >= 1 return the frame unchanged.
func (f Frame) Scale(scale float64) Frame {
	if scale >= 1 || scale <= 0 || f.Empty() {
		return f
	}
	w := max(1, int(float64(f.Width())*scale))
	h := max(1, int(float64(f.Height())*scale))
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), f.Image, f.Image.Bounds(), draw.Src, nil)
	return Frame{Image: out, Seq: f.Seq, CapturedAt: f.CapturedAt}
}

// EncodeJPEG encodes the frame as JPEG at the given quality (1-100).
func EncodeJPEG(f Frame, quality int) ([]byte, error) {
	if f.Empty() {
		return nil, ErrEmptyFrame
	}
	if quality < 1 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
