package camera

import (
	"image"
	"image/color"
	"math"
	"sync"
	"time"
)

// Synthetic produces solid-colour frames with a moving dot at the
// configured rate so the pipeline runs without hardware.
type Synthetic struct {
	cfg Config

	// Background is the fill colour. Defaults to a mid grey that
	// classifies as "ok" lighting.
	Background color.RGBA

	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(time.Duration)

	mu     sync.Mutex
	opened bool
	seq    uint64
	last   time.Time
}

// NewSynthetic returns a synthetic source for cfg.
func NewSynthetic(cfg Config) *Synthetic {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	return &Synthetic{
		cfg:        cfg,
		Background: color.RGBA{R: 96, G: 96, B: 96, A: 255},
		Now:        time.Now,
		Sleep:      time.Sleep,
	}
}

// Open always succeeds.
func (s *Synthetic) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return true
}

// Read paces to the configured FPS and returns a fresh frame.
func (s *Synthetic) Read() (Frame, bool) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return Frame{}, false
	}
	interval := s.cfg.FrameInterval()
	if !s.last.IsZero() {
		if wait := interval - s.Now().Sub(s.last); wait > 0 {
			s.mu.Unlock()
			s.Sleep(wait)
			s.mu.Lock()
		}
	}
	now := s.Now()
	s.last = now
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return Frame{Image: s.render(now), Seq: seq, CapturedAt: now}, true
}

func (s *Synthetic) render(now time.Time) *image.RGBA {
	w, h := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	bg := s.Background
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = bg.R
		img.Pix[i+1] = bg.G
		img.Pix[i+2] = bg.B
		img.Pix[i+3] = 255
	}

	// Moving dot on a Lissajous path, radius 20px.
	t := float64(now.UnixNano()) / 1e9
	cx := int((0.5 + 0.4*math.Sin(t)) * float64(w))
	cy := int((0.5 + 0.4*math.Cos(t)) * float64(h))
	const r = 20
	for y := max(0, cy-r); y < min(h, cy+r); y++ {
		for x := max(0, cx-r); x < min(w, cx+r); x++ {
			if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r {
				img.SetRGBA(x, y, color.RGBA{G: 255, A: 255})
			}
		}
	}
	return img
}

// Close stops the source.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

// Status always reports mock.
func (s *Synthetic) Status() Status {
	return StatusMock
}
