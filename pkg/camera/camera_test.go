package camera

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/teslashibe/go-mirror/internal/log"
)

func solidFrame(w, h int, c color.RGBA) Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, 255
	}
	return Frame{Image: img, Seq: 1, CapturedAt: time.Now()}
}

func TestFrameLighting(t *testing.T) {
	tests := []struct {
		name  string
		color color.RGBA
		want  string
	}{
		{"black is dim", color.RGBA{}, "dim"},
		{"dark grey is dim", color.RGBA{R: 50, G: 50, B: 50}, "dim"},
		{"mid grey is ok", color.RGBA{R: 96, G: 96, B: 96}, "ok"},
		{"white is ok", color.RGBA{R: 255, G: 255, B: 255}, "ok"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := solidFrame(64, 48, tc.color)
			if got := f.Lighting(); got != tc.want {
				t.Errorf("Lighting() = %q, want %q (luma %.1f)", got, tc.want, f.Luma())
			}
		})
	}
}

func TestFrameCropAndScale(t *testing.T) {
	f := solidFrame(200, 100, color.RGBA{R: 10, G: 20, B: 30})

	crop := f.Crop(image.Rect(150, 50, 300, 300))
	if crop.Width() != 50 || crop.Height() != 50 {
		t.Errorf("crop size = %dx%d, want 50x50 (clamped)", crop.Width(), crop.Height())
	}
	if crop.Image.Bounds().Min != (image.Point{}) {
		t.Errorf("crop origin = %v, want (0,0)", crop.Image.Bounds().Min)
	}

	half := f.Scale(0.5)
	if half.Width() != 100 || half.Height() != 50 {
		t.Errorf("scaled size = %dx%d, want 100x50", half.Width(), half.Height())
	}

	same := f.Scale(1.0)
	if same.Image != f.Image {
		t.Error("Scale(1.0) should return the original frame")
	}
}

func TestEncodeJPEG(t *testing.T) {
	f := solidFrame(32, 32, color.RGBA{R: 200, G: 100, B: 50})
	data, err := EncodeJPEG(f, 80)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 32 {
		t.Errorf("decoded width = %d, want 32", img.Bounds().Dx())
	}

	if _, err := EncodeJPEG(Frame{}, 80); err != ErrEmptyFrame {
		t.Errorf("empty frame err = %v, want ErrEmptyFrame", err)
	}
}

func TestSyntheticPacesToFramerate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height, cfg.Framerate = 64, 48, 10

	now := time.Unix(1000, 0)
	var slept time.Duration
	s := NewSynthetic(cfg)
	s.Now = func() time.Time { return now }
	s.Sleep = func(d time.Duration) {
		slept += d
		now = now.Add(d)
	}

	if _, ok := s.Read(); ok {
		t.Fatal("Read before Open should fail")
	}
	s.Open()

	f1, ok := s.Read()
	if !ok {
		t.Fatal("first read failed")
	}
	f2, _ := s.Read()

	if f2.Seq != f1.Seq+1 {
		t.Errorf("seq = %d after %d, want consecutive", f2.Seq, f1.Seq)
	}
	if slept != 100*time.Millisecond {
		t.Errorf("slept %v, want 100ms at 10fps", slept)
	}
	if f1.Width() != 64 || f1.Height() != 48 {
		t.Errorf("frame size = %dx%d", f1.Width(), f1.Height())
	}
	if s.Status() != StatusMock || s.Status().Live() {
		t.Errorf("status = %q, want mock (not live)", s.Status())
	}
}

// fakeSource is a controllable Source for fallback and watchdog tests.
type fakeSource struct {
	mu       sync.Mutex
	openOK   bool
	delay    time.Duration
	fail     bool
	opens    atomic.Int32
	closes   atomic.Int32
	isOpened bool
}

func (f *fakeSource) Open() bool {
	f.opens.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isOpened = f.openOK
	return f.openOK
}

func (f *fakeSource) Read() (Frame, bool) {
	f.mu.Lock()
	delay, fail := f.delay, f.fail
	f.mu.Unlock()
	time.Sleep(delay)
	if fail {
		return Frame{}, false
	}
	return solidFrame(8, 8, color.RGBA{R: 255}), true
}

func (f *fakeSource) Close() error {
	f.closes.Add(1)
	f.mu.Lock()
	f.isOpened = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isOpened {
		return StatusOn
	}
	return StatusOff
}

func (f *fakeSource) set(delay time.Duration, fail bool) {
	f.mu.Lock()
	f.delay, f.fail = delay, fail
	f.mu.Unlock()
}

func TestOpenFallsBackToSynthetic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 64, 48

	t.Run("device opens", func(t *testing.T) {
		fake := &fakeSource{openOK: true}
		src := Open(cfg, func(Config) Source { return fake }, log.Discard())
		if src != Source(fake) {
			t.Fatal("expected the device source")
		}
		if src.Status() != StatusOn {
			t.Errorf("status = %q, want on", src.Status())
		}
	})

	t.Run("device fails with mock allowed", func(t *testing.T) {
		fake := &fakeSource{openOK: false}
		src := Open(cfg, func(Config) Source { return fake }, log.Discard())
		if _, ok := src.(*Synthetic); !ok {
			t.Fatalf("got %T, want *Synthetic", src)
		}
		if fake.closes.Load() != 1 {
			t.Error("failed device should be closed")
		}
		if _, ok := src.Read(); !ok {
			t.Error("synthetic fallback should deliver frames")
		}
	})

	t.Run("device fails with mock disabled", func(t *testing.T) {
		noMock := cfg
		noMock.AllowMock = false
		src := Open(noMock, func(Config) Source { return &fakeSource{} }, log.Discard())
		if src.Status() != StatusOff {
			t.Errorf("status = %q, want off", src.Status())
		}
		if _, ok := src.Read(); ok {
			t.Error("closed source should not deliver frames")
		}
	})

	t.Run("no opener", func(t *testing.T) {
		src := Open(cfg, nil, log.Discard())
		if src.Status() != StatusMock {
			t.Errorf("status = %q, want mock", src.Status())
		}
	})
}

func TestWatchdogResetsAfterSlowReads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowRead = 5 * time.Millisecond
	cfg.MaxSlowReads = 3
	cfg.ReadTimeout = 200 * time.Millisecond

	fake := &fakeSource{openOK: true}
	fake.Open()
	fake.set(15*time.Millisecond, false)

	w := NewWatchdog(fake, cfg, log.Discard())
	w.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	for i := 0; i < 2; i++ {
		if _, ok := w.Read(); !ok {
			t.Fatalf("slow read %d should still return a frame", i)
		}
	}
	if w.Resets() != 0 {
		t.Fatalf("reset after %d slow reads, want none yet", 2)
	}

	w.Read()
	if w.Resets() != 1 {
		t.Fatalf("Resets() = %d, want 1 after 3 slow reads", w.Resets())
	}
	if fake.closes.Load() != 1 || fake.opens.Load() != 2 {
		t.Errorf("closes=%d opens=%d, want 1 close and a reopen", fake.closes.Load(), fake.opens.Load())
	}

	// Fast reads clear the strike counter.
	fake.set(0, false)
	for i := 0; i < 5; i++ {
		w.Read()
	}
	if w.Resets() != 1 {
		t.Errorf("fast reads triggered a reset")
	}
}

func TestWatchdogBoundsHungRead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowRead = 5 * time.Millisecond
	cfg.MaxSlowReads = 10
	cfg.ReadTimeout = 20 * time.Millisecond

	fake := &fakeSource{openOK: true}
	fake.set(150*time.Millisecond, false)
	w := NewWatchdog(fake, cfg, log.Discard())

	start := time.Now()
	if _, ok := w.Read(); ok {
		t.Error("hung read should report no frame")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Read blocked for %v, want about the read timeout", elapsed)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}

	bad := cfg
	bad.Width = 10
	bad.Framerate = 0
	if errs := bad.Validate(); len(errs) != 2 {
		t.Errorf("Validate() = %v, want 2 errors", errs)
	}

	for _, name := range PresetNames() {
		p := GetPreset(name)
		if p == nil {
			t.Fatalf("preset %q missing", name)
		}
		if errs := p.Validate(); len(errs) != 0 {
			t.Errorf("preset %q invalid: %v", name, errs)
		}
	}
	if GetPreset("nope") != nil {
		t.Error("unknown preset should be nil")
	}
}

func TestManagerUpdateConfig(t *testing.T) {
	m := NewManager(DefaultConfig())
	var applied []Config
	m.OnConfigChange = func(cfg Config) error {
		applied = append(applied, cfg)
		return nil
	}

	if err := m.UpdateConfig(map[string]any{"preset": PresetLegacy, "fps": float64(20)}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	got := m.GetConfig()
	if got.Width != 640 || got.Height != 480 || got.Framerate != 20 {
		t.Errorf("config = %dx%d@%d, want 640x480@20", got.Width, got.Height, got.Framerate)
	}
	if len(applied) != 1 {
		t.Errorf("OnConfigChange called %d times, want 1", len(applied))
	}

	if err := m.UpdateConfig(map[string]any{"width": float64(10)}); err == nil {
		t.Error("out-of-range width should fail")
	}
	if m.GetConfig().Width != 640 {
		t.Error("failed update must not change the config")
	}
	if err := m.UpdateConfig(map[string]any{"preset": "nope"}); err == nil {
		t.Error("unknown preset should fail")
	}
}
