package metrics

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/cloudassist"
	"github.com/teslashibe/go-mirror/pkg/hub"
)

func TestRowFormat(t *testing.T) {
	base := time.Unix(1700000000, 0)
	row := Row{
		Capture:          base,
		Landmark:         base.Add(20 * time.Millisecond),
		Overlay:          base.Add(45500 * time.Microsecond),
		FPS:              23.96,
		UseCloud:         true,
		CloudLatencyMS:   312.44,
		CloudConfidence:  0.9,
		CloudOK:          true,
		CloudBreakerOpen: false,
	}
	want := "1700000000.000000,1700000000.020000,1700000000.045500,45.50,24.0,1,312.4,0.900,1,0\n"
	if got := row.Format(); got != want {
		t.Errorf("Format() =\n%q\nwant\n%q", got, want)
	}
	if n := strings.Count(CSVHeader, ","); n != 9 {
		t.Errorf("header has %d commas, want 9", n)
	}
}

func TestCSVRecorderAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "latency.csv")

	for run := 0; run < 2; run++ {
		rec, err := NewCSVRecorder(path, 8)
		if err != nil {
			t.Fatalf("NewCSVRecorder: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			rec.Run(ctx)
			close(done)
		}()
		now := time.Unix(1700000000, 0)
		rec.Record(Row{Capture: now, Landmark: now, Overlay: now.Add(10 * time.Millisecond), FPS: 24})
		rec.Record(Row{Capture: now, Landmark: now, Overlay: now.Add(12 * time.Millisecond), FPS: 24})
		cancel()
		<-done
		if rec.Written() != 2 {
			t.Errorf("run %d: Written() = %d", run, rec.Written())
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want header + 4 rows:\n%s", len(lines), data)
	}
	if lines[0] != CSVHeader {
		t.Errorf("header = %q", lines[0])
	}
	if strings.Count(string(data), "capture_ts") != 1 {
		t.Error("header written more than once")
	}
	if !strings.Contains(lines[1], ",10.00,24.0,0,") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestCSVRecorderDropsWhenFull(t *testing.T) {
	rec, err := NewCSVRecorder(filepath.Join(t.TempDir(), "l.csv"), 2)
	if err != nil {
		t.Fatal(err)
	}
	rec.logger = log.Discard()
	for i := 0; i < 5; i++ {
		rec.Record(Row{})
	}
	if rec.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", rec.Dropped())
	}
}

func TestHealthSnapshotIsCopy(t *testing.T) {
	h := NewHealth()
	h.Update(func(s *HealthSnapshot) {
		s.Camera = "on"
		s.Detectors["face"] = true
	})
	snap := h.Snapshot()
	snap.Detectors["face"] = false
	snap.Camera = "off"

	again := h.Snapshot()
	if again.Camera != "on" || !again.Detectors["face"] {
		t.Errorf("snapshot mutation leaked: %+v", again)
	}
}

func TestFPSMeter(t *testing.T) {
	var m FPSMeter
	now := time.Unix(0, 0)
	if m.Tick(now) != 0 {
		t.Error("first tick should report 0")
	}
	now = now.Add(100 * time.Millisecond)
	if got := m.Tick(now); got < 9.99 || got > 10.01 {
		t.Errorf("second tick = %f, want 10", got)
	}
	now = now.Add(50 * time.Millisecond)
	// 0.2*20 + 0.8*10
	if got := m.Tick(now); got < 11.99 || got > 12.01 {
		t.Errorf("third tick = %f, want 12", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.WatchHub(hub.New("test", hub.WithLogger(log.Discard())))
	now := time.Now()
	m.ObserveFrame(Row{Capture: now, Overlay: now.Add(40 * time.Millisecond), FPS: 24}, true)
	m.ObserveCloud(cloudassist.Outcome{Called: true, OK: true, Latency: 300 * time.Millisecond})
	m.ObserveCloud(cloudassist.Outcome{CacheHit: true, OK: true})
	m.StageError("aruco")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"mirror_frames_total 1",
		"mirror_camera_on 1",
		"mirror_fps 24",
		`mirror_cloud_calls_total{result="ok"} 1`,
		`mirror_cloud_calls_total{result="cache_hit"} 1`,
		`mirror_stage_errors_total{stage="aruco"} 1`,
		"mirror_ws_clients 0",
		"mirror_hub_published_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
