package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/aruco"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(opts ...ManagerOption) (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	opts = append([]ManagerOption{WithClock(c.Now), WithManagerLogger(log.Discard())}, opts...)
	return NewManager(DefaultCatalog(), opts...), c
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	sums := c.Summaries()
	if len(sums) != 4 {
		t.Fatalf("Summaries() = %d tasks, want 4", len(sums))
	}
	want := []string{"brush_teeth", "wash_face", "comb_hair", "draw_eyebrows"}
	for i, id := range want {
		if sums[i].ID != id {
			t.Errorf("task %d = %q, want %q", i, sums[i].ID, id)
		}
	}
	if sums[0].NumSteps != 6 || sums[0].DurationS != 120 || sums[0].Name != "Brush Teeth" {
		t.Errorf("brush_teeth summary = %+v", sums[0])
	}

	bt, err := c.Get("brush_teeth")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if id, ok := bt.Steps[0].HasMarker(); !ok || id != 1 {
		t.Errorf("step 1 marker = %d, %v", id, ok)
	}
	if !bt.Steps[1].RequiresHandMotion {
		t.Error("step 2 should require hand motion")
	}

	de, _ := c.Get("draw_eyebrows")
	if _, ok := de.Steps[4].HasMarker(); ok {
		t.Error("draw_eyebrows step 5 should not require a marker")
	}
}

func TestCatalogGetUnknown(t *testing.T) {
	_, err := DefaultCatalog().Get("does_not_exist")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "does_not_exist" {
		t.Fatalf("Get() error = %v, want NotFoundError", err)
	}
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"tasks":[`},
		{"no steps", `{"tasks":[{"task_id":"a","steps":[]}]}`},
		{"no id", `{"tasks":[{"steps":[{"title":"x","duration_s":1}]}]}`},
		{"duplicate", `{"tasks":[{"task_id":"a","steps":[{"duration_s":1}]},{"task_id":"a","steps":[{"duration_s":1}]}]}`},
		{"misnumbered", `{"tasks":[{"task_id":"a","steps":[{"step_num":2,"duration_s":1}]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tc.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCatalogMissingFileFallsBack(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if c.Len() != 4 {
		t.Errorf("Len() = %d, want built-in 4", c.Len())
	}
}

func TestCatalogWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	one := `{"tasks":[{"task_id":"a","name":"A","steps":[{"title":"s","duration_s":1}]}]}`
	two := `{"tasks":[{"task_id":"a","name":"A","steps":[{"title":"s","duration_s":1}]},{"task_id":"b","name":"B","steps":[{"title":"s","duration_s":1}]}]}`
	if err := os.WriteFile(path, []byte(one), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 4)
	go c.Watch(ctx, path, func(err error) { reloaded <- err })

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(two), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d after reload, want 2", c.Len())
	}
}

func TestStartBrushTeeth(t *testing.T) {
	m, _ := newTestManager()
	res, err := m.Start("brush_teeth")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := res.Snapshot
	if snap.CurrentStep != 1 || snap.TotalSteps != 6 {
		t.Errorf("step %d of %d, want 1 of 6", snap.CurrentStep, snap.TotalSteps)
	}
	if snap.State != StateRunning || !snap.Active {
		t.Errorf("state = %s", snap.State)
	}
	if snap.TimeLeft != 15 {
		t.Errorf("TimeLeft = %d, want 15", snap.TimeLeft)
	}
	if res.Replaced != "" {
		t.Errorf("Replaced = %q on first start", res.Replaced)
	}
}

func TestStartUnknownLeavesSessionUntouched(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.Start("wash_face"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Start("does_not_exist")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Start() error = %v, want NotFoundError", err)
	}
	snap := m.Snapshot()
	if !snap.Active || snap.Task.ID != "wash_face" {
		t.Errorf("active session changed: %+v", snap)
	}
}

func TestStartReplacesRunningTask(t *testing.T) {
	m, _ := newTestManager()
	m.Start("comb_hair")
	res, err := m.Start("brush_teeth")
	if err != nil {
		t.Fatal(err)
	}
	if res.Replaced != "comb_hair" {
		t.Errorf("Replaced = %q, want comb_hair", res.Replaced)
	}
	if m.Snapshot().Task.ID != "brush_teeth" {
		t.Error("last start should win")
	}
}

func TestTimerGating(t *testing.T) {
	gates := Gates{CameraLive: true, MarkerID: 1, MarkerState: aruco.Good}

	tests := []struct {
		name    string
		elapsed time.Duration
		wantOK  bool
		left    int
	}{
		{"immediately", 0, false, 15},
		{"just before", 14900 * time.Millisecond, false, 1},
		{"at duration", 15 * time.Second, true, 0},
		{"after", 20 * time.Second, true, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, c := newTestManager()
			m.Start("brush_teeth")
			c.Advance(tc.elapsed)
			res, snap, err := m.Advance(gates)
			if err != nil {
				t.Fatal(err)
			}
			if res.OK != tc.wantOK {
				t.Fatalf("OK = %v, want %v (%+v)", res.OK, tc.wantOK, res)
			}
			if !tc.wantOK {
				if res.Reason != ReasonNotMet || !strings.Contains(res.Detail, "remaining") {
					t.Errorf("reason = %q / %q", res.Reason, res.Detail)
				}
				if res.TimeLeft != tc.left {
					t.Errorf("TimeLeft = %d, want %d", res.TimeLeft, tc.left)
				}
				if snap.CurrentStep != 1 {
					t.Errorf("step moved to %d", snap.CurrentStep)
				}
				return
			}
			if snap.CurrentStep != 2 || res.Step.Num != 2 {
				t.Errorf("step = %d (%d), want 2", snap.CurrentStep, res.Step.Num)
			}
		})
	}
}

func TestMarkerAndMotionGates(t *testing.T) {
	tests := []struct {
		name   string
		step   int
		gates  Gates
		wantOK bool
		detail string
	}{
		{"marker missing", 1, Gates{CameraLive: true, MarkerState: aruco.Searching}, false, "marker 1"},
		{"marker aligning", 1, Gates{CameraLive: true, MarkerID: 1, MarkerState: aruco.Aligning}, false, "marker 1"},
		{"wrong marker good", 1, Gates{CameraLive: true, MarkerID: 3, MarkerState: aruco.Good}, false, "marker 1"},
		{"marker good", 1, Gates{CameraLive: true, MarkerID: 1, MarkerState: aruco.Good}, true, ""},
		{"no motion", 2, Gates{CameraLive: true, MarkerID: 2, MarkerState: aruco.Good}, false, "hand motion"},
		{"motion", 2, Gates{CameraLive: true, MarkerID: 2, MarkerState: aruco.Good, HandMotion: true}, true, ""},
		{"camera off waives", 2, Gates{}, true, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task, _ := DefaultCatalog().Get("brush_teeth")
			s := NewSession(task, log.Discard())
			now := time.Unix(1000, 0)
			s.Start(now)
			for s.CurrentStep() < tc.step {
				s.AllowSkip = true
				s.Advance(now, Gates{})
				s.AllowSkip = false
			}
			ok, detail := s.CheckStepComplete(now.Add(time.Minute), tc.gates)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v (%s)", ok, tc.wantOK, detail)
			}
			if !strings.Contains(detail, tc.detail) {
				t.Errorf("detail = %q, want it to mention %q", detail, tc.detail)
			}
		})
	}
}

func TestNoCameraWaiver(t *testing.T) {
	m, c := newTestManager()
	m.Start("brush_teeth")

	c.Advance(15 * time.Second)
	res, snap, err := m.Advance(Gates{CameraLive: false})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || snap.CurrentStep != 2 {
		t.Fatalf("advance with camera off = %+v, step %d", res, snap.CurrentStep)
	}
}

func TestWaiverDisabled(t *testing.T) {
	m, c := newTestManager(WithCameraWaiver(false))
	m.Start("brush_teeth")
	c.Advance(15 * time.Second)
	res, _, _ := m.Advance(Gates{CameraLive: false})
	if res.OK {
		t.Fatal("marker gate should hold without the waiver")
	}

	m.SetCameraWaiver(true)
	res, _, _ = m.Advance(Gates{CameraLive: false})
	if !res.OK {
		t.Fatalf("waiver re-enabled, advance = %+v", res)
	}
}

func TestAllowSkip(t *testing.T) {
	m, _ := newTestManager(WithAllowSkip(true))
	m.Start("brush_teeth")
	res, snap, _ := m.Advance(Gates{})
	if !res.OK || snap.CurrentStep != 2 {
		t.Errorf("skip advance = %+v, step %d", res, snap.CurrentStep)
	}
}

func TestMonotonicAdvanceToComplete(t *testing.T) {
	m, c := newTestManager()
	m.Start("comb_hair")

	last := 1
	for i := 0; i < 20; i++ {
		// Alternate premature and timely attempts.
		if i%2 == 1 {
			c.Advance(30 * time.Second)
		}
		res, snap, err := m.Advance(Gates{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Complete {
			if snap.State != StateComplete {
				t.Errorf("state = %s on completion", snap.State)
			}
			if m.Snapshot().Active {
				t.Error("session should be cleared after completion")
			}
			if _, _, err := m.Advance(Gates{}); !errors.Is(err, ErrNoActiveTask) {
				t.Errorf("advance after completion = %v", err)
			}
			return
		}
		if snap.CurrentStep < last {
			t.Fatalf("step went from %d to %d", last, snap.CurrentStep)
		}
		last = snap.CurrentStep
	}
	t.Fatal("task never completed")
}

func TestStopIdempotent(t *testing.T) {
	m, _ := newTestManager()
	if got := m.Stop(); got != nil {
		t.Errorf("Stop() on idle = %v", got)
	}
	m.Start("wash_face")
	if got := m.Stop(); got == nil || got.ID != "wash_face" {
		t.Errorf("Stop() = %v", got)
	}
	if got := m.Stop(); got != nil {
		t.Errorf("second Stop() = %v", got)
	}
	if snap := m.Snapshot(); snap.Active || snap.State != StateIdle {
		t.Errorf("snapshot after stop = %+v", snap)
	}

	s := NewSession(DefaultCatalog().tasks["wash_face"], nil)
	s.Stop()
	s.Stop()
	if s.State() != StateIdle {
		t.Errorf("session state = %s", s.State())
	}
}

func TestRewind(t *testing.T) {
	m, c := newTestManager(WithAllowSkip(true))
	if _, err := m.Rewind(); !errors.Is(err, ErrNoActiveTask) {
		t.Errorf("Rewind() without task = %v", err)
	}
	m.Start("brush_teeth")
	m.Advance(Gates{})
	c.Advance(10 * time.Second)

	snap, err := m.Rewind()
	if err != nil {
		t.Fatal(err)
	}
	if snap.CurrentStep != 1 || snap.TimeLeft != 15 {
		t.Errorf("after rewind step %d, left %d", snap.CurrentStep, snap.TimeLeft)
	}
	snap, _ = m.Rewind()
	if snap.CurrentStep != 1 {
		t.Errorf("rewind past first step = %d", snap.CurrentStep)
	}
}

func TestTimeLeftNeverNegative(t *testing.T) {
	task, _ := DefaultCatalog().Get("brush_teeth")
	s := NewSession(task, nil)
	now := time.Unix(0, 0)
	if s.TimeLeft(now) != 0 {
		t.Error("idle session should have no time left")
	}
	s.Start(now)
	if got := s.TimeLeft(now.Add(time.Hour)); got != 0 {
		t.Errorf("TimeLeft = %d", got)
	}
	if got := s.TimeLeft(now.Add(5500 * time.Millisecond)); got != 10 {
		t.Errorf("TimeLeft at 5.5s = %d, want 10", got)
	}
}

func TestCoach(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Brush Upper Teeth", "Tilt brush"},
		{"Brush Lower Teeth", "Relax jaw"},
		{"Define Shape", "Feather light"},
		{"Fill Sparse Areas", "Feather light"},
		{"Massage Face", "fingertip pads"},
		{"Rinse", "Rinse mouth"},
	}
	for _, tc := range tests {
		t.Run(tc.title, func(t *testing.T) {
			tip := Coach(Step{Title: tc.title, Instruction: "Rinse mouth thoroughly"})
			if !strings.Contains(tip.CoachTip, tc.want) {
				t.Errorf("tip = %q, want it to contain %q", tip.CoachTip, tc.want)
			}
			if tip.Source != "heuristic-local" {
				t.Errorf("source = %q", tip.Source)
			}
		})
	}
}

func TestSkipBypassesGates(t *testing.T) {
	m, _ := newTestManager()
	if _, _, err := m.Skip(); !errors.Is(err, ErrNoActiveTask) {
		t.Fatalf("Skip() on idle = %v", err)
	}
	if _, err := m.Start("brush_teeth"); err != nil {
		t.Fatal(err)
	}

	res, snap, err := m.Skip()
	if err != nil || !res.OK || snap.CurrentStep != 2 {
		t.Fatalf("Skip() = %+v, step %d, %v", res, snap.CurrentStep, err)
	}

	// The override is not sticky.
	res, _, _ = m.Advance(Gates{CameraLive: true})
	if res.OK {
		t.Error("Advance after Skip should still be gated")
	}
}
