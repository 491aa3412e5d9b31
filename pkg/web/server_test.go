package web

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-mirror/internal/log"
	"github.com/teslashibe/go-mirror/pkg/camera"
	"github.com/teslashibe/go-mirror/pkg/hub"
	"github.com/teslashibe/go-mirror/pkg/metrics"
	"github.com/teslashibe/go-mirror/pkg/speech"
	"github.com/teslashibe/go-mirror/pkg/task"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordConn is a renderer that remembers every message.
type recordConn struct {
	mu     sync.Mutex
	writes []string
	closed chan struct{}
	once   sync.Once
}

func (r *recordConn) ReadMessage() (int, []byte, error) {
	<-r.closed
	return 0, nil, errors.New("closed")
}
func (r *recordConn) WriteMessage(_ int, data []byte) error {
	r.mu.Lock()
	r.writes = append(r.writes, string(data))
	r.mu.Unlock()
	return nil
}
func (r *recordConn) SetReadDeadline(time.Time) error   { return nil }
func (r *recordConn) SetWriteDeadline(time.Time) error  { return nil }
func (r *recordConn) SetReadLimit(int64)                {}
func (r *recordConn) SetPongHandler(func(string) error) {}
func (r *recordConn) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *recordConn) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.writes {
		if strings.Contains(w, substr) {
			n++
		}
	}
	return n
}

func (r *recordConn) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(substr) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("renderer never received %q", substr)
}

type fixture struct {
	srv    *Server
	tasks  *task.Manager
	clock  *clock
	hub    *hub.Hub
	voice  *speech.Mock
	conn   *recordConn
	gates  task.Gates
	gateMu sync.Mutex
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: &clock{t: time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)},
		voice: &speech.Mock{},
		conn:  &recordConn{closed: make(chan struct{})},
		gates: task.Gates{MarkerID: -1},
	}
	f.tasks = task.NewManager(task.DefaultCatalog(),
		task.WithClock(f.clock.Now), task.WithManagerLogger(log.Discard()))
	f.hub = hub.New("test", hub.WithLogger(log.Discard()))

	client := f.hub.Register(f.conn)
	go client.Serve()

	ctx, cancel := context.WithCancel(context.Background())
	queue := speech.NewQueue(f.voice, speech.WithLogger(log.Discard()))
	go queue.Run(ctx)
	t.Cleanup(func() {
		cancel()
		f.conn.Close()
	})

	base := []Option{
		WithLogger(log.Discard()),
		WithSpeech(queue),
		WithGates(func() task.Gates {
			f.gateMu.Lock()
			defer f.gateMu.Unlock()
			return f.gates
		}),
	}
	f.srv = NewServer("127.0.0.1:0", f.tasks, f.hub, append(base, opts...)...)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode, out
}

func (f *fixture) spoken(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range f.voice.Texts() {
			if strings.Contains(s, substr) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never spoke %q; spoke %q", substr, f.voice.Texts())
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, "GET", "/tasks", "")
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	list, _ := body["tasks"].([]any)
	if len(list) != 4 {
		t.Fatalf("tasks = %d, want 4", len(list))
	}
	first := list[0].(map[string]any)
	if first["task_id"] != "brush_teeth" || first["num_steps"] != float64(6) {
		t.Errorf("first summary = %v", first)
	}
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/tasks/brush_teeth/start", "")
	if code != 200 || body["ok"] != true {
		t.Fatalf("start = %d %v", code, body)
	}
	if body["current_step"] != float64(1) || body["total_steps"] != float64(6) {
		t.Errorf("start body = %v", body)
	}
	f.conn.waitFor(t, `"step":"Step 1 of 6"`)
	f.spoken(t, "Step 1")

	// Premature advance.
	code, body = f.do(t, "POST", "/tasks/next_step", "")
	if code != 200 || body["ok"] != false {
		t.Fatalf("premature next = %d %v", code, body)
	}
	if body["reason"] != task.ReasonNotMet || body["time_left"] != float64(15) {
		t.Errorf("premature body = %v", body)
	}

	// Camera off: the marker gate is waived once the timer runs out.
	f.clock.Advance(15 * time.Second)
	code, body = f.do(t, "POST", "/tasks/next_step", "")
	if code != 200 || body["ok"] != true || body["current_step"] != float64(2) {
		t.Fatalf("next = %d %v", code, body)
	}

	_, cur := f.do(t, "GET", "/tasks/current", "")
	if cur["active"] != true || cur["step_title"] != "Brush Upper Teeth" || cur["state"] != "in_progress" {
		t.Errorf("current = %v", cur)
	}
}

func TestLiveCameraNeedsMarker(t *testing.T) {
	f := newFixture(t)
	f.gates = task.Gates{CameraLive: true, MarkerID: -1}
	f.do(t, "POST", "/tasks/brush_teeth/start", "")
	f.clock.Advance(20 * time.Second)

	_, body := f.do(t, "POST", "/tasks/next_step", "")
	if body["ok"] != false || body["detail"] != "hold marker 1 in place" {
		t.Errorf("next without marker = %v", body)
	}
}

func TestUnknownTaskLeavesSessionAlone(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/tasks/wash_face/start", "")

	code, body := f.do(t, "POST", "/tasks/nope/start", "")
	if code != 404 || body["error"] != "not_found" || body["task_id"] != "nope" {
		t.Fatalf("unknown start = %d %v", code, body)
	}

	_, cur := f.do(t, "GET", "/tasks/current", "")
	if cur["task_id"] != "wash_face" || cur["current_step"] != float64(1) {
		t.Errorf("current = %v", cur)
	}
}

func TestNextStepWithoutTask(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, "POST", "/tasks/next_step", "")
	if code != 400 || body["error"] != "no_active_task" {
		t.Errorf("next = %d %v", code, body)
	}
}

func TestReplaceSendsClear(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/tasks/wash_face/start", "")
	_, body := f.do(t, "POST", "/tasks/comb_hair/start", "")
	if body["replaced_task_id"] != "wash_face" {
		t.Errorf("start body = %v", body)
	}
	f.conn.waitFor(t, `"overlay.clear"`)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/tasks/comb_hair/start", "")

	for i := 0; i < 2; i++ {
		code, body := f.do(t, "POST", "/tasks/stop", "")
		if code != 200 || body["ok"] != true {
			t.Fatalf("stop %d = %d %v", i, code, body)
		}
	}
	f.conn.waitFor(t, `"overlay.clear"`)
	if n := f.conn.count(`"overlay.clear"`); n != 1 {
		t.Errorf("overlay.clear sent %d times, want 1", n)
	}
	_, cur := f.do(t, "GET", "/tasks/current", "")
	if cur["active"] != false {
		t.Errorf("current = %v", cur)
	}
}

func TestRunToCompletion(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/tasks/comb_hair/start", "")

	var body map[string]any
	for i := 0; i < 4; i++ {
		f.clock.Advance(30 * time.Second)
		_, body = f.do(t, "POST", "/tasks/next_step", "")
		if body["ok"] != true {
			t.Fatalf("advance %d = %v", i, body)
		}
	}
	if body["task_complete"] != true {
		t.Errorf("last advance = %v", body)
	}
	f.conn.waitFor(t, `"overlay.clear"`)
	f.spoken(t, "Great job")

	_, cur := f.do(t, "GET", "/tasks/current", "")
	if cur["active"] != false {
		t.Errorf("current after completion = %v", cur)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/session/start", `{"routine_id":"draw_eyebrows","patient_id":"p-17"}`)
	if code != 200 || body["status"] != "started" {
		t.Fatalf("session start = %d %v", code, body)
	}
	sess := body["session"].(map[string]any)
	if sess["routine_id"] != "draw_eyebrows" || sess["patient_id"] != "p-17" || sess["session_id"] == "" {
		t.Errorf("session = %v", sess)
	}
	f.conn.waitFor(t, `"type":"status"`)

	_, body = f.do(t, "POST", "/session/next_step", "")
	if body["ok"] != true || body["current_step"] != float64(2) {
		t.Errorf("operator next = %v", body)
	}
	for i := 0; i < 3; i++ {
		_, body = f.do(t, "POST", "/session/prev_step", "")
	}
	if body["current_step"] != float64(1) {
		t.Errorf("prev clamps at 1, got %v", body)
	}

	code, body = f.do(t, "POST", "/session/start", `{"routine_id":"nope"}`)
	if code != 404 {
		t.Errorf("unknown routine = %d %v", code, body)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/settings", `{"cloud_rps": 20}`)
	if code != 400 || body["error"] != "invalid_setting" || body["field"] != "cloud_rps" {
		t.Errorf("bad rps = %d %v", code, body)
	}
	code, _ = f.do(t, "POST", "/settings", `not json`)
	if code != 400 {
		t.Errorf("malformed body = %d", code)
	}

	code, body = f.do(t, "POST", "/settings", `{"aruco_stride": 20, "reduce_motion": true}`)
	if code != 200 || body["aruco_stride"] != float64(8) || body["reduce_motion"] != true {
		t.Fatalf("update = %d %v", code, body)
	}
	f.conn.waitFor(t, `"reduce_motion":true`)

	_, body = f.do(t, "GET", "/settings", "")
	if body["aruco_stride"] != float64(8) || body["cloud_rps"] != float64(2) {
		t.Errorf("settings = %v", body)
	}
}

func TestOverlayRelay(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/overlay", `{"message":{"title":"Hello there","step":"Step 1 of 3"}}`)
	if code != 200 {
		t.Fatalf("relay = %d", code)
	}
	f.conn.waitFor(t, "Hello there")

	code, body := f.do(t, "POST", "/overlay", `{"type":"bogus"}`)
	if code != 400 || body["error"] != "invalid_message" {
		t.Errorf("bogus = %d %v", code, body)
	}
}

func TestTTS(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/tts", `{"text":"   "}`)
	if code != 400 {
		t.Errorf("blank text = %d", code)
	}
	code, _ = f.do(t, "POST", "/tts", `{"text":"  Good morning "}`)
	if code != 200 {
		t.Fatalf("tts = %d", code)
	}
	f.conn.waitFor(t, `{"type":"tts","text":"Good morning"}`)
	f.spoken(t, "Good morning")

	code, _ = f.do(t, "POST", "/tts/replay", "")
	if code != 400 {
		t.Errorf("replay without task = %d", code)
	}
	f.do(t, "POST", "/tasks/wash_face/start", "")
	_, body := f.do(t, "POST", "/tts/replay", "")
	if body["ok"] != true || body["text"] == "" {
		t.Errorf("replay = %v", body)
	}
}

func TestCoach(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, "POST", "/genai/coach", `{"task_id":"brush_teeth","step_num":2}`)
	if tip, _ := body["coach_tip"].(string); !strings.Contains(tip, "Tilt brush") {
		t.Errorf("coach = %v", body)
	}
	if body["source"] != "heuristic-local" {
		t.Errorf("source = %v", body["source"])
	}

	code, _ := f.do(t, "POST", "/genai/coach", "")
	if code != 400 {
		t.Errorf("coach without task = %d", code)
	}
	code, _ = f.do(t, "POST", "/genai/coach", `{"task_id":"brush_teeth","step_num":9}`)
	if code != 404 {
		t.Errorf("coach bad step = %d", code)
	}
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, "GET", "/preview.jpg", "")
	if code != 404 {
		t.Errorf("preview without source = %d", code)
	}

	jpeg := []byte{0xff, 0xd8, 0xff, 0xd9}
	f = newFixture(t, WithPreview(func() ([]byte, bool) { return jpeg, true }))
	resp, err := f.srv.App().Test(httptest.NewRequest("GET", "/preview.jpg", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("preview = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, WithMetrics(metrics.New()))

	code, body := f.do(t, "GET", "/health", "")
	if code != 200 || body["camera"] != "off" || body["clients"] != float64(1) {
		t.Errorf("health = %d %v", code, body)
	}

	resp, err := f.srv.App().Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !strings.Contains(string(data), "mirror_frames_total") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestCameraEndpoint(t *testing.T) {
	f := newFixture(t, WithCamera(camera.NewManager(camera.DefaultConfig())))

	code, body := f.do(t, "POST", "/camera", `{"preset":"legacy"}`)
	if code != 200 || body["width"] != float64(640) {
		t.Errorf("camera = %d %v", code, body)
	}
	code, _ = f.do(t, "POST", "/camera", `{"framerate": 500}`)
	if code != 400 {
		t.Errorf("bad framerate = %d", code)
	}
}

func TestWebSocketReceivesStatusOnConnect(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/tasks/brush_teeth/start", "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	url := "ws://" + ln.Addr().String() + "/ws/mirror"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:8080"}})
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := map[string]bool{}
	for !(seen["status"] && seen["overlay.set"]) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		seen[msg.Type] = true
	}
}
