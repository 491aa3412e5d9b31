package speech

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
)

func TestQueueSpeaksInOrder(t *testing.T) {
	mock := &Mock{}
	q := NewQueue(mock, WithLogger(log.Discard()))

	for _, text := range []string{"Step 1", "  ", "Step 2"} {
		if err := q.Say(text); err != nil {
			t.Fatalf("Say(%q): %v", text, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(mock.Texts()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := mock.Texts()
	if len(got) != 2 || got[0] != "Step 1" || got[1] != "Step 2" {
		t.Errorf("spoken = %q", got)
	}
	if spoken, _, _ := q.Stats(); spoken != 2 {
		t.Errorf("spoken count = %d", spoken)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(&Mock{}, WithLogger(log.Discard()), WithQueueSize(1))
	if err := q.Say("one"); err != nil {
		t.Fatal(err)
	}
	if err := q.Say("two"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Say() = %v, want ErrQueueFull", err)
	}
	if _, dropped, _ := q.Stats(); dropped != 1 {
		t.Errorf("dropped = %d", dropped)
	}
}

func TestQueueBoundsSlowSpeaker(t *testing.T) {
	mock := &Mock{SpeakFunc: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	q := NewQueue(mock, WithLogger(log.Discard()), WithMaxSpeakTime(20*time.Millisecond))
	q.speak(context.Background(), "hello")
	if _, _, failed := q.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestDetect(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()

	lookPath = func(name string) (string, error) {
		if name == "espeak" {
			return "/usr/bin/espeak", nil
		}
		return "", exec.ErrNotFound
	}
	if runtime.GOOS != "darwin" {
		cmd, err := Detect()
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if cmd.Name() != "espeak" {
			t.Errorf("Name() = %q", cmd.Name())
		}
	}

	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	if _, err := Detect(); !errors.Is(err, ErrNoEngine) {
		t.Errorf("Detect() = %v, want ErrNoEngine", err)
	}
}

func TestNilSpeakerIsNoop(t *testing.T) {
	q := NewQueue(nil, WithLogger(log.Discard()))
	if q.Engine() != "none" {
		t.Errorf("Engine() = %q", q.Engine())
	}
}
