// Package speech speaks short prompts through the host's text-to-speech
// command. Prompts are queued and spoken one at a time off the request
// path.
package speech

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Sentinel errors.
var (
	// ErrNoEngine is returned when no speech command is installed.
	ErrNoEngine = errors.New("speech: no engine available")

	// ErrQueueFull is returned when a prompt is dropped.
	ErrQueueFull = errors.New("speech: queue full")
)

// Speaker speaks text and returns when it is done.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Name() string
}

// Command speaks by running an external program with the text as its
// last argument.
type Command struct {
	Path string
	Args []string
}

// candidates are tried in order by Detect.
var candidates = []string{"espeak-ng", "espeak"}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Detect finds the platform speech command: say on macOS, otherwise
// espeak-ng or espeak on the PATH.
func Detect() (*Command, error) {
	if runtime.GOOS == "darwin" {
		if p, err := lookPath("say"); err == nil {
			return &Command{Path: p}, nil
		}
	}
	for _, name := range candidates {
		if p, err := lookPath(name); err == nil {
			return &Command{Path: p}, nil
		}
	}
	return nil, ErrNoEngine
}

// Name returns the program name.
func (c *Command) Name() string {
	if i := strings.LastIndexByte(c.Path, '/'); i >= 0 {
		return c.Path[i+1:]
	}
	return c.Path
}

// Speak runs the command and waits for it to exit.
func (c *Command) Speak(ctx context.Context, text string) error {
	args := append(append([]string{}, c.Args...), text)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", c.Name(), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Noop discards every prompt. It is used when no engine is installed so
// callers never need a nil check.
type Noop struct{}

// Speak does nothing.
func (Noop) Speak(context.Context, string) error { return nil }

// Name returns "none".
func (Noop) Name() string { return "none" }
