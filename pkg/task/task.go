// Package task holds the guided routines and the single active session
// that steps through them.
//
// A Task is static data loaded from tasks.json. A Session walks one Task
// step by step; each step is gated by a minimum duration and optionally by
// a GOOD marker alignment and recent hand motion. Manager owns the one
// session the process may have and serializes every mutation.
package task

import (
	"errors"
	"fmt"
)

// ErrNoActiveTask is returned by Manager operations that need a running
// session.
var ErrNoActiveTask = errors.New("no active task")

// NotFoundError is returned when a task id is not in the catalog.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.ID)
}

// State is the lifecycle state of a session.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "in_progress"
	StateComplete State = "task_complete"
)

// Target is one overlay region for a step: the region to ring, its radius,
// and an optional arrow origin such as "hand_index_tip_Right".
type Target struct {
	Region    string `json:"region"`
	RadiusPx  int    `json:"radius_px,omitempty"`
	Accent    string `json:"accent,omitempty"`
	ArrowFrom string `json:"arrow_from,omitempty"`
}

// Step is one immutable step of a task.
type Step struct {
	Num                int      `json:"step_num"`
	Title              string   `json:"title"`
	Instruction        string   `json:"instruction"`
	Hint               string   `json:"hint"`
	DurationS          int      `json:"duration_s"`
	MarkerID           *int     `json:"aruco_marker_id,omitempty"`
	RequiresHandMotion bool     `json:"requires_hand_motion,omitempty"`
	VoicePrompt        string   `json:"voice_prompt,omitempty"`
	Targets            []Target `json:"targets,omitempty"`
}

// HasMarker reports whether the step requires a marker, and which.
func (s Step) HasMarker() (int, bool) {
	if s.MarkerID == nil {
		return 0, false
	}
	return *s.MarkerID, true
}

// Task is an immutable routine definition.
type Task struct {
	ID          string `json:"task_id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Difficulty  string `json:"difficulty"`
	TotalTimeS  int    `json:"total_time_estimate_s"`
	Steps       []Step `json:"steps"`
}

// Step returns the step with the given 1-based number.
func (t *Task) Step(num int) (Step, bool) {
	if num < 1 || num > len(t.Steps) {
		return Step{}, false
	}
	return t.Steps[num-1], true
}

// Summary is the menu view of a task.
type Summary struct {
	ID          string `json:"task_id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	Category    string `json:"category"`
	Description string `json:"description"`
	DurationS   int    `json:"duration_s"`
	Difficulty  string `json:"difficulty"`
	NumSteps    int    `json:"num_steps"`
}

func (t *Task) summary() Summary {
	return Summary{
		ID:          t.ID,
		Name:        t.Name,
		Icon:        t.Icon,
		Category:    t.Category,
		Description: t.Description,
		DurationS:   t.TotalTimeS,
		Difficulty:  t.Difficulty,
		NumSteps:    len(t.Steps),
	}
}

func (t *Task) validate() error {
	if t.ID == "" {
		return errors.New("task without task_id")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("task %q has no steps", t.ID)
	}
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Num == 0 {
			s.Num = i + 1
		}
		if s.Num != i+1 {
			return fmt.Errorf("task %q: step %d numbered %d", t.ID, i+1, s.Num)
		}
		if s.DurationS < 0 {
			return fmt.Errorf("task %q step %d: negative duration", t.ID, s.Num)
		}
	}
	return nil
}
