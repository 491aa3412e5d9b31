package task

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-mirror/pkg/aruco"
)

// ReasonNotMet is the AdvanceResult reason when a gate does not hold.
const ReasonNotMet = "Step requirements not met"

// Gates is what the vision loop currently observes for the active step.
type Gates struct {
	// CameraLive is false when the camera is off or synthetic.
	CameraLive bool
	// MarkerID and MarkerState describe the guidance for the marker the
	// step requires.
	MarkerID    int
	MarkerState aruco.GuidanceState
	// HandMotion is true when recent hand movement exceeded the threshold.
	HandMotion bool
}

// AdvanceResult is the outcome of an advance attempt.
type AdvanceResult struct {
	OK       bool
	Reason   string
	Detail   string
	TimeLeft int
	Complete bool
	Step     Step
}

// Session steps through one task. It is not safe for concurrent use;
// Manager serializes access.
type Session struct {
	// AllowSkip bypasses every gate on Advance.
	AllowSkip bool
	// WaiveWithoutCamera waives the marker and motion gates when the
	// camera is not live, leaving only the timer.
	WaiveWithoutCamera bool

	task      *Task
	index     int
	stepStart time.Time
	startedAt time.Time
	state     State
	logger    *slog.Logger

	waiverLogged int
}

// NewSession returns an idle session for t.
func NewSession(t *Task, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		WaiveWithoutCamera: true,
		task:               t,
		state:              StateIdle,
		logger:             logger,
		waiverLogged:       -1,
	}
}

// Start begins the task at its first step.
func (s *Session) Start(now time.Time) {
	s.index = 0
	s.state = StateRunning
	s.startedAt = now
	s.stepStart = now
	s.waiverLogged = -1
}

// Task returns the task being walked.
func (s *Session) Task() *Task { return s.task }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// CurrentStep returns the 1-based step number.
func (s *Session) CurrentStep() int { return s.index + 1 }

// Step returns the current step.
func (s *Session) Step() (Step, bool) {
	if s.index < 0 || s.index >= len(s.task.Steps) {
		return Step{}, false
	}
	return s.task.Steps[s.index], true
}

// TimeLeft returns whole seconds left in the current step, never negative.
func (s *Session) TimeLeft(now time.Time) int {
	step, ok := s.Step()
	if !ok || s.state != StateRunning {
		return 0
	}
	elapsed := int(now.Sub(s.stepStart).Seconds())
	return max(0, step.DurationS-elapsed)
}

// CheckStepComplete reports whether every gate of the current step holds.
// When it does not, the second value says which gate failed.
func (s *Session) CheckStepComplete(now time.Time, g Gates) (bool, string) {
	step, ok := s.Step()
	if !ok || s.state != StateRunning {
		return false, "task not running"
	}
	if left := s.TimeLeft(now); left > 0 {
		return false, fmt.Sprintf("%ds remaining in step", left)
	}

	marker, needMarker := step.HasMarker()
	if (needMarker || step.RequiresHandMotion) && !g.CameraLive && s.WaiveWithoutCamera {
		if s.waiverLogged != s.index {
			s.waiverLogged = s.index
			s.logger.Info("camera unavailable, waiving marker and motion gates",
				"task", s.task.ID, "step", step.Num)
		}
		return true, ""
	}
	if needMarker && (g.MarkerID != marker || g.MarkerState != aruco.Good) {
		return false, fmt.Sprintf("hold marker %d in place", marker)
	}
	if step.RequiresHandMotion && !g.HandMotion {
		return false, "hand motion not detected"
	}
	return true, ""
}

// Advance moves to the next step when the current one is complete, or
// unconditionally with AllowSkip. Past the last step the session becomes
// COMPLETE.
func (s *Session) Advance(now time.Time, g Gates) AdvanceResult {
	if s.state != StateRunning {
		return AdvanceResult{Reason: "task not running"}
	}
	if !s.AllowSkip {
		if ok, detail := s.CheckStepComplete(now, g); !ok {
			return AdvanceResult{Reason: ReasonNotMet, Detail: detail, TimeLeft: s.TimeLeft(now)}
		}
	}

	if s.index+1 >= len(s.task.Steps) {
		s.index = len(s.task.Steps)
		s.state = StateComplete
		return AdvanceResult{OK: true, Complete: true}
	}
	s.index++
	s.stepStart = now
	step, _ := s.Step()
	return AdvanceResult{OK: true, Step: step, TimeLeft: step.DurationS}
}

// Rewind moves back one step, stopping at the first, and restarts its
// timer. It never fails.
func (s *Session) Rewind(now time.Time) {
	if s.state != StateRunning {
		return
	}
	if s.index > 0 {
		s.index--
	}
	s.stepStart = now
}

// Stop returns the session to IDLE. Calling it again is a no-op.
func (s *Session) Stop() {
	s.state = StateIdle
}

// Snapshot is a read-only copy of session state for the overlay and the
// HTTP layer.
type Snapshot struct {
	Active      bool
	Task        *Task
	State       State
	CurrentStep int
	TotalSteps  int
	Step        Step
	StepStarted time.Time
	StartedAt   time.Time
	TimeLeft    int
}

// Progress is the fraction of steps reached, current/total.
func (s Snapshot) Progress() float64 {
	if s.TotalSteps == 0 {
		return 0
	}
	return float64(s.CurrentStep) / float64(s.TotalSteps)
}

// Snapshot copies the session state at now.
func (s *Session) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Active:      s.state == StateRunning,
		Task:        s.task,
		State:       s.state,
		CurrentStep: s.CurrentStep(),
		TotalSteps:  len(s.task.Steps),
		StepStarted: s.stepStart,
		StartedAt:   s.startedAt,
		TimeLeft:    s.TimeLeft(now),
	}
	snap.Step, _ = s.Step()
	return snap
}
