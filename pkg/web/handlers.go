package web

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/teslashibe/go-mirror/pkg/metrics"
	"github.com/teslashibe/go-mirror/pkg/overlay"
	"github.com/teslashibe/go-mirror/pkg/protocol"
	"github.com/teslashibe/go-mirror/pkg/task"
)

// handleHealth returns the health snapshot.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	snap := s.health.Snapshot()
	snap.Clients = s.hub.ClientCount()
	return c.JSON(snap)
}

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	return c.JSON(s.settings.Get())
}

// handleUpdateSettings applies a partial update. reduce_motion changes are
// announced to renderers right away.
func (s *Server) handleUpdateSettings(c *fiber.Ctx) error {
	var params map[string]any
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "body must be a JSON object")
	}
	change, err := s.settings.Update(params)
	if err != nil {
		return err
	}
	if change.Has("reduce_motion") {
		s.health.Update(func(h *metrics.HealthSnapshot) { h.ReduceMotion = change.New.ReduceMotion })
		s.hub.PublishNow(s.status())
	}
	return c.JSON(change.New)
}

func (s *Server) handleListTasks(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tasks": s.tasks.Catalog().Summaries()})
}

// handleStartTask starts a routine, replacing any running one.
func (s *Server) handleStartTask(c *fiber.Ctx) error {
	res, err := s.startTask(c.Params("id"))
	if err != nil {
		return err
	}
	snap := res.Snapshot
	body := fiber.Map{
		"ok":           true,
		"task_id":      snap.Task.ID,
		"task_name":    snap.Task.Name,
		"current_step": snap.CurrentStep,
		"total_steps":  snap.TotalSteps,
	}
	if res.Replaced != "" {
		body["replaced_task_id"] = res.Replaced
	}
	return c.JSON(body)
}

// startTask starts id and pushes the first step to renderers and speech.
func (s *Server) startTask(id string) (task.StartResult, error) {
	res, err := s.tasks.Start(id)
	if err != nil {
		return res, err
	}
	if res.Replaced != "" {
		s.hub.PublishNow(overlay.Clear())
	}
	s.announceStep(res.Snapshot)
	return res, nil
}

func (s *Server) announceStep(snap task.Snapshot) {
	s.hub.PublishNow(s.stepOverlay(snap))
	s.say(snap.Step.VoicePrompt)
}

func (s *Server) stepOverlay(snap task.Snapshot) *protocol.Overlay {
	return overlay.StepOverlay(snap, s.settings.Get().ReduceMotion)
}

func (s *Server) say(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := s.speech.Say(text); err != nil {
		s.logger.Debug("prompt not queued", "error", err)
	}
}

func (s *Server) handleNextStep(c *fiber.Ctx) error {
	res, snap, err := s.tasks.Advance(s.gates())
	if err != nil {
		return err
	}
	return c.JSON(s.afterAdvance(res, snap))
}

// afterAdvance notifies renderers of an advance attempt and builds the
// response body.
func (s *Server) afterAdvance(res task.AdvanceResult, snap task.Snapshot) fiber.Map {
	if !res.OK {
		body := fiber.Map{"ok": false, "reason": res.Reason, "time_left": res.TimeLeft}
		if res.Detail != "" {
			body["detail"] = res.Detail
		}
		return body
	}
	if res.Complete {
		s.hub.PublishNow(overlay.Clear())
		s.say(fmt.Sprintf("Great job! You finished %s.", snap.Task.Name))
		return fiber.Map{"ok": true, "task_complete": true, "task_id": snap.Task.ID}
	}
	s.announceStep(snap)
	return fiber.Map{"ok": true, "current_step": snap.CurrentStep, "total_steps": snap.TotalSteps}
}

// handleStopTask is idempotent.
func (s *Server) handleStopTask(c *fiber.Ctx) error {
	t := s.tasks.Stop()
	if t == nil {
		return c.JSON(fiber.Map{"ok": true, "message": "No active task"})
	}
	s.hub.PublishNow(overlay.Clear())
	return c.JSON(fiber.Map{"ok": true, "message": "Stopped " + t.Name})
}

func (s *Server) handleCurrentTask(c *fiber.Ctx) error {
	snap := s.tasks.Snapshot()
	if !snap.Active {
		return c.JSON(fiber.Map{"active": false})
	}
	return c.JSON(fiber.Map{
		"active":       true,
		"task_id":      snap.Task.ID,
		"task_name":    snap.Task.Name,
		"current_step": snap.CurrentStep,
		"total_steps":  snap.TotalSteps,
		"step_title":   snap.Step.Title,
		"time_left_s":  snap.TimeLeft,
		"state":        snap.State,
	})
}

type sessionRequest struct {
	RoutineID string `json:"routine_id"`
	PatientID string `json:"patient_id"`
}

// handleStartSession records a caregiver session and, when a routine is
// named, starts it as a task.
func (s *Server) handleStartSession(c *fiber.Ctx) error {
	var req sessionRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "body must be a JSON object")
		}
	}

	s.hub.PublishNow(s.status())
	if req.RoutineID != "" {
		if _, err := s.startTask(req.RoutineID); err != nil {
			return err
		}
	}

	sess := &Session{
		ID:        uuid.NewString(),
		PatientID: req.PatientID,
		RoutineID: req.RoutineID,
		StartedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	s.logger.Info("session started", "session", sess.ID, "routine", sess.RoutineID)
	return c.JSON(fiber.Map{"status": "started", "session": sess})
}

// handleSessionNext is the operator override: it advances without gates.
func (s *Server) handleSessionNext(c *fiber.Ctx) error {
	res, snap, err := s.tasks.Skip()
	if err != nil {
		return err
	}
	return c.JSON(s.afterAdvance(res, snap))
}

func (s *Server) handleSessionPrev(c *fiber.Ctx) error {
	snap, err := s.tasks.Rewind()
	if err != nil {
		return err
	}
	s.announceStep(snap)
	return c.JSON(fiber.Map{"ok": true, "current_step": snap.CurrentStep, "total_steps": snap.TotalSteps})
}

// handleOverlay relays an operator-supplied message to renderers.
func (s *Server) handleOverlay(c *fiber.Ctx) error {
	msg, err := protocol.Parse(c.Body())
	if err != nil {
		return err
	}
	s.hub.PublishNow(msg)
	s.logger.Info("relayed overlay message", "type", msg.MessageType())
	return c.JSON(fiber.Map{"ok": true})
}

type ttsRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTTS(c *fiber.Ctx) error {
	var req ttsRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "body must be a JSON object")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return fiber.NewError(fiber.StatusBadRequest, "text is required")
	}
	s.say(text)
	s.hub.PublishNow(protocol.NewTTS(text))
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleReplay speaks the current step's prompt again.
func (s *Server) handleReplay(c *fiber.Ctx) error {
	snap := s.tasks.Snapshot()
	if !snap.Active {
		return task.ErrNoActiveTask
	}
	text := snap.Step.VoicePrompt
	if text == "" {
		text = snap.Step.Instruction
	}
	s.say(text)
	s.hub.PublishNow(protocol.NewTTS(text))
	return c.JSON(fiber.Map{"ok": true, "text": text})
}

type coachRequest struct {
	TaskID  string `json:"task_id"`
	StepNum int    `json:"step_num"`
}

// handleCoach returns a tip for the named step, or the current one.
func (s *Server) handleCoach(c *fiber.Ctx) error {
	var req coachRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "body must be a JSON object")
		}
	}

	var step task.Step
	switch {
	case req.TaskID != "":
		t, err := s.tasks.Catalog().Get(req.TaskID)
		if err != nil {
			return err
		}
		num := max(req.StepNum, 1)
		st, ok := t.Step(num)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("task %q has no step %d", t.ID, num))
		}
		step = st
	default:
		snap := s.tasks.Snapshot()
		if !snap.Active {
			return task.ErrNoActiveTask
		}
		step = snap.Step
	}

	tip := task.Coach(step)
	return c.JSON(fiber.Map{
		"coach_tip": tip.CoachTip,
		"source":    tip.Source,
		"step_num":  step.Num,
		"title":     step.Title,
	})
}

func (s *Server) handlePreview(c *fiber.Ctx) error {
	if s.preview == nil {
		return fiber.NewError(fiber.StatusNotFound, "preview unavailable")
	}
	data, ok := s.preview()
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "preview unavailable")
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Type("jpg")
	return c.Send(data)
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(s.camera.GetConfig())
}

// handleUpdateCamera applies a partial camera config; the vision loop
// reopens the device.
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	var params map[string]any
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "body must be a JSON object")
	}
	if err := s.camera.UpdateConfig(params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(s.camera.GetConfig())
}
