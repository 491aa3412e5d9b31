package task

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-mirror/internal/log"
)

// Manager owns the single process-wide session. Starting a task while
// another runs replaces it: last start wins, and the replacement is
// logged. All methods are safe for concurrent use.
type Manager struct {
	catalog *Catalog
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	session   *Session
	allowSkip bool
	waive     bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithAllowSkip lets Advance bypass every gate.
func WithAllowSkip(on bool) ManagerOption {
	return func(m *Manager) { m.allowSkip = on }
}

// WithCameraWaiver sets whether marker and motion gates are waived while
// the camera is not live. Defaults to true.
func WithCameraWaiver(on bool) ManagerOption {
	return func(m *Manager) { m.waive = on }
}

// NewManager creates a manager over catalog with no active session.
func NewManager(catalog *Catalog, opts ...ManagerOption) *Manager {
	m := &Manager{
		catalog: catalog,
		now:     time.Now,
		waive:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Component("task")
	}
	return m
}

// Catalog returns the catalog the manager starts tasks from.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// StartResult describes a successful start.
type StartResult struct {
	Snapshot Snapshot
	// Replaced is the id of the session this start displaced, if any.
	Replaced string
}

// Start begins task id. An unknown id returns *NotFoundError and leaves
// the current session untouched.
func (m *Manager) Start(id string) (StartResult, error) {
	t, err := m.catalog.Get(id)
	if err != nil {
		return StartResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res StartResult
	if m.session != nil && m.session.State() == StateRunning {
		res.Replaced = m.session.Task().ID
		m.logger.Info("replacing active task", "previous", res.Replaced, "next", id)
	}

	s := NewSession(t, m.logger)
	s.AllowSkip = m.allowSkip
	s.WaiveWithoutCamera = m.waive
	now := m.now()
	s.Start(now)
	m.session = s

	m.logger.Info("task started", "task", id, "steps", len(t.Steps))
	res.Snapshot = s.Snapshot(now)
	return res, nil
}

// Advance tries to move the active session forward. On completion the
// session is cleared.
func (m *Manager) Advance(g Gates) (AdvanceResult, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(g, false)
}

// Skip advances the active session without checking its gates. It is
// the operator override.
func (m *Manager) Skip() (AdvanceResult, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(Gates{}, true)
}

func (m *Manager) advanceLocked(g Gates, force bool) (AdvanceResult, Snapshot, error) {
	if m.session == nil {
		return AdvanceResult{}, Snapshot{}, ErrNoActiveTask
	}
	now := m.now()
	skip := m.session.AllowSkip
	m.session.AllowSkip = skip || force
	res := m.session.Advance(now, g)
	m.session.AllowSkip = skip

	snap := m.session.Snapshot(now)
	if res.Complete {
		m.logger.Info("task complete", "task", m.session.Task().ID)
		m.session = nil
	} else if res.OK {
		m.logger.Info("step advanced", "task", snap.Task.ID, "step", snap.CurrentStep, "forced", force)
	}
	return res, snap, nil
}

// Rewind moves the active session back one step.
func (m *Manager) Rewind() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return Snapshot{}, ErrNoActiveTask
	}
	now := m.now()
	m.session.Rewind(now)
	return m.session.Snapshot(now), nil
}

// Check evaluates the current step's gates without advancing.
func (m *Manager) Check(g Gates) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return false, ErrNoActiveTask.Error()
	}
	return m.session.CheckStepComplete(m.now(), g)
}

// Stop clears the active session. It returns the stopped task, or nil
// when nothing was running; calling it twice is harmless.
func (m *Manager) Stop() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	t := m.session.Task()
	m.session.Stop()
	m.session = nil
	m.logger.Info("task stopped", "task", t.ID)
	return t
}

// Snapshot returns a copy of the active session, or one with Active false.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return Snapshot{State: StateIdle}
	}
	return m.session.Snapshot(m.now())
}

// SetCameraWaiver changes the waiver for new sessions and the active one.
func (m *Manager) SetCameraWaiver(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waive = on
	if m.session != nil {
		m.session.WaiveWithoutCamera = on
	}
}
