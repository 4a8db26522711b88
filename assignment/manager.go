package assignment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/eventbus"
	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/queue"
	"github.com/arbiterhq/orchestrator/routing"
)

// TimeoutCallback is invoked when an assignment times out waiting for an
// acknowledgment or for progress. It runs outside the assignment's lock.
type TimeoutCallback func(a *Assignment)

// Store is the optional persistence adapter for assignment rows.
type Store interface {
	SaveAssignment(ctx context.Context, a *Assignment) error
}

// Config wires the manager's collaborators and timeout policy.
type Config struct {
	// AcknowledgmentTimeout is how long an agent has to acknowledge a new
	// assignment before it is timed out.
	AcknowledgmentTimeout time.Duration

	// ProgressCheckInterval is how often an executing assignment is checked
	// against MaxAssignmentDuration. Each progress update restarts this
	// interval; the check itself measures elapsed time from StartedAt.
	ProgressCheckInterval time.Duration

	// MaxAssignmentDuration bounds total execution time from start.
	MaxAssignmentDuration time.Duration

	Logger logger.Logger
	Bus    *eventbus.Bus
	Store  Store // nil disables persistence
}

// tracked wraps one live assignment with its timers and lock. Mutations on
// a single assignment serialize on mu; different assignments proceed in
// parallel.
type tracked struct {
	mu                sync.Mutex
	a                 *Assignment
	ackTimer          *time.Timer
	progressTimer     *time.Timer
	onProgressTimeout TimeoutCallback
}

// Manager owns every live assignment.
type Manager struct {
	mu          sync.RWMutex
	assignments map[string]*tracked

	cfg Config
	log logger.Logger

	statsMu       sync.Mutex
	totalCreated  int64
	completed     int64
	failed        int64
	timedOut      int64
	reassigned    int64
	avgDurationMs float64
}

// NewManager builds an assignment manager.
func NewManager(cfg Config) *Manager {
	if cfg.AcknowledgmentTimeout <= 0 {
		cfg.AcknowledgmentTimeout = 30 * time.Second
	}
	if cfg.ProgressCheckInterval <= 0 {
		cfg.ProgressCheckInterval = 15 * time.Second
	}
	if cfg.MaxAssignmentDuration <= 0 {
		cfg.MaxAssignmentDuration = 10 * time.Minute
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NoOp{}
	}
	return &Manager{
		assignments: make(map[string]*tracked),
		cfg:         cfg,
		log:         lg.WithComponent("arbiter/assignment"),
	}
}

// CreateAssignment builds and tracks a new assignment for a routed task,
// arming the acknowledgment timer. The optional callbacks fire when the
// corresponding timeout is declared.
func (m *Manager) CreateAssignment(ctx context.Context, t *queue.Task, decision *routing.Decision, onAckTimeout, onProgressTimeout TimeoutCallback) (*Assignment, error) {
	if t == nil || decision == nil {
		return nil, core.New("assignment.CreateAssignment", core.KindPrecondition, nil, "task and decision are required")
	}

	now := time.Now()
	a := &Assignment{
		ID:         core.NewID("assignment"),
		Task:       t,
		AgentID:    decision.SelectedAgent,
		Decision:   decision,
		AssignedAt: now,
		Deadline:   now.Add(m.cfg.MaxAssignmentDuration),
		Status:     StatusPending,
		Metadata:   map[string]interface{}{},
	}
	tr := &tracked{a: a, onProgressTimeout: onProgressTimeout}

	m.mu.Lock()
	m.assignments[a.ID] = tr
	m.mu.Unlock()

	m.statsMu.Lock()
	m.totalCreated++
	m.statsMu.Unlock()

	tr.mu.Lock()
	tr.ackTimer = time.AfterFunc(m.cfg.AcknowledgmentTimeout, func() {
		m.handleAckTimeout(a.ID, onAckTimeout)
	})
	tr.mu.Unlock()

	m.persist(ctx, m.snapshot(tr))
	m.emit(eventbus.Event{
		Type:    eventbus.TypeTaskAssigned,
		Source:  "assignment",
		TaskID:  t.TaskID,
		AgentID: a.AgentID,
		Metadata: map[string]interface{}{
			"assignment_id": a.ID,
			"deadline":      a.Deadline,
		},
	})

	return m.snapshot(tr), nil
}

// Acknowledge records the agent's acceptance: the ack timer is disarmed, the
// assignment moves to EXECUTING, and the rolling progress check starts.
func (m *Manager) Acknowledge(ctx context.Context, assignmentID string) error {
	tr, err := m.trackedFor("assignment.Acknowledge", assignmentID)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	a := tr.a
	if a.AcknowledgedAt != nil {
		tr.mu.Unlock()
		return core.New("assignment.Acknowledge", core.KindPrecondition, nil, "already acknowledged").WithID(assignmentID)
	}
	if a.Status.Terminal() {
		tr.mu.Unlock()
		return core.New("assignment.Acknowledge", core.KindPrecondition, core.ErrInvalidTransition, "assignment is terminal").WithID(assignmentID)
	}
	if tr.ackTimer != nil {
		tr.ackTimer.Stop()
		tr.ackTimer = nil
	}
	now := time.Now()
	a.AcknowledgedAt = &now
	a.StartedAt = &now
	a.Status = StatusExecuting

	cb := tr.onProgressTimeout
	tr.progressTimer = time.AfterFunc(m.cfg.ProgressCheckInterval, func() {
		m.checkProgress(assignmentID, cb)
	})
	tr.mu.Unlock()

	m.persist(ctx, m.snapshot(tr))
	m.emit(eventbus.Event{
		Type:    eventbus.TypeTaskAcked,
		Source:  "assignment",
		TaskID:  tr.a.Task.TaskID,
		AgentID: tr.a.AgentID,
	})
	return nil
}

// UpdateProgress records forward motion from the agent and resets the
// rolling progress check. progress must be within [0,1].
func (m *Manager) UpdateProgress(ctx context.Context, assignmentID string, progress float64, metadata map[string]interface{}) error {
	if progress < 0 || progress > 1 {
		return core.New("assignment.UpdateProgress", core.KindPrecondition, nil,
			fmt.Sprintf("progress %.3f outside [0,1]", progress)).WithID(assignmentID)
	}
	tr, err := m.trackedFor("assignment.UpdateProgress", assignmentID)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	a := tr.a
	if a.AcknowledgedAt == nil {
		tr.mu.Unlock()
		return core.New("assignment.UpdateProgress", core.KindPrecondition, nil, "not yet acknowledged").WithID(assignmentID)
	}
	if a.Status.Terminal() {
		tr.mu.Unlock()
		return core.New("assignment.UpdateProgress", core.KindPrecondition, core.ErrInvalidTransition, "assignment is terminal").WithID(assignmentID)
	}
	a.Progress = progress
	for k, v := range metadata {
		a.Metadata[k] = v
	}
	if tr.progressTimer != nil {
		tr.progressTimer.Reset(m.cfg.ProgressCheckInterval)
	}
	taskID, agentID := a.Task.TaskID, a.AgentID
	tr.mu.Unlock()

	m.emit(eventbus.Event{
		Type:     eventbus.TypeTaskProgress,
		Source:   "assignment",
		TaskID:   taskID,
		AgentID:  agentID,
		Metadata: map[string]interface{}{"progress": progress},
	})
	return nil
}

// CompleteAssignment terminates the assignment successfully, cancels its
// timers, folds the duration into the running average, and drops it.
func (m *Manager) CompleteAssignment(ctx context.Context, assignmentID string, result Result) (*Assignment, error) {
	tr, err := m.trackedFor("assignment.CompleteAssignment", assignmentID)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	a := tr.a
	if a.Status.Terminal() {
		tr.mu.Unlock()
		return nil, core.New("assignment.CompleteAssignment", core.KindPrecondition, core.ErrInvalidTransition, "assignment is terminal").WithID(assignmentID)
	}
	m.cancelTimersLocked(tr)
	now := time.Now()
	a.Status = StatusCompleted
	a.CompletedAt = &now
	a.Progress = 1
	if result.Output != nil {
		a.Metadata["result"] = result.Output
	}
	final := m.snapshotLocked(tr)
	tr.mu.Unlock()

	m.drop(assignmentID)
	m.statsMu.Lock()
	m.completed++
	duration := float64(final.CompletedAt.Sub(final.AssignedAt).Milliseconds())
	finished := m.completed + m.failed + m.timedOut
	m.avgDurationMs += (duration - m.avgDurationMs) / float64(finished)
	m.statsMu.Unlock()

	m.persist(ctx, final)
	m.emit(eventbus.Event{
		Type:    eventbus.TypeTaskCompleted,
		Source:  "assignment",
		TaskID:  final.Task.TaskID,
		AgentID: final.AgentID,
		Metadata: map[string]interface{}{
			"assignment_id": final.ID,
			"duration_ms":   duration,
			"quality":       result.Quality,
		},
	})
	return final, nil
}

// FailAssignment terminates the assignment as failed. When canRetry is true
// the assignment counts as a reassignment rather than a failure, and the
// caller is expected to re-route the task. The manager does not count
// attempts: the caller passes canRetry only when the task has attempts left.
func (m *Manager) FailAssignment(ctx context.Context, assignmentID, errMessage, errCode string, canRetry bool) (*Assignment, bool, error) {
	tr, err := m.trackedFor("assignment.FailAssignment", assignmentID)
	if err != nil {
		return nil, false, err
	}

	tr.mu.Lock()
	a := tr.a
	if a.Status.Terminal() {
		tr.mu.Unlock()
		return nil, false, core.New("assignment.FailAssignment", core.KindPrecondition, core.ErrInvalidTransition, "assignment is terminal").WithID(assignmentID)
	}
	m.cancelTimersLocked(tr)
	now := time.Now()
	a.Status = StatusFailed
	a.CompletedAt = &now
	a.ErrorMessage = errMessage
	a.ErrorCode = errCode
	final := m.snapshotLocked(tr)
	tr.mu.Unlock()

	m.drop(assignmentID)

	// MaxAttempts is judged against how many times the task has been routed
	// so far; the routing history lives on the queue's TaskState, which the
	// caller consults. The manager only tracks whether a retry is possible.
	willReassign := canRetry

	m.statsMu.Lock()
	if willReassign {
		m.reassigned++
	} else {
		m.failed++
		duration := float64(final.CompletedAt.Sub(final.AssignedAt).Milliseconds())
		finished := m.completed + m.failed + m.timedOut
		m.avgDurationMs += (duration - m.avgDurationMs) / float64(finished)
	}
	m.statsMu.Unlock()

	m.persist(ctx, final)
	m.emit(eventbus.Event{
		Type:    eventbus.TypeTaskFailed,
		Source:  "assignment",
		TaskID:  final.Task.TaskID,
		AgentID: final.AgentID,
		Metadata: map[string]interface{}{
			"assignment_id": final.ID,
			"error":         errMessage,
			"error_code":    errCode,
			"will_retry":    willReassign,
		},
	})
	return final, willReassign, nil
}

// TimeoutAssignment terminates the assignment as timed out.
func (m *Manager) TimeoutAssignment(ctx context.Context, assignmentID, reason string) (*Assignment, error) {
	tr, err := m.trackedFor("assignment.TimeoutAssignment", assignmentID)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	a := tr.a
	if a.Status.Terminal() {
		tr.mu.Unlock()
		return nil, core.New("assignment.TimeoutAssignment", core.KindPrecondition, core.ErrInvalidTransition, "assignment is terminal").WithID(assignmentID)
	}
	m.cancelTimersLocked(tr)
	now := time.Now()
	a.Status = StatusTimeout
	a.CompletedAt = &now
	a.ErrorMessage = reason
	a.ErrorCode = "TIMEOUT"
	final := m.snapshotLocked(tr)
	tr.mu.Unlock()

	m.drop(assignmentID)
	m.statsMu.Lock()
	m.timedOut++
	duration := float64(final.CompletedAt.Sub(final.AssignedAt).Milliseconds())
	finished := m.completed + m.failed + m.timedOut
	m.avgDurationMs += (duration - m.avgDurationMs) / float64(finished)
	m.statsMu.Unlock()

	m.persist(ctx, final)
	m.emit(eventbus.Event{
		Type:    eventbus.TypeTaskTimeout,
		Source:  "assignment",
		TaskID:  final.Task.TaskID,
		AgentID: final.AgentID,
		Metadata: map[string]interface{}{
			"assignment_id": final.ID,
			"reason":        reason,
		},
	})
	return final, nil
}

// GetAssignment returns a snapshot of a live assignment.
func (m *Manager) GetAssignment(assignmentID string) (*Assignment, error) {
	tr, err := m.trackedFor("assignment.GetAssignment", assignmentID)
	if err != nil {
		return nil, err
	}
	return m.snapshot(tr), nil
}

// ActiveCount reports how many assignments are currently tracked.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assignments)
}

// GetStats snapshots the manager's counters.
func (m *Manager) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s := Stats{
		TotalCreated:      m.totalCreated,
		Completed:         m.completed,
		Failed:            m.failed,
		Timeout:           m.timedOut,
		Reassigned:        m.reassigned,
		Active:            m.ActiveCount(),
		AverageDurationMs: m.avgDurationMs,
	}
	if finished := m.completed + m.failed + m.timedOut; finished > 0 {
		s.SuccessRate = float64(m.completed) / float64(finished)
	}
	return s
}

// Shutdown cancels every timer and fails every live assignment with a
// system-shutdown error. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.assignments))
	for id := range m.assignments {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, _, err := m.FailAssignment(ctx, id, "System shutdown", "SHUTDOWN", false); err != nil && !core.IsNotFound(err) {
			m.log.Warn("failing assignment during shutdown", logger.F("assignment_id", id, "error", err.Error()))
		}
	}
	m.log.Info("assignment manager drained", logger.F("drained", len(ids)))
}

func (m *Manager) handleAckTimeout(assignmentID string, cb TimeoutCallback) {
	a, err := m.TimeoutAssignment(context.Background(), assignmentID, "acknowledgment timeout")
	if err != nil {
		// Already terminal or gone; the race was won by a real transition.
		return
	}
	m.log.Warn("assignment acknowledgment timed out", logger.F(
		"assignment_id", assignmentID,
		"agent_id", a.AgentID,
	))
	if cb != nil {
		cb(a)
	}
}

func (m *Manager) checkProgress(assignmentID string, cb TimeoutCallback) {
	tr, err := m.trackedFor("assignment.checkProgress", assignmentID)
	if err != nil {
		return
	}

	tr.mu.Lock()
	a := tr.a
	if a.Status.Terminal() || a.StartedAt == nil {
		tr.mu.Unlock()
		return
	}
	overdue := time.Since(*a.StartedAt) > m.cfg.MaxAssignmentDuration
	if !overdue && tr.progressTimer != nil {
		tr.progressTimer.Reset(m.cfg.ProgressCheckInterval)
	}
	tr.mu.Unlock()

	if !overdue {
		return
	}
	timedOut, err := m.TimeoutAssignment(context.Background(), assignmentID, "max assignment duration exceeded")
	if err != nil {
		return
	}
	m.log.Warn("assignment exceeded max duration", logger.F(
		"assignment_id", assignmentID,
		"agent_id", timedOut.AgentID,
	))
	if cb != nil {
		cb(timedOut)
	}
}

func (m *Manager) cancelTimersLocked(tr *tracked) {
	if tr.ackTimer != nil {
		tr.ackTimer.Stop()
		tr.ackTimer = nil
	}
	if tr.progressTimer != nil {
		tr.progressTimer.Stop()
		tr.progressTimer = nil
	}
}

func (m *Manager) trackedFor(op, assignmentID string) (*tracked, error) {
	m.mu.RLock()
	tr, ok := m.assignments[assignmentID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.New(op, core.KindNotFound, core.ErrNotFound, "assignment not found").WithID(assignmentID)
	}
	return tr, nil
}

func (m *Manager) drop(assignmentID string) {
	m.mu.Lock()
	delete(m.assignments, assignmentID)
	m.mu.Unlock()
}

func (m *Manager) snapshot(tr *tracked) *Assignment {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return m.snapshotLocked(tr)
}

func (m *Manager) snapshotLocked(tr *tracked) *Assignment {
	c := *tr.a
	c.Metadata = make(map[string]interface{}, len(tr.a.Metadata))
	for k, v := range tr.a.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (m *Manager) persist(ctx context.Context, a *Assignment) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveAssignment(ctx, a); err != nil {
		m.log.Warn("persisting assignment failed", logger.F("assignment_id", a.ID, "error", err.Error()))
	}
}

func (m *Manager) emit(e eventbus.Event) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(e)
	}
}
