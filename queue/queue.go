package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/eventbus"
	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/security"
)

// Store is the queue's persistence adapter. When configured, enqueue and
// every status change write through before the queue lock is released; the
// attempt counter and routing history updated by RecordRouting are kept in
// memory only.
type Store interface {
	// SaveTask upserts the full task row. Called on enqueue.
	SaveTask(ctx context.Context, st *TaskState) error
	// UpdateStatus sets the status column and bumps updated_at.
	UpdateStatus(ctx context.Context, taskID string, status TaskStatus, lastError string) error
	// LoadQueued returns rows with status QUEUED ordered by
	// (priority DESC, created_at ASC) for startup replay.
	LoadQueued(ctx context.Context) ([]*TaskState, error)
}

// Config wires the queue's collaborators and tunables.
type Config struct {
	// MaxCapacity bounds the number of queued tasks. Default 1000.
	MaxCapacity int

	// Policy selects the effective-priority computation. Default priority.
	Policy Policy

	// DefaultTimeout is applied to tasks enqueued without one. Default 5m.
	DefaultTimeout time.Duration

	// DefaultMaxAttempts is applied to tasks enqueued without one. Default 3.
	DefaultMaxAttempts int

	Logger   logger.Logger
	Bus      *eventbus.Bus
	Store    Store             // nil disables persistence
	Security *security.Context // nil disables credentialed enqueue checks
}

// queueEntry is one position in the ordered queue. Effective priority is
// fixed at enqueue time; ties break by creation time ascending.
type queueEntry struct {
	taskID    string
	effective float64
	createdAt time.Time
}

// TaskQueue is the bounded priority queue. Mutations are serialized by a
// FIFO exclusive lock so concurrent producers are served in arrival order.
type TaskQueue struct {
	lock    *core.FIFOLock
	entries []queueEntry
	states  map[string]*TaskState

	cfg Config
	log logger.Logger

	depth           int
	maxDepth        int
	totalEnqueued   int64
	totalDequeued   int64
	totalCanceled   int64
	priorityHist    map[int]int64
}

// New builds a queue and, when a Store is configured, replays persisted
// QUEUED rows so work submitted before a restart is not lost.
func New(ctx context.Context, cfg Config) (*TaskQueue, error) {
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 1000
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyPriority
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NoOp{}
	}
	q := &TaskQueue{
		lock:         core.NewFIFOLock(),
		states:       make(map[string]*TaskState),
		cfg:          cfg,
		log:          lg.WithComponent("arbiter/queue"),
		priorityHist: make(map[int]int64),
	}

	if cfg.Store != nil {
		replayed, err := cfg.Store.LoadQueued(ctx)
		if err != nil {
			return nil, core.New("queue.New", core.KindTransientIO, err, "replaying queued tasks").Retry()
		}
		for _, st := range replayed {
			q.states[st.Task.TaskID] = st
			q.insert(queueEntry{
				taskID:    st.Task.TaskID,
				effective: q.effectivePriority(st.Task, time.Now()),
				createdAt: st.Task.CreatedAt,
			})
			q.depth++
			q.totalEnqueued++
			q.priorityHist[st.Task.Priority]++
		}
		if q.depth > q.maxDepth {
			q.maxDepth = q.depth
		}
		if len(replayed) > 0 {
			q.log.Info("replayed queued tasks from store", logger.F("count", len(replayed)))
		}
	}
	return q, nil
}

// effectivePriority computes the ordering key under the configured policy.
func (q *TaskQueue) effectivePriority(t *Task, now time.Time) float64 {
	switch q.cfg.Policy {
	case PolicyFIFO:
		return -float64(t.CreatedAt.UnixNano())
	case PolicyDeadline:
		deadline := t.CreatedAt.Add(time.Duration(t.TimeoutMs) * time.Millisecond)
		urgency := 1 - deadline.Sub(now).Hours()/24
		if urgency < 0 {
			urgency = 0
		}
		if urgency > 1 {
			urgency = 1
		}
		return float64(t.Priority) + urgency*10
	default:
		return float64(t.Priority)
	}
}

// insert places e preserving descending effective priority, ties broken by
// creation time ascending.
func (q *TaskQueue) insert(e queueEntry) {
	idx := sort.Search(len(q.entries), func(i int) bool {
		if q.entries[i].effective != e.effective {
			return q.entries[i].effective < e.effective
		}
		return q.entries[i].createdAt.After(e.createdAt)
	})
	q.entries = append(q.entries, queueEntry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
}

// Enqueue admits a task. It fails with a saturation error at capacity and a
// precondition error on invalid input. When persistence is enabled and the
// write-through fails, the in-memory insert is rolled back and the failure
// surfaces to the caller.
func (q *TaskQueue) Enqueue(ctx context.Context, t *Task) error {
	if t == nil || t.TaskID == "" || t.Type == "" {
		return core.New("queue.Enqueue", core.KindPrecondition, nil, "task_id and type are required")
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	if q.depth >= q.cfg.MaxCapacity {
		return core.New("queue.Enqueue", core.KindSaturation, core.ErrCapacityExceeded,
			fmt.Sprintf("queue at capacity (%d)", q.cfg.MaxCapacity))
	}
	if _, exists := q.states[t.TaskID]; exists {
		return core.New("queue.Enqueue", core.KindPrecondition, core.ErrAlreadyExists,
			"task already known").WithID(t.TaskID)
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.TimeoutMs <= 0 {
		t.TimeoutMs = q.cfg.DefaultTimeout.Milliseconds()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = q.cfg.DefaultMaxAttempts
	}

	st := &TaskState{
		Task:        t,
		Status:      StatusQueued,
		Attempts:    0,
		MaxAttempts: t.MaxAttempts,
		EnqueuedAt:  now,
	}
	q.states[t.TaskID] = st
	q.insert(queueEntry{taskID: t.TaskID, effective: q.effectivePriority(t, now), createdAt: t.CreatedAt})
	q.depth++
	if q.depth > q.maxDepth {
		q.maxDepth = q.depth
	}
	q.totalEnqueued++
	q.priorityHist[t.Priority]++

	if q.cfg.Store != nil {
		if err := q.cfg.Store.SaveTask(ctx, st); err != nil {
			// Roll back: an unpersisted task must not be routable.
			q.removeEntry(t.TaskID)
			delete(q.states, t.TaskID)
			q.depth--
			q.totalEnqueued--
			q.priorityHist[t.Priority]--
			return core.New("queue.Enqueue", core.KindTransientIO, err, "persisting task").WithID(t.TaskID).Retry()
		}
	}

	q.emit(eventbus.Event{
		Type:   eventbus.TypeTaskEnqueued,
		Source: "queue",
		TaskID: t.TaskID,
		Metadata: map[string]interface{}{
			"type":     t.Type,
			"priority": t.Priority,
			"depth":    q.depth,
		},
	})
	return nil
}

// EnqueueWithCredentials runs the security gate (authn, submit:task
// permission, per-actor rate limit) and sanitizes caller-supplied text
// before admitting the task.
func (q *TaskQueue) EnqueueWithCredentials(ctx context.Context, t *Task, cred security.Credentials) error {
	if q.cfg.Security != nil {
		if _, err := q.cfg.Security.Authorize(cred, security.PermSubmitTask); err != nil {
			return err
		}
	}
	if t != nil {
		t.Description = sanitizeText(t.Description)
	}
	return q.Enqueue(ctx, t)
}

// sanitizeText strips control characters from caller-supplied strings so
// they are safe to log and persist.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// Dequeue pops the highest-priority task, transitions it QUEUED -> ROUTING,
// and returns its state. Returns nil on an empty queue.
func (q *TaskQueue) Dequeue(ctx context.Context) (*TaskState, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.entries) == 0 {
		return nil, nil
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	st := q.states[head.taskID]
	if st == nil {
		// Map and queue disagree; this should be impossible.
		q.log.Error("queued entry without state", logger.F("task_id", head.taskID))
		return nil, core.New("queue.Dequeue", core.KindFatal, nil, "queue entry without state").WithID(head.taskID)
	}

	st.Status = StatusRouting
	q.depth--
	q.totalDequeued++
	if q.depth < 0 {
		q.log.Error("queue depth went negative", logger.F("depth", q.depth))
		q.depth = 0
	}

	if q.cfg.Store != nil {
		if err := q.cfg.Store.UpdateStatus(ctx, st.Task.TaskID, StatusRouting, ""); err != nil {
			q.log.Warn("persisting dequeue failed", logger.F("task_id", st.Task.TaskID, "error", err.Error()))
		}
	}

	wait := time.Since(st.EnqueuedAt)
	q.emit(eventbus.Event{
		Type:   eventbus.TypeTaskDequeued,
		Source: "queue",
		TaskID: st.Task.TaskID,
		Metadata: map[string]interface{}{
			"wait_ms": wait.Milliseconds(),
			"depth":   q.depth,
		},
	})
	return st, nil
}

// Peek returns the state of the highest-priority task without removing it.
func (q *TaskQueue) Peek() *TaskState {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.states[q.entries[0].taskID]
}

// Clear cancels every queued task and resets the queue's depth. Tasks that
// were already dequeued are untouched.
func (q *TaskQueue) Clear(ctx context.Context) int {
	q.lock.Lock()
	defer q.lock.Unlock()

	cleared := 0
	for _, e := range q.entries {
		st := q.states[e.taskID]
		if st == nil || st.Status != StatusQueued {
			continue
		}
		st.Status = StatusCanceled
		st.LastError = "Queue cleared"
		now := time.Now()
		st.CompletedAt = &now
		cleared++
		if q.cfg.Store != nil {
			if err := q.cfg.Store.UpdateStatus(ctx, e.taskID, StatusCanceled, "Queue cleared"); err != nil {
				q.log.Warn("persisting clear failed", logger.F("task_id", e.taskID, "error", err.Error()))
			}
		}
	}
	q.entries = nil
	q.depth = 0
	q.totalCanceled += int64(cleared)
	q.log.Info("queue cleared", logger.F("canceled", cleared))
	return cleared
}

// UpdateTaskStatus advances a task's lifecycle. Transitions must be strictly
// forward; a backward or terminal-to-terminal move is rejected. Timestamps
// are stamped on ASSIGNED (started) and on terminal statuses (completed).
func (q *TaskQueue) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, lastError string) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	st, ok := q.states[taskID]
	if !ok {
		return core.New("queue.UpdateTaskStatus", core.KindNotFound, core.ErrNotFound, "task not found").WithID(taskID)
	}
	fromRank, okFrom := statusRank[st.Status]
	toRank, okTo := statusRank[status]
	if !okTo {
		return core.New("queue.UpdateTaskStatus", core.KindPrecondition, nil,
			fmt.Sprintf("unknown status %q", status)).WithID(taskID)
	}
	if !okFrom || toRank <= fromRank {
		return core.New("queue.UpdateTaskStatus", core.KindPrecondition, core.ErrInvalidTransition,
			fmt.Sprintf("cannot move %s -> %s", st.Status, status)).WithID(taskID)
	}

	st.Status = status
	st.LastError = lastError
	now := time.Now()
	if status == StatusAssigned {
		st.StartedAt = &now
	}
	if status.Terminal() {
		st.CompletedAt = &now
	}

	if q.cfg.Store != nil {
		if err := q.cfg.Store.UpdateStatus(ctx, taskID, status, lastError); err != nil {
			q.log.Warn("persisting status update failed", logger.F("task_id", taskID, "error", err.Error()))
		}
	}
	return nil
}

// RecordRouting appends one routing attempt to the task's history and bumps
// its attempt counter.
func (q *TaskQueue) RecordRouting(taskID, decisionID, agentID string) {
	q.lock.Lock()
	defer q.lock.Unlock()
	st, ok := q.states[taskID]
	if !ok {
		return
	}
	st.Attempts++
	st.RoutingHistory = append(st.RoutingHistory, RoutingAttempt{
		DecisionID: decisionID,
		AgentID:    agentID,
		At:         time.Now(),
	})
}

// GetState returns the tracked state for taskID, or nil if unknown.
func (q *TaskQueue) GetState(taskID string) *TaskState {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.states[taskID]
}

func (q *TaskQueue) removeEntry(taskID string) {
	for i, e := range q.entries {
		if e.taskID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// GetStats snapshots the queue's counters.
func (q *TaskQueue) GetStats() Stats {
	q.lock.Lock()
	defer q.lock.Unlock()

	s := Stats{
		Depth:             q.depth,
		MaxDepth:          q.maxDepth,
		TotalEnqueued:     q.totalEnqueued,
		TotalDequeued:     q.totalDequeued,
		TotalCanceled:     q.totalCanceled,
		PriorityHistogram: make(map[int]int64, len(q.priorityHist)),
		StatusHistogram:   make(map[TaskStatus]int),
	}
	for p, n := range q.priorityHist {
		s.PriorityHistogram[p] = n
	}
	for _, st := range q.states {
		s.StatusHistogram[st.Status]++
	}
	return s
}

func (q *TaskQueue) emit(e eventbus.Event) {
	if q.cfg.Bus != nil {
		q.cfg.Bus.Emit(e)
	}
}
