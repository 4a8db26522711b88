// Package queue implements the bounded, priority-aware task queue. The
// queue owns a task from enqueue until dequeue, at which point ownership
// passes to the assignment manager. All mutating operations are serialized
// by a FIFO exclusive lock so concurrent producers are admitted in arrival
// order.
package queue

import (
	"time"

	"github.com/arbiterhq/orchestrator/registry"
)

// TaskStatus is a task's position in its lifecycle. Transitions move
// strictly toward a terminal status and never revisit an earlier one.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "QUEUED"
	StatusRouting    TaskStatus = "ROUTING"
	StatusAssigned   TaskStatus = "ASSIGNED"
	StatusExecuting  TaskStatus = "EXECUTING"
	StatusValidating TaskStatus = "VALIDATING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusTimeout    TaskStatus = "TIMEOUT"
	StatusCanceled   TaskStatus = "CANCELED"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	}
	return false
}

// statusRank orders statuses so a transition can be validated as strictly
// forward. Terminal statuses share the highest rank; moving between them is
// rejected like any other backward move.
var statusRank = map[TaskStatus]int{
	StatusQueued:     0,
	StatusRouting:    1,
	StatusAssigned:   2,
	StatusExecuting:  3,
	StatusValidating: 4,
	StatusCompleted:  5,
	StatusFailed:     5,
	StatusTimeout:    5,
	StatusCanceled:   5,
}

// Budget optionally caps the blast radius of a task's changes.
type Budget struct {
	MaxFiles int `json:"max_files,omitempty"`
	MaxLOC   int `json:"max_loc,omitempty"`
}

// Task is one unit of work submitted to the orchestrator.
type Task struct {
	TaskID               string                      `json:"task_id"`
	Type                 string                      `json:"type"`
	Description          string                      `json:"description,omitempty"`
	Priority             int                         `json:"priority"`
	TimeoutMs            int64                       `json:"timeout_ms"`
	MaxAttempts          int                         `json:"max_attempts"`
	RequiredCapabilities *registry.AgentCapabilities `json:"required_capabilities,omitempty"`
	Budget               *Budget                     `json:"budget,omitempty"`
	CreatedAt            time.Time                   `json:"created_at"`
	Metadata             map[string]interface{}      `json:"metadata,omitempty"`
}

// RoutingAttempt records one routing of the task for TaskState history.
type RoutingAttempt struct {
	DecisionID string    `json:"decision_id"`
	AgentID    string    `json:"agent_id"`
	At         time.Time `json:"at"`
}

// TaskState is the queue's mutable envelope around a task.
type TaskState struct {
	Task           *Task            `json:"task"`
	Status         TaskStatus       `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"max_attempts"`
	RoutingHistory []RoutingAttempt `json:"routing_history,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// Stats is the queue's counters snapshot.
type Stats struct {
	Depth             int                `json:"depth"`
	MaxDepth          int                `json:"max_depth"`
	TotalEnqueued     int64              `json:"total_enqueued"`
	TotalDequeued     int64              `json:"total_dequeued"`
	TotalCanceled     int64              `json:"total_canceled"`
	PriorityHistogram map[int]int64      `json:"priority_histogram"`
	StatusHistogram   map[TaskStatus]int `json:"status_histogram"`
}

// Policy selects how effective priority is computed at enqueue time.
type Policy string

const (
	// PolicyFIFO orders strictly by arrival.
	PolicyFIFO Policy = "fifo"
	// PolicyPriority orders by the task's declared priority.
	PolicyPriority Policy = "priority"
	// PolicyDeadline blends declared priority with urgency as the task's
	// deadline approaches.
	PolicyDeadline Policy = "deadline"
)
