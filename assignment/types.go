// Package assignment tracks a routed task through acknowledgment, progress,
// and terminal completion/failure/timeout. The manager owns each live
// assignment until it reaches a terminal status, then drops the reference
// and folds the outcome into its statistics.
package assignment

import (
	"time"

	"github.com/arbiterhq/orchestrator/queue"
	"github.com/arbiterhq/orchestrator/routing"
)

// Status is an assignment's lifecycle position.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Assignment binds a task to the agent chosen for it, with the lifecycle
// fields the manager maintains.
type Assignment struct {
	ID             string                 `json:"id"`
	Task           *queue.Task            `json:"task"`
	AgentID        string                 `json:"agent_id"`
	Decision       *routing.Decision      `json:"decision"`
	AssignedAt     time.Time              `json:"assigned_at"`
	Deadline       time.Time              `json:"deadline"`
	Status         Status                 `json:"status"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Progress       float64                `json:"progress"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Result is what an agent reports on successful completion.
type Result struct {
	Quality   float64
	LatencyMs float64
	Output    map[string]interface{}
}

// Stats snapshots the manager's counters. TotalCreated always equals
// Completed + Failed + Timeout + Active + Reassigned.
type Stats struct {
	TotalCreated      int64   `json:"total_created"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	Timeout           int64   `json:"timeout"`
	Reassigned        int64   `json:"reassigned"`
	Active            int     `json:"active"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	SuccessRate       float64 `json:"success_rate"`
}
