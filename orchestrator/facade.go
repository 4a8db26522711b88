package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/queue"
	"github.com/arbiterhq/orchestrator/registry"
	"github.com/arbiterhq/orchestrator/routing"
)

// This file is the protocol façade: the operations an MCP/RPC/CLI adapter
// maps requests onto. The adapters themselves live outside the core; they
// translate wire shapes into these calls and back.

// TaskSpec is the wire shape of a submitted task.
type TaskSpec struct {
	TaskID               string                      `json:"task_id,omitempty"`
	Type                 string                      `json:"type"`
	Description          string                      `json:"description"`
	Priority             int                         `json:"priority"`
	TimeoutMs            int64                       `json:"timeout_ms,omitempty"`
	MaxAttempts          int                         `json:"max_attempts,omitempty"`
	RequiredCapabilities *registry.AgentCapabilities `json:"required_capabilities,omitempty"`
	Budget               *queue.Budget               `json:"budget,omitempty"`
	AcceptanceCriteria   []string                    `json:"acceptance_criteria,omitempty"`
	Metadata             map[string]interface{}      `json:"metadata,omitempty"`
}

// ValidationResult reports how a task spec holds up before ingestion.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	DurationMs  float64  `json:"duration_ms"`
}

// knownTaskTypes is the vocabulary the validator recognizes. Unknown types
// are warned about, not rejected: the registry is the real authority on
// what agents can do.
var knownTaskTypes = map[string]struct{}{
	"code-editing": {}, "code-review": {}, "testing": {}, "refactoring": {},
	"documentation": {}, "debugging": {}, "analysis": {}, "migration": {},
}

// Validate checks a task spec for structural problems before ingestion.
func (o *Orchestrator) Validate(spec *TaskSpec) *ValidationResult {
	start := time.Now()
	result := &ValidationResult{Valid: true}

	if spec == nil {
		result.Valid = false
		result.Errors = append(result.Errors, "spec is required")
		result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
		return result
	}
	if spec.Type == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "type is required")
	} else if _, ok := knownTaskTypes[spec.Type]; !ok {
		result.Warnings = append(result.Warnings, fmt.Sprintf("task type %q is not in the standard vocabulary", spec.Type))
	}
	if strings.TrimSpace(spec.Description) == "" {
		result.Warnings = append(result.Warnings, "description is empty; agents route better with context")
	}
	if spec.Priority < 0 {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("priority must be non-negative, got %d", spec.Priority))
	}
	if spec.TimeoutMs < 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "timeout_ms must be non-negative")
	}
	if spec.Budget != nil {
		if spec.Budget.MaxFiles < 0 || spec.Budget.MaxLOC < 0 {
			result.Valid = false
			result.Errors = append(result.Errors, "budget limits must be non-negative")
		}
		if spec.Budget.MaxFiles > 0 && spec.Budget.MaxLOC > 0 && spec.Budget.MaxLOC < spec.Budget.MaxFiles {
			result.Warnings = append(result.Warnings, "budget allows fewer lines than files; verify the limits")
		}
	}
	if len(spec.AcceptanceCriteria) == 0 {
		result.Suggestions = append(result.Suggestions, "add acceptance criteria so verdict generation has quality gates to check")
	}

	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return result
}

// AssignmentResult is the façade's answer to assignTask.
type AssignmentResult struct {
	Success             bool            `json:"success"`
	AgentID             string          `json:"agent_id,omitempty"`
	Reason              string          `json:"reason"`
	CapabilitiesMatched []string        `json:"capabilities_matched,omitempty"`
	EstimatedEffort     EstimatedEffort `json:"estimated_effort"`
	Priority            int             `json:"priority"`
}

// EstimatedEffort is a coarse prediction of task cost.
type EstimatedEffort struct {
	Hours      float64 `json:"hours"`
	Confidence float64 `json:"confidence"`
}

// AssignTask validates, enqueues, and immediately processes the task
// through routing and assignment, returning the façade's assignment shape.
func (o *Orchestrator) AssignTask(ctx context.Context, spec *TaskSpec) (*AssignmentResult, error) {
	if v := o.Validate(spec); !v.Valid {
		return &AssignmentResult{
			Success: false,
			Reason:  "validation failed: " + strings.Join(v.Errors, "; "),
		}, core.New("orchestrator.AssignTask", core.KindPrecondition, nil, strings.Join(v.Errors, "; "))
	}

	t := specToTask(spec)
	if err := o.SubmitTask(ctx, t); err != nil {
		return &AssignmentResult{Success: false, Reason: err.Error(), Priority: t.Priority}, err
	}
	a, err := o.ProcessNext(ctx)
	if err != nil {
		return &AssignmentResult{Success: false, Reason: err.Error(), Priority: t.Priority}, err
	}
	if a == nil {
		return &AssignmentResult{Success: false, Reason: "queue drained by a concurrent consumer", Priority: t.Priority}, nil
	}

	var matched []string
	if spec.RequiredCapabilities != nil {
		matched = append(matched, spec.RequiredCapabilities.Languages...)
		matched = append(matched, spec.RequiredCapabilities.Specializations...)
	}
	matched = append(matched, spec.Type)

	return &AssignmentResult{
		Success:             true,
		AgentID:             a.AgentID,
		Reason:              a.Decision.Reason,
		CapabilitiesMatched: matched,
		EstimatedEffort:     estimateEffort(spec, a.Decision),
		Priority:            t.Priority,
	}, nil
}

// estimateEffort derives a coarse hour estimate from the budget alone;
// confidence follows the routing decision's confidence.
func estimateEffort(spec *TaskSpec, d *routing.Decision) EstimatedEffort {
	hours := 1.0
	if spec.Budget != nil {
		hours += float64(spec.Budget.MaxFiles)*0.25 + float64(spec.Budget.MaxLOC)/500
	}
	if hours > 40 {
		hours = 40
	}
	return EstimatedEffort{Hours: hours, Confidence: d.Confidence * 0.8}
}

func specToTask(spec *TaskSpec) *queue.Task {
	meta := make(map[string]interface{}, len(spec.Metadata)+1)
	for k, v := range spec.Metadata {
		meta[k] = v
	}
	if len(spec.AcceptanceCriteria) > 0 {
		meta["acceptance_criteria"] = spec.AcceptanceCriteria
	}
	return &queue.Task{
		TaskID:               spec.TaskID,
		Type:                 spec.Type,
		Description:          spec.Description,
		Priority:             spec.Priority,
		TimeoutMs:            spec.TimeoutMs,
		MaxAttempts:          spec.MaxAttempts,
		RequiredCapabilities: spec.RequiredCapabilities,
		Budget:               spec.Budget,
		Metadata:             meta,
	}
}

// BudgetUsage reports consumption against one budget dimension.
type BudgetUsage struct {
	Current int     `json:"current"`
	Limit   int     `json:"limit"`
	Pct     float64 `json:"pct"`
}

// ProgressAlert flags a threshold crossing in a progress report.
type ProgressAlert struct {
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Threshold float64 `json:"threshold,omitempty"`
}

// ProgressReport is the façade's answer to monitorProgress.
type ProgressReport struct {
	Status             string                 `json:"status"`
	BudgetUsage        map[string]BudgetUsage `json:"budget_usage"`
	Alerts             []ProgressAlert        `json:"alerts,omitempty"`
	AcceptanceCriteria []string               `json:"acceptance_criteria,omitempty"`
	OverallProgress    float64                `json:"overall_progress"`
	TimeTracking       TimeTracking           `json:"time_tracking"`
}

// TimeTracking summarizes elapsed versus allotted time.
type TimeTracking struct {
	ElapsedMs   int64   `json:"elapsed_ms"`
	TimeoutMs   int64   `json:"timeout_ms"`
	ElapsedPct  float64 `json:"elapsed_pct"`
}

// MonitorProgress reports a task's execution state, budget burn, and any
// threshold alerts. warnPct defaults to 80.
func (o *Orchestrator) MonitorProgress(taskID string, warnPct float64) (*ProgressReport, error) {
	if warnPct <= 0 {
		warnPct = 80
	}
	st := o.Queue.GetState(taskID)
	if st == nil {
		return nil, core.New("orchestrator.MonitorProgress", core.KindNotFound, core.ErrNotFound, "task not found").WithID(taskID)
	}

	report := &ProgressReport{
		Status:      string(st.Status),
		BudgetUsage: map[string]BudgetUsage{},
	}
	if criteria, ok := st.Task.Metadata["acceptance_criteria"].([]string); ok {
		report.AcceptanceCriteria = criteria
	}

	// Live progress comes from the assignment when one exists.
	if id, err := o.assignmentFor(taskID); err == nil {
		if a, err := o.Assignments.GetAssignment(id); err == nil {
			report.OverallProgress = a.Progress
			if files, ok := a.Metadata["files_changed"].(int); ok && st.Task.Budget != nil {
				report.BudgetUsage["files"] = usage(files, st.Task.Budget.MaxFiles)
			}
			if loc, ok := a.Metadata["loc_changed"].(int); ok && st.Task.Budget != nil {
				report.BudgetUsage["loc"] = usage(loc, st.Task.Budget.MaxLOC)
			}
		}
	} else if st.Status == queue.StatusCompleted {
		report.OverallProgress = 1
	}

	elapsed := time.Since(st.EnqueuedAt)
	if st.StartedAt != nil {
		elapsed = time.Since(*st.StartedAt)
	}
	if st.CompletedAt != nil {
		elapsed = st.CompletedAt.Sub(st.EnqueuedAt)
	}
	report.TimeTracking = TimeTracking{
		ElapsedMs: elapsed.Milliseconds(),
		TimeoutMs: st.Task.TimeoutMs,
	}
	if st.Task.TimeoutMs > 0 {
		report.TimeTracking.ElapsedPct = float64(elapsed.Milliseconds()) / float64(st.Task.TimeoutMs) * 100
	}

	for dim, u := range report.BudgetUsage {
		if u.Pct >= 100 {
			report.Alerts = append(report.Alerts, ProgressAlert{
				Severity: "critical", Message: fmt.Sprintf("%s budget exhausted", dim), Threshold: 100,
			})
		} else if u.Pct >= warnPct {
			report.Alerts = append(report.Alerts, ProgressAlert{
				Severity: "warning", Message: fmt.Sprintf("%s budget at %.0f%%", dim, u.Pct), Threshold: warnPct,
			})
		}
	}
	if report.TimeTracking.ElapsedPct >= 100 {
		report.Alerts = append(report.Alerts, ProgressAlert{Severity: "critical", Message: "time budget exhausted", Threshold: 100})
	} else if report.TimeTracking.ElapsedPct >= warnPct {
		report.Alerts = append(report.Alerts, ProgressAlert{
			Severity: "warning", Message: fmt.Sprintf("time budget at %.0f%%", report.TimeTracking.ElapsedPct), Threshold: warnPct,
		})
	}
	return report, nil
}

func usage(current, limit int) BudgetUsage {
	u := BudgetUsage{Current: current, Limit: limit}
	if limit > 0 {
		u.Pct = float64(current) / float64(limit) * 100
	}
	return u
}

// QualityGate is one pass/fail check supplied to verdict generation.
type QualityGate struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Artifacts describes what the agent produced, for budget compliance.
type Artifacts struct {
	FilesChanged int      `json:"files_changed"`
	LOCChanged   int      `json:"loc_changed"`
	Outputs      []string `json:"outputs,omitempty"`
}

// GateSummary aggregates quality gate results.
type GateSummary struct {
	Total   int           `json:"total"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Details []QualityGate `json:"details"`
}

// BudgetCompliance reports whether the artifacts fit the task's budget.
type BudgetCompliance struct {
	FilesWithinBudget bool     `json:"files_within_budget"`
	LOCWithinBudget   bool     `json:"loc_within_budget"`
	WaiversUsed       []string `json:"waivers_used,omitempty"`
}

// TaskVerdict is the façade's answer to generateVerdict: a quality-scored
// decision over a finished task, distinct from arbitration's constitutional
// verdicts.
type TaskVerdict struct {
	Decision         string           `json:"decision"`
	QualityScore     float64          `json:"quality_score"`
	QualityGates     GateSummary      `json:"quality_gates"`
	BudgetCompliance BudgetCompliance `json:"budget_compliance"`
	Recommendations  []string         `json:"recommendations,omitempty"`
	RequiredActions  []string         `json:"required_actions,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

// GenerateVerdict scores a finished task against its quality gates and
// budget. All gates passing and budgets respected is approved; gate
// failures with budget compliance is conditional; budget violations or a
// majority of gate failures is rejected.
func (o *Orchestrator) GenerateVerdict(taskID string, artifacts Artifacts, gates []QualityGate) (*TaskVerdict, error) {
	st := o.Queue.GetState(taskID)
	if st == nil {
		return nil, core.New("orchestrator.GenerateVerdict", core.KindNotFound, core.ErrNotFound, "task not found").WithID(taskID)
	}

	summary := GateSummary{Total: len(gates), Details: gates}
	for _, g := range gates {
		if g.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	compliance := BudgetCompliance{FilesWithinBudget: true, LOCWithinBudget: true}
	if st.Task.Budget != nil {
		if st.Task.Budget.MaxFiles > 0 && artifacts.FilesChanged > st.Task.Budget.MaxFiles {
			compliance.FilesWithinBudget = false
		}
		if st.Task.Budget.MaxLOC > 0 && artifacts.LOCChanged > st.Task.Budget.MaxLOC {
			compliance.LOCWithinBudget = false
		}
	}

	score := 100.0
	if summary.Total > 0 {
		score = float64(summary.Passed) / float64(summary.Total) * 100
	}
	if !compliance.FilesWithinBudget {
		score -= 15
	}
	if !compliance.LOCWithinBudget {
		score -= 15
	}
	if score < 0 {
		score = 0
	}

	v := &TaskVerdict{
		QualityScore:     score,
		QualityGates:     summary,
		BudgetCompliance: compliance,
		Timestamp:        time.Now(),
	}

	budgetOK := compliance.FilesWithinBudget && compliance.LOCWithinBudget
	switch {
	case summary.Failed == 0 && budgetOK:
		v.Decision = "approved"
	case !budgetOK || (summary.Total > 0 && summary.Failed*2 > summary.Total):
		v.Decision = "rejected"
		if !budgetOK {
			v.RequiredActions = append(v.RequiredActions, "reduce the change to fit the declared budget or request a waiver")
		}
		for _, g := range gates {
			if !g.Passed {
				v.RequiredActions = append(v.RequiredActions, fmt.Sprintf("fix failing gate %q", g.Name))
			}
		}
	default:
		v.Decision = "conditional"
		for _, g := range gates {
			if !g.Passed {
				v.Recommendations = append(v.Recommendations, fmt.Sprintf("address failing gate %q", g.Name))
			}
		}
	}
	return v, nil
}
