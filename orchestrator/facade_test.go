package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/orchestrator/assignment"
	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/queue"
)

func TestValidateSpec(t *testing.T) {
	o := newTestOrchestrator(t)

	tests := []struct {
		name      string
		spec      *TaskSpec
		wantValid bool
	}{
		{"nil spec", nil, false},
		{"missing type", &TaskSpec{Description: "x"}, false},
		{"negative priority", &TaskSpec{Type: "code-editing", Priority: -1}, false},
		{"negative timeout", &TaskSpec{Type: "code-editing", TimeoutMs: -5}, false},
		{"negative budget", &TaskSpec{Type: "code-editing", Budget: &queue.Budget{MaxFiles: -1}}, false},
		{"minimal valid", &TaskSpec{Type: "code-editing", Description: "fix the thing"}, true},
		{"unknown type is a warning", &TaskSpec{Type: "interpretive-dance", Description: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := o.Validate(tt.spec)
			assert.Equal(t, tt.wantValid, result.Valid)
			assert.GreaterOrEqual(t, result.DurationMs, 0.0)
		})
	}
}

func TestValidateWarningsAndSuggestions(t *testing.T) {
	o := newTestOrchestrator(t)

	result := o.Validate(&TaskSpec{Type: "interpretive-dance"})
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
	assert.NotEmpty(t, result.Suggestions, "missing acceptance criteria is suggested")
}

func TestAssignTaskFacade(t *testing.T) {
	o := newTestOrchestrator(t)
	registerTestAgent(t, o, "agent-a")

	result, err := o.AssignTask(context.Background(), &TaskSpec{
		Type:        "code-editing",
		Description: "rename a symbol across the repo",
		Priority:    5,
		Budget:      &queue.Budget{MaxFiles: 4, MaxLOC: 200},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "agent-a", result.AgentID)
	assert.NotEmpty(t, result.Reason)
	assert.Contains(t, result.CapabilitiesMatched, "code-editing")
	assert.Greater(t, result.EstimatedEffort.Hours, 0.0)
	assert.Equal(t, 5, result.Priority)
}

func TestAssignTaskFacadeValidationFailure(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.AssignTask(context.Background(), &TaskSpec{Priority: -2})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "validation failed")
}

func TestAssignTaskFacadeNoAgents(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.AssignTask(context.Background(), &TaskSpec{Type: "code-editing", Description: "x"})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.True(t, core.IsNotFound(err))
}

func TestMonitorProgress(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	registerTestAgent(t, o, "agent-a")

	require.NoError(t, o.SubmitTask(ctx, &queue.Task{
		TaskID:    "t1",
		Type:      "code-editing",
		TimeoutMs: 60000,
		Budget:    &queue.Budget{MaxFiles: 10, MaxLOC: 500},
	}))
	_, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	require.NoError(t, o.AcknowledgeTask(ctx, "t1"))
	require.NoError(t, o.UpdateTaskProgress(ctx, "t1", 0.4, map[string]interface{}{
		"files_changed": 9,
		"loc_changed":   100,
	}))

	report, err := o.MonitorProgress("t1", 80)
	require.NoError(t, err)
	assert.Equal(t, string(queue.StatusExecuting), report.Status)
	assert.Equal(t, 0.4, report.OverallProgress)
	assert.Equal(t, 9, report.BudgetUsage["files"].Current)
	assert.InDelta(t, 90.0, report.BudgetUsage["files"].Pct, 1e-9)
	assert.InDelta(t, 20.0, report.BudgetUsage["loc"].Pct, 1e-9)

	// The files dimension crossed the warning threshold.
	var warned bool
	for _, a := range report.Alerts {
		if a.Severity == "warning" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestMonitorProgressUnknownTask(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.MonitorProgress("ghost", 0)
	assert.True(t, core.IsNotFound(err))
}

func TestGenerateVerdictApproved(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	registerTestAgent(t, o, "agent-a")

	require.NoError(t, o.SubmitTask(ctx, &queue.Task{
		TaskID: "t1", Type: "code-editing",
		Budget: &queue.Budget{MaxFiles: 10, MaxLOC: 500},
	}))
	_, err := o.ProcessNext(ctx)
	require.NoError(t, err)
	require.NoError(t, o.AcknowledgeTask(ctx, "t1"))
	require.NoError(t, o.CompleteTask(ctx, "t1", assignment.Result{Quality: 0.9}))

	v, err := o.GenerateVerdict("t1", Artifacts{FilesChanged: 3, LOCChanged: 120}, []QualityGate{
		{Name: "tests pass", Passed: true},
		{Name: "lint clean", Passed: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "approved", v.Decision)
	assert.Equal(t, 100.0, v.QualityScore)
	assert.Equal(t, 2, v.QualityGates.Passed)
	assert.True(t, v.BudgetCompliance.FilesWithinBudget)
}

func TestGenerateVerdictConditionalOnGateFailure(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.SubmitTask(ctx, &queue.Task{TaskID: "t1", Type: "code-editing"}))

	v, err := o.GenerateVerdict("t1", Artifacts{}, []QualityGate{
		{Name: "tests pass", Passed: true},
		{Name: "lint clean", Passed: true},
		{Name: "docs updated", Passed: false},
	})
	require.NoError(t, err)
	assert.Equal(t, "conditional", v.Decision)
	assert.NotEmpty(t, v.Recommendations)
}

func TestGenerateVerdictRejectedOnBudgetViolation(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.SubmitTask(ctx, &queue.Task{
		TaskID: "t1", Type: "code-editing",
		Budget: &queue.Budget{MaxFiles: 2, MaxLOC: 50},
	}))

	v, err := o.GenerateVerdict("t1", Artifacts{FilesChanged: 9, LOCChanged: 400}, []QualityGate{
		{Name: "tests pass", Passed: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "rejected", v.Decision)
	assert.False(t, v.BudgetCompliance.FilesWithinBudget)
	assert.False(t, v.BudgetCompliance.LOCWithinBudget)
	assert.NotEmpty(t, v.RequiredActions)
	assert.Equal(t, 70.0, v.QualityScore)
}

func TestGenerateVerdictUnknownTask(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.GenerateVerdict("ghost", Artifacts{}, nil)
	assert.True(t, core.IsNotFound(err))
}
