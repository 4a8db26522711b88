package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/queue"
	"github.com/arbiterhq/orchestrator/registry"
)

func newTestRouter(t *testing.T, cfg RouterConfig) (*Router, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(context.Background(), registry.Config{})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	bandit := NewBandit(BanditConfig{ExplorationRate: 0.011})
	return NewRouter(reg, bandit, cfg), reg
}

func registerAgent(t *testing.T, reg *registry.Registry, id string, langs ...string) {
	t.Helper()
	if len(langs) == 0 {
		langs = []string{"TypeScript"}
	}
	_, err := reg.RegisterAgent(context.Background(), &registry.AgentProfile{
		AgentID:     id,
		Name:        id,
		ModelFamily: registry.ModelFamilyClaude,
		Capabilities: registry.AgentCapabilities{
			TaskTypes: []string{"code-editing"},
			Languages: langs,
		},
	})
	require.NoError(t, err)
}

func TestRouteTaskSelectsMatchingAgent(t *testing.T) {
	r, reg := newTestRouter(t, RouterConfig{BanditEnabled: true})
	registerAgent(t, reg, "a1")

	d, err := r.RouteTask(context.Background(), &queue.Task{
		TaskID: "t1",
		Type:   "code-editing",
		RequiredCapabilities: &registry.AgentCapabilities{
			Languages: []string{"TypeScript"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", d.SelectedAgent)
	assert.Greater(t, d.Confidence, 0.0)
	assert.Contains(t, []Strategy{StrategyBandit, StrategyEpsilonGreedy, StrategyCapabilityMatch}, d.Strategy)
}

// No registered agents: routing fails with a not-found error.
func TestRouteTaskNoAgents(t *testing.T) {
	r, _ := newTestRouter(t, RouterConfig{BanditEnabled: true})

	_, err := r.RouteTask(context.Background(), &queue.Task{TaskID: "t1", Type: "code-editing"})
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestRouteTaskInsufficientAgents(t *testing.T) {
	r, reg := newTestRouter(t, RouterConfig{MinAgentsRequired: 2, BanditEnabled: true})
	registerAgent(t, reg, "only-one")

	_, err := r.RouteTask(context.Background(), &queue.Task{TaskID: "t1", Type: "code-editing"})
	require.Error(t, err)
	kind, ok := core.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.KindPrecondition, kind)
}

func TestRouteTaskExcludesOverloadedAgents(t *testing.T) {
	r, reg := newTestRouter(t, RouterConfig{BanditEnabled: true})
	registerAgent(t, reg, "busy")
	require.NoError(t, reg.UpdateLoad(context.Background(), "busy", 10, 0))

	_, err := r.RouteTask(context.Background(), &queue.Task{TaskID: "t1", Type: "code-editing"})
	assert.True(t, core.IsNotFound(err), "agents above the utilization ceiling are not candidates")
}

func TestCapabilityMatchStrategy(t *testing.T) {
	r, reg := newTestRouter(t, RouterConfig{
		BanditEnabled:   false,
		DefaultStrategy: StrategyCapabilityMatch,
	})
	registerAgent(t, reg, "a1")
	registerAgent(t, reg, "a2")

	d, err := r.RouteTask(context.Background(), &queue.Task{TaskID: "t1", Type: "code-editing"})
	require.NoError(t, err)
	assert.Equal(t, StrategyCapabilityMatch, d.Strategy)
	assert.Len(t, d.Alternatives, 1)
}

func TestMaxAgentsTruncation(t *testing.T) {
	r, reg := newTestRouter(t, RouterConfig{
		MaxAgentsToConsider: 2,
		BanditEnabled:       false,
		DefaultStrategy:     StrategyCapabilityMatch,
	})
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		registerAgent(t, reg, id)
	}

	d, err := r.RouteTask(context.Background(), &queue.Task{TaskID: "t1", Type: "code-editing"})
	require.NoError(t, err)
	assert.Len(t, d.Alternatives, 1, "only maxAgentsToConsider candidates are scored")
}

func TestRecordRoutingOutcomeFeedsRegistryAndBandit(t *testing.T) {
	r, reg := newTestRouter(t, RouterConfig{BanditEnabled: true})
	registerAgent(t, reg, "a1")
	ctx := context.Background()

	require.NoError(t, r.RecordRoutingOutcome(ctx, Outcome{
		TaskID: "t1", AgentID: "a1", Success: true, Quality: 0.9, LatencyMs: 1200,
	}))

	p, err := reg.GetProfile(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Performance.TaskCount)
	assert.Equal(t, 1.0, p.Performance.SuccessRate)

	pulls, _, ok := r.bandit.ArmStats("a1")
	require.True(t, ok)
	assert.Equal(t, int64(1), pulls)
}

func TestRecordRoutingOutcomeUnknownAgent(t *testing.T) {
	r, _ := newTestRouter(t, RouterConfig{BanditEnabled: true})
	err := r.RecordRoutingOutcome(context.Background(), Outcome{TaskID: "t", AgentID: "ghost"})
	assert.True(t, core.IsNotFound(err))
}

func TestMetricsAndHistory(t *testing.T) {
	r, reg := newTestRouter(t, RouterConfig{BanditEnabled: true, MaxRoutingTime: time.Second})
	registerAgent(t, reg, "a1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.RouteTask(ctx, &queue.Task{TaskID: "t", Type: "code-editing"})
		require.NoError(t, err)
	}

	m := r.GetMetrics()
	assert.Equal(t, int64(5), m.TotalRoutingDecisions)
	assert.Equal(t, int64(5), m.ExplorationCount+m.ExploitationCount)
	assert.GreaterOrEqual(t, m.AverageRoutingTimeMs, 0.0)

	h := r.History(3)
	assert.Len(t, h, 3)
}
