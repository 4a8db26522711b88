package routing

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/orchestrator/registry"
)

func candidates(ids ...string) []registry.ScoredAgent {
	out := make([]registry.ScoredAgent, len(ids))
	for i, id := range ids {
		out[i] = registry.ScoredAgent{
			Profile: &registry.AgentProfile{
				AgentID:     id,
				Name:        id,
				ModelFamily: registry.ModelFamilyClaude,
				Capabilities: registry.AgentCapabilities{
					TaskTypes: []string{"code-editing"},
				},
			},
			MatchScore: 0.8,
		}
	}
	return out
}

func seededBandit(cfg BanditConfig, seed int64) *Bandit {
	cfg.Rand = rand.New(rand.NewSource(seed))
	return NewBandit(cfg)
}

func TestRewardBlend(t *testing.T) {
	b := seededBandit(BanditConfig{MaxLatencyMs: 1000}, 1)

	b.RecordOutcome("a", true, 1.0, 0)
	pulls, mean, ok := b.ArmStats("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), pulls)
	// success 0.6 + quality 0.3 + latency 0.1 with zero latency.
	assert.InDelta(t, 1.0, mean, 1e-9)

	b.RecordOutcome("b", false, 0, 1000)
	_, mean, ok = b.ArmStats("b")
	require.True(t, ok)
	assert.InDelta(t, 0.0, mean, 1e-9)

	b.RecordOutcome("c", true, 0.5, 500)
	_, mean, ok = b.ArmStats("c")
	require.True(t, ok)
	assert.InDelta(t, 0.6+0.15+0.05, mean, 1e-9)
}

func TestRewardLatencyClamped(t *testing.T) {
	b := seededBandit(BanditConfig{MaxLatencyMs: 100}, 1)
	b.RecordOutcome("a", true, 0, 10000) // far beyond max latency
	_, mean, _ := b.ArmStats("a")
	assert.InDelta(t, 0.6, mean, 1e-9, "latency penalty bottoms out at zero contribution")
}

func TestExploitationPicksBestArm(t *testing.T) {
	// Exploration rate at the floor so the greedy path dominates.
	b := seededBandit(BanditConfig{ExplorationRate: 0.011, DecayFactor: 0.5, UseUCB: false, MinSampleSize: 1}, 42)

	for i := 0; i < 20; i++ {
		b.RecordOutcome("good", true, 1.0, 10)
		b.RecordOutcome("bad", false, 0.1, 20000)
	}

	wins := 0
	for i := 0; i < 100; i++ {
		d, err := b.CreateRoutingDecision("t", candidates("good", "bad"))
		require.NoError(t, err)
		if d.SelectedAgent == "good" {
			wins++
		}
	}
	assert.Greater(t, wins, 90, "greedy selection should dominate")
}

func TestNewAgentsGetExplorationBonus(t *testing.T) {
	b := seededBandit(BanditConfig{ExplorationRate: 0.011, UseUCB: true, MinSampleSize: 3, UCBConstant: 1.4}, 7)

	// A proven-but-mediocre arm versus a fresh one: the fresh arm's UCB
	// bonus should let it get selected within a few rounds.
	for i := 0; i < 50; i++ {
		b.RecordOutcome("veteran", true, 0.4, 5000)
	}

	selectedFresh := false
	for i := 0; i < 10; i++ {
		d, err := b.CreateRoutingDecision("t", candidates("veteran", "fresh"))
		require.NoError(t, err)
		if d.SelectedAgent == "fresh" {
			selectedFresh = true
			b.RecordOutcome("fresh", true, 0.9, 100)
		} else {
			b.RecordOutcome("veteran", true, 0.4, 5000)
		}
	}
	assert.True(t, selectedFresh, "an unpulled arm must be explored")
}

func TestExplorationRateDecays(t *testing.T) {
	b := seededBandit(BanditConfig{ExplorationRate: 0.5, DecayFactor: 0.5}, 1)

	for i := 0; i < 20; i++ {
		_, err := b.CreateRoutingDecision("t", candidates("a", "b"))
		require.NoError(t, err)
	}

	b.mu.Lock()
	rate := b.explorationRate
	b.mu.Unlock()
	assert.InDelta(t, explorationFloor, rate, 1e-9, "decay floors at the minimum")
}

func TestDecisionShape(t *testing.T) {
	b := seededBandit(BanditConfig{ExplorationRate: 0.011}, 3)

	d, err := b.CreateRoutingDecision("task-1", candidates("a", "b", "c"))
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "task-1", d.TaskID)
	assert.Contains(t, []string{"a", "b", "c"}, d.SelectedAgent)
	assert.Len(t, d.Alternatives, 2)
	assert.GreaterOrEqual(t, d.Confidence, 0.0)
	assert.LessOrEqual(t, d.Confidence, 1.0)
	assert.NotEmpty(t, d.Reason)
	assert.Contains(t, []Strategy{StrategyBandit, StrategyEpsilonGreedy}, d.Strategy)
	for _, alt := range d.Alternatives {
		assert.NotEqual(t, d.SelectedAgent, alt.AgentID)
		assert.NotEmpty(t, alt.Reason)
	}
}

func TestNoCandidatesFails(t *testing.T) {
	b := seededBandit(BanditConfig{}, 1)
	_, err := b.CreateRoutingDecision("t", nil)
	assert.Error(t, err)
}

func TestUpdateCountersAccumulate(t *testing.T) {
	b := seededBandit(BanditConfig{MaxLatencyMs: 1000}, 1)
	for i := 0; i < 5; i++ {
		b.RecordOutcome("a", i%2 == 0, 0.5, 100)
	}
	b.mu.Lock()
	a := b.arms["a"]
	b.mu.Unlock()
	assert.Equal(t, int64(5), a.pulls)
	assert.InDelta(t, 2.5, a.qualitySum, 1e-9)
	assert.InDelta(t, 500.0, a.latencySum, 1e-9)
}

func BenchmarkCreateRoutingDecision(b *testing.B) {
	bd := seededBandit(BanditConfig{}, 1)
	cands := candidates()
	for i := 0; i < 20; i++ {
		cands = append(cands, candidates(fmt.Sprintf("agent-%d", i))...)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bd.CreateRoutingDecision("t", cands)
	}
}
