package routing

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/registry"
)

// Reward blend weights. Success dominates, quality refines, and latency
// contributes a small penalty normalized against MaxLatencyMs.
const (
	rewardWeightSuccess = 0.6
	rewardWeightQuality = 0.3
	rewardWeightLatency = 0.1

	explorationFloor = 0.01
)

// BanditConfig tunes the epsilon-greedy/UCB policy.
type BanditConfig struct {
	// ExplorationRate is the initial probability of a uniformly random pick.
	// It decays by DecayFactor on every selection, floored at 0.01.
	ExplorationRate float64

	// DecayFactor multiplies the exploration rate after each selection.
	DecayFactor float64

	// UCBConstant scales the upper-confidence-bound bonus.
	UCBConstant float64

	// MinSampleSize is the pull count below which an arm is treated as new
	// and receives the full exploration bonus.
	MinSampleSize int

	// UseUCB adds the UCB bonus to the exploit term when true.
	UseUCB bool

	// MaxLatencyMs normalizes the latency component of the reward.
	MaxLatencyMs float64

	// Rand supplies randomness; tests inject a seeded source. Nil gets a
	// time-seeded default.
	Rand *rand.Rand
}

// arm is the per-agent bandit state.
type arm struct {
	pulls      int64
	rewardSum  float64
	qualitySum float64
	latencySum float64
}

// Bandit is the multi-armed bandit over agents. Safe for concurrent use.
type Bandit struct {
	mu              sync.Mutex
	arms            map[string]*arm
	explorationRate float64
	cfg             BanditConfig
	rng             *rand.Rand
}

// NewBandit builds a bandit with the given policy settings.
func NewBandit(cfg BanditConfig) *Bandit {
	if cfg.ExplorationRate <= 0 {
		cfg.ExplorationRate = 0.1
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = 0.995
	}
	if cfg.UCBConstant <= 0 {
		cfg.UCBConstant = 1.4
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 3
	}
	if cfg.MaxLatencyMs <= 0 {
		cfg.MaxLatencyMs = 30000
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Bandit{
		arms:            make(map[string]*arm),
		explorationRate: cfg.ExplorationRate,
		cfg:             cfg,
		rng:             rng,
	}
}

func (b *Bandit) armFor(agentID string) *arm {
	a, ok := b.arms[agentID]
	if !ok {
		a = &arm{}
		b.arms[agentID] = a
	}
	return a
}

// score computes one candidate's selection score given the total pull count
// across all arms. New arms get the full exploration bonus so every agent is
// guaranteed coverage before exploitation settles in.
func (b *Bandit) score(a *arm, totalPulls int64) float64 {
	mean := a.rewardSum / math.Max(float64(a.pulls), 1)
	if !b.cfg.UseUCB {
		return mean
	}
	n := math.Max(float64(totalPulls), 1)
	denom := math.Max(float64(a.pulls), float64(b.cfg.MinSampleSize))
	ucb := b.cfg.UCBConstant * math.Sqrt(math.Log(n)/denom)
	if a.pulls < int64(b.cfg.MinSampleSize) {
		// Full bonus: treat the arm as unpulled regardless of its few samples.
		ucb = b.cfg.UCBConstant * math.Sqrt(math.Log(n)/float64(b.cfg.MinSampleSize))
	}
	return mean + ucb
}

// CreateRoutingDecision selects one candidate and explains the choice. The
// strategy reported is epsilon-greedy when the exploration coin fired,
// multi-armed-bandit otherwise.
func (b *Bandit) CreateRoutingDecision(taskID string, candidates []registry.ScoredAgent) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, core.New("bandit.CreateRoutingDecision", core.KindPrecondition, nil, "no candidates")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var totalPulls int64
	for _, c := range candidates {
		totalPulls += b.armFor(c.Profile.AgentID).pulls
	}

	type scored struct {
		agentID string
		score   float64
		pulls   int64
	}
	scores := make([]scored, len(candidates))
	bestIdx := 0
	for i, c := range candidates {
		a := b.armFor(c.Profile.AgentID)
		scores[i] = scored{agentID: c.Profile.AgentID, score: b.score(a, totalPulls), pulls: a.pulls}
		if scores[i].score > scores[bestIdx].score {
			bestIdx = i
		}
	}

	explore := b.rng.Float64() < b.explorationRate
	b.explorationRate = math.Max(b.explorationRate*b.cfg.DecayFactor, explorationFloor)

	chosenIdx := bestIdx
	strategy := StrategyBandit
	reason := fmt.Sprintf("highest bandit score %.3f over %d candidates", scores[bestIdx].score, len(candidates))
	if explore {
		chosenIdx = b.rng.Intn(len(candidates))
		strategy = StrategyEpsilonGreedy
		reason = fmt.Sprintf("exploration pick (rate %.3f)", b.explorationRate)
	}

	alternatives := make([]Alternative, 0, len(scores)-1)
	for i, s := range scores {
		if i == chosenIdx {
			continue
		}
		alternatives = append(alternatives, Alternative{
			AgentID: s.agentID,
			Score:   s.score,
			Reason:  fmt.Sprintf("score %.3f over %d pulls", s.score, s.pulls),
		})
	}

	// With every score at zero (nothing learned yet) all candidates tie with
	// the best, so the pick carries full relative confidence.
	confidence := 1.0
	if best := scores[bestIdx].score; best > 0 {
		confidence = scores[chosenIdx].score / best
	}
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	return &Decision{
		ID:            core.NewID("decision"),
		TaskID:        taskID,
		SelectedAgent: scores[chosenIdx].agentID,
		Confidence:    confidence,
		Reason:        reason,
		Strategy:      strategy,
		Alternatives:  alternatives,
		Timestamp:     time.Now(),
	}, nil
}

// RecordOutcome folds one task result into the selected arm. The reward
// blends success, quality, and normalized latency.
func (b *Bandit) RecordOutcome(agentID string, success bool, quality, latencyMs float64) {
	latNorm := latencyMs / b.cfg.MaxLatencyMs
	if latNorm > 1 {
		latNorm = 1
	}
	if latNorm < 0 {
		latNorm = 0
	}
	successVal := 0.0
	if success {
		successVal = 1.0
	}
	reward := successVal*rewardWeightSuccess + quality*rewardWeightQuality + (1-latNorm)*rewardWeightLatency

	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.armFor(agentID)
	a.pulls++
	a.rewardSum += reward
	a.qualitySum += quality
	a.latencySum += latencyMs
}

// ArmStats reports one arm's counters for status endpoints; ok is false for
// an agent the bandit has never seen.
func (b *Bandit) ArmStats(agentID string) (pulls int64, meanReward float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, exists := b.arms[agentID]
	if !exists || a.pulls == 0 {
		return 0, 0, exists
	}
	return a.pulls, a.rewardSum / float64(a.pulls), true
}
