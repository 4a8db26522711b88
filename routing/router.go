package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/eventbus"
	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/queue"
	"github.com/arbiterhq/orchestrator/registry"
)

// candidateMaxUtilization excludes overloaded agents from routing.
const candidateMaxUtilization = 90

// explorationConfidenceThreshold classifies a decision as exploratory for
// metrics purposes when its confidence falls below it.
const explorationConfidenceThreshold = 0.8

const decisionHistoryCap = 1000

// RouterConfig tunes the router.
type RouterConfig struct {
	// MaxAgentsToConsider truncates the candidate list before scoring.
	MaxAgentsToConsider int

	// MinAgentsRequired fails routing when fewer candidates matched.
	MinAgentsRequired int

	// MaxRoutingTime is the soft SLA; exceeding it logs a warning but the
	// decision still stands.
	MaxRoutingTime time.Duration

	// DefaultStrategy selects bandit vs capability-match scoring when the
	// bandit is enabled.
	DefaultStrategy Strategy

	// BanditEnabled gates the bandit path entirely.
	BanditEnabled bool

	Logger logger.Logger
	Bus    *eventbus.Bus
}

// Router turns a dequeued task into a routing decision against the registry.
type Router struct {
	registry *registry.Registry
	bandit   *Bandit
	cfg      RouterConfig
	log      logger.Logger

	mu               sync.Mutex
	history          []*Decision
	totalDecisions   int64
	avgRoutingTimeMs float64
	explorationCount int64
	exploitationCnt  int64
}

// NewRouter builds a router. bandit may be nil when BanditEnabled is false.
func NewRouter(reg *registry.Registry, bandit *Bandit, cfg RouterConfig) *Router {
	if cfg.MaxAgentsToConsider <= 0 {
		cfg.MaxAgentsToConsider = 20
	}
	if cfg.MinAgentsRequired <= 0 {
		cfg.MinAgentsRequired = 1
	}
	if cfg.MaxRoutingTime <= 0 {
		cfg.MaxRoutingTime = 100 * time.Millisecond
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyBandit
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NoOp{}
	}
	return &Router{
		registry: reg,
		bandit:   bandit,
		cfg:      cfg,
		log:      lg.WithComponent("arbiter/router"),
	}
}

// RouteTask selects an agent for the task. It fails with a not-found error
// when no agent matches the task's capabilities, and a precondition error
// when fewer than MinAgentsRequired matched.
func (r *Router) RouteTask(ctx context.Context, t *queue.Task) (*Decision, error) {
	start := time.Now()

	q := registry.CapabilityQuery{
		TaskType:       t.Type,
		MaxUtilization: candidateMaxUtilization,
		MinSuccessRate: 0,
	}
	if t.RequiredCapabilities != nil {
		q.Languages = t.RequiredCapabilities.Languages
		q.Specializations = t.RequiredCapabilities.Specializations
	}

	candidates := r.registry.GetAgentsByCapability(q)
	if len(candidates) == 0 {
		return nil, core.New("router.RouteTask", core.KindNotFound, core.ErrNotFound,
			fmt.Sprintf("no agents available for task type %q", t.Type)).WithID(t.TaskID)
	}
	if len(candidates) < r.cfg.MinAgentsRequired {
		return nil, core.New("router.RouteTask", core.KindPrecondition, nil,
			fmt.Sprintf("%d agents matched, %d required", len(candidates), r.cfg.MinAgentsRequired)).WithID(t.TaskID)
	}
	if len(candidates) > r.cfg.MaxAgentsToConsider {
		candidates = candidates[:r.cfg.MaxAgentsToConsider]
	}

	var decision *Decision
	var err error
	if r.cfg.BanditEnabled && r.cfg.DefaultStrategy == StrategyBandit && r.bandit != nil {
		decision, err = r.bandit.CreateRoutingDecision(t.TaskID, candidates)
		if err != nil {
			return nil, err
		}
	} else {
		decision = r.capabilityMatchDecision(t.TaskID, candidates)
	}

	elapsed := time.Since(start)
	if elapsed > r.cfg.MaxRoutingTime {
		r.log.Warn("routing exceeded time budget", logger.F(
			"task_id", t.TaskID,
			"elapsed_ms", elapsed.Milliseconds(),
			"budget_ms", r.cfg.MaxRoutingTime.Milliseconds(),
		))
	}

	r.record(decision, elapsed)

	if r.cfg.Bus != nil {
		r.cfg.Bus.Emit(eventbus.Event{
			Type:    eventbus.TypeRoutingDecided,
			Source:  "router",
			TaskID:  t.TaskID,
			AgentID: decision.SelectedAgent,
			Metadata: map[string]interface{}{
				"decision_id": decision.ID,
				"strategy":    string(decision.Strategy),
				"confidence":  decision.Confidence,
			},
		})
	}
	return decision, nil
}

// capabilityMatchDecision picks the top candidate by the registry's weighted
// capability blend. Candidates arrive pre-sorted from the registry.
func (r *Router) capabilityMatchDecision(taskID string, candidates []registry.ScoredAgent) *Decision {
	top := candidates[0]
	alternatives := make([]Alternative, 0, len(candidates)-1)
	for _, c := range candidates[1:] {
		alternatives = append(alternatives, Alternative{
			AgentID: c.Profile.AgentID,
			Score:   c.MatchScore,
			Reason: fmt.Sprintf("match %.3f, success rate %.2f over %d tasks",
				c.MatchScore, c.Profile.Performance.SuccessRate, c.Profile.Performance.TaskCount),
		})
	}
	return &Decision{
		ID:            core.NewID("decision"),
		TaskID:        taskID,
		SelectedAgent: top.Profile.AgentID,
		Confidence:    top.MatchScore,
		Reason: fmt.Sprintf("best capability match %.3f, success rate %.2f",
			top.MatchScore, top.Profile.Performance.SuccessRate),
		Strategy:     StrategyCapabilityMatch,
		Alternatives: alternatives,
		Timestamp:    time.Now(),
	}
}

func (r *Router) record(d *Decision, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == decisionHistoryCap {
		copy(r.history, r.history[1:])
		r.history = r.history[:len(r.history)-1]
	}
	r.history = append(r.history, d)
	r.totalDecisions++
	ms := float64(elapsed.Microseconds()) / 1000
	r.avgRoutingTimeMs += (ms - r.avgRoutingTimeMs) / float64(r.totalDecisions)
	if d.Confidence < explorationConfidenceThreshold {
		r.explorationCount++
	} else {
		r.exploitationCnt++
	}
}

// RecordRoutingOutcome closes the loop on a decision: the registry's
// performance history and the bandit's arm both absorb the result.
func (r *Router) RecordRoutingOutcome(ctx context.Context, o Outcome) error {
	if err := r.registry.UpdatePerformance(ctx, o.AgentID, registry.PerformanceSample{
		Success:   o.Success,
		Quality:   o.Quality,
		LatencyMs: o.LatencyMs,
	}); err != nil {
		return err
	}
	if r.bandit != nil {
		r.bandit.RecordOutcome(o.AgentID, o.Success, o.Quality, o.LatencyMs)
	}
	return nil
}

// History returns a copy of the most recent limit decisions, oldest first.
func (r *Router) History(limit int) []*Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]*Decision, len(h))
	copy(out, h)
	return out
}

// GetMetrics snapshots the router's counters.
func (r *Router) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		TotalRoutingDecisions: r.totalDecisions,
		AverageRoutingTimeMs:  r.avgRoutingTimeMs,
		ExplorationCount:      r.explorationCount,
		ExploitationCount:     r.exploitationCnt,
	}
}
