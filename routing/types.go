// Package routing selects an agent for each dequeued task. Selection runs
// either a capability-weighted score or a multi-armed bandit that balances
// exploiting proven agents against exploring fresh ones. Every selection is
// recorded as an immutable RoutingDecision with scored alternatives.
package routing

import (
	"time"
)

// Strategy names how a routing decision was made.
type Strategy string

const (
	StrategyBandit          Strategy = "multi-armed-bandit"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyEpsilonGreedy   Strategy = "epsilon-greedy"
)

// Alternative is one considered-but-not-chosen candidate in a decision.
type Alternative struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Decision is the immutable record of one agent selection.
type Decision struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	SelectedAgent string        `json:"selected_agent"`
	Confidence    float64       `json:"confidence"`
	Reason        string        `json:"reason"`
	Strategy      Strategy      `json:"strategy"`
	Alternatives  []Alternative `json:"alternatives"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Outcome reports how a routed task actually went, closing the loop for the
// bandit's reward update and the registry's performance statistics.
type Outcome struct {
	TaskID    string
	AgentID   string
	Success   bool
	Quality   float64
	LatencyMs float64
}

// Metrics snapshots the router's counters.
type Metrics struct {
	TotalRoutingDecisions int64   `json:"total_routing_decisions"`
	AverageRoutingTimeMs  float64 `json:"average_routing_time_ms"`
	ExplorationCount      int64   `json:"exploration_count"`
	ExploitationCount     int64   `json:"exploitation_count"`
}
