// Package registry is the catalog of registered agents: identity, declared
// capabilities, running performance statistics, and current load. The
// registry is the single owner of every AgentProfile; all reads outside the
// package receive copies and all writes go through registry operations.
package registry

import (
	"time"
)

// ModelFamily is the closed set of LLM families an agent may declare.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGPT     ModelFamily = "gpt"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyLlama   ModelFamily = "llama"
	ModelFamilyMistral ModelFamily = "mistral"
	ModelFamilyOther   ModelFamily = "other"
)

// ValidModelFamily reports whether f is one of the declared families.
func ValidModelFamily(f ModelFamily) bool {
	switch f {
	case ModelFamilyClaude, ModelFamilyGPT, ModelFamilyGemini, ModelFamilyLlama, ModelFamilyMistral, ModelFamilyOther:
		return true
	}
	return false
}

// AgentCapabilities is the declared capability triple. Each slice is treated
// as an unordered set of vocabulary strings.
type AgentCapabilities struct {
	TaskTypes       []string `json:"task_types"`
	Languages       []string `json:"languages"`
	Specializations []string `json:"specializations"`
}

// PerformanceHistory holds running statistics updated incrementally after
// every completed task. Averages follow the running-mean recurrence
// newAvg = oldAvg + (x - oldAvg)/(n+1), so no raw sample history is kept.
type PerformanceHistory struct {
	SuccessRate    float64 `json:"success_rate"`
	AverageQuality float64 `json:"average_quality"`
	AverageLatency float64 `json:"average_latency_ms"`
	TaskCount      int64   `json:"task_count"`
}

// defaultPerformance seeds a fresh agent optimistically so the router and
// bandit will still explore it before any real outcomes exist.
func defaultPerformance() PerformanceHistory {
	return PerformanceHistory{
		SuccessRate:    0.8,
		AverageQuality: 0.7,
		AverageLatency: 5000,
		TaskCount:      0,
	}
}

// AgentLoad tracks an agent's current workload.
type AgentLoad struct {
	ActiveTasks        int     `json:"active_tasks"`
	QueuedTasks        int     `json:"queued_tasks"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// AgentProfile is the full registry record for one agent.
type AgentProfile struct {
	AgentID      string             `json:"agent_id"`
	Name         string             `json:"name"`
	ModelFamily  ModelFamily        `json:"model_family"`
	Capabilities AgentCapabilities  `json:"capabilities"`
	Performance  PerformanceHistory `json:"performance"`
	Load         AgentLoad          `json:"load"`
	RegisteredAt time.Time          `json:"registered_at"`
	LastActiveAt time.Time          `json:"last_active_at"`
}

// Clone returns a deep copy. Profiles handed out of the registry are always
// clones so a caller can never mutate registry state through a returned
// pointer.
func (p *AgentProfile) Clone() *AgentProfile {
	c := *p
	c.Capabilities = AgentCapabilities{
		TaskTypes:       append([]string(nil), p.Capabilities.TaskTypes...),
		Languages:       append([]string(nil), p.Capabilities.Languages...),
		Specializations: append([]string(nil), p.Capabilities.Specializations...),
	}
	return &c
}

// PerformanceSample is one task outcome fed into UpdatePerformance.
type PerformanceSample struct {
	Success   bool
	Quality   float64
	LatencyMs float64
}

// CapabilityQuery filters and ranks agents for a routing decision.
// TaskType is mandatory; the other criteria apply only when set.
type CapabilityQuery struct {
	TaskType        string
	Languages       []string
	Specializations []string
	// MaxUtilization excludes agents above this utilization when > 0; zero
	// applies no utilization limit.
	MaxUtilization float64
	// MinSuccessRate excludes agents below this success rate when >= 0.
	MinSuccessRate float64
}

// ScoredAgent pairs a matched profile with its capability match score.
type ScoredAgent struct {
	Profile    *AgentProfile
	MatchScore float64
}

// Stats summarizes the registry for status endpoints.
type Stats struct {
	TotalAgents        int            `json:"total_agents"`
	TotalRegistered    int64          `json:"total_registered"`
	TotalUnregistered  int64          `json:"total_unregistered"`
	StaleEvictions     int64          `json:"stale_evictions"`
	AgentsByTaskType   map[string]int `json:"agents_by_task_type"`
	AverageUtilization float64        `json:"average_utilization"`
}
