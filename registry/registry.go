package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/eventbus"
	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/security"
)

// Store is the persistence adapter the registry writes through when
// durability is enabled. Implementations must be safe for concurrent use.
type Store interface {
	SaveAgent(ctx context.Context, p *AgentProfile) error
	LoadAgent(ctx context.Context, agentID string) (*AgentProfile, error)
	DeleteAgent(ctx context.Context, agentID string) error
	LoadAllAgents(ctx context.Context) ([]*AgentProfile, error)
}

// Config wires the registry's collaborators and tunables.
type Config struct {
	// MaxAgents caps the catalog size. 0 means unlimited.
	MaxAgents int

	// MaxConcurrentTasksPerAgent is the denominator for utilization.
	MaxConcurrentTasksPerAgent int

	// EnableAutoCleanup starts the stale-agent eviction loop.
	EnableAutoCleanup   bool
	CleanupInterval     time.Duration
	StaleAgentThreshold time.Duration

	Logger   logger.Logger
	Bus      *eventbus.Bus
	Store    Store             // nil disables persistence
	Security *security.Context // nil disables credentialed registration checks
}

// entry pairs a profile with its own mutex so writes to different agents
// never contend. The outer map lock is held only long enough to find or
// insert the entry.
type entry struct {
	mu      sync.Mutex
	profile *AgentProfile
}

// Registry is the agent catalog. Writes to a single agent are serialized on
// that agent's entry; reads return clones taken under the same entry lock,
// so a returned profile is always internally consistent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	cfg Config
	log logger.Logger

	statsMu           sync.Mutex
	totalRegistered   int64
	totalUnregistered int64
	staleEvictions    int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a registry. If a Store is configured, previously persisted
// agents are loaded eagerly so routing works immediately after a restart.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.MaxConcurrentTasksPerAgent <= 0 {
		cfg.MaxConcurrentTasksPerAgent = 10
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.StaleAgentThreshold <= 0 {
		cfg.StaleAgentThreshold = 30 * time.Minute
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NoOp{}
	}
	r := &Registry{
		agents: make(map[string]*entry),
		cfg:    cfg,
		log:    lg.WithComponent("arbiter/registry"),
		stopCh: make(chan struct{}),
	}

	if cfg.Store != nil {
		profiles, err := cfg.Store.LoadAllAgents(ctx)
		if err != nil {
			return nil, core.New("registry.New", core.KindTransientIO, err, "loading persisted agents").Retry()
		}
		for _, p := range profiles {
			r.agents[p.AgentID] = &entry{profile: p.Clone()}
		}
		if len(profiles) > 0 {
			r.log.Info("restored agents from store", logger.F("count", len(profiles)))
		}
	}

	if cfg.EnableAutoCleanup {
		go r.cleanupLoop()
	}
	return r, nil
}

// RegisterAgent validates and adds a new agent. Identity, model family and
// at least one task type are required; performance and load default so the
// agent is immediately routable. A duplicate id fails deterministically even
// against a concurrent registration of the same id.
func (r *Registry) RegisterAgent(ctx context.Context, p *AgentProfile) (*AgentProfile, error) {
	if p == nil || p.AgentID == "" || p.Name == "" {
		return nil, core.New("registry.RegisterAgent", core.KindPrecondition, nil, "agent_id and name are required")
	}
	if !ValidModelFamily(p.ModelFamily) {
		return nil, core.New("registry.RegisterAgent", core.KindPrecondition, nil,
			fmt.Sprintf("unknown model family %q", p.ModelFamily)).WithID(p.AgentID)
	}
	if len(p.Capabilities.TaskTypes) == 0 {
		return nil, core.New("registry.RegisterAgent", core.KindPrecondition, nil, "at least one task type is required").WithID(p.AgentID)
	}

	stored := p.Clone()
	now := time.Now()
	stored.RegisteredAt = now
	stored.LastActiveAt = now
	if stored.Performance == (PerformanceHistory{}) {
		stored.Performance = defaultPerformance()
	}
	stored.Load.UtilizationPercent = r.utilization(stored.Load.ActiveTasks)

	r.mu.Lock()
	if _, exists := r.agents[stored.AgentID]; exists {
		r.mu.Unlock()
		return nil, core.New("registry.RegisterAgent", core.KindPrecondition, core.ErrAlreadyExists,
			fmt.Sprintf("agent %q already registered", stored.AgentID)).WithID(stored.AgentID)
	}
	if r.cfg.MaxAgents > 0 && len(r.agents) >= r.cfg.MaxAgents {
		r.mu.Unlock()
		return nil, core.New("registry.RegisterAgent", core.KindSaturation, core.ErrCapacityExceeded,
			fmt.Sprintf("registry at capacity (%d)", r.cfg.MaxAgents))
	}
	r.agents[stored.AgentID] = &entry{profile: stored}
	r.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.SaveAgent(ctx, stored); err != nil {
			r.log.Warn("persisting registered agent failed", logger.F("agent_id", stored.AgentID, "error", err.Error()))
		}
	}

	r.statsMu.Lock()
	r.totalRegistered++
	r.statsMu.Unlock()

	r.emit(eventbus.Event{
		Type:     eventbus.TypeAgentRegistered,
		Source:   "registry",
		AgentID:  stored.AgentID,
		Metadata: map[string]interface{}{"model_family": string(stored.ModelFamily), "task_types": stored.Capabilities.TaskTypes},
	})
	r.log.Info("agent registered", logger.F("agent_id", stored.AgentID, "name", stored.Name))
	return stored.Clone(), nil
}

// RegisterAgentSecure is RegisterAgent behind the security gate: the caller
// must present credentials granting create:agent, and the decision lands in
// the audit log either way.
func (r *Registry) RegisterAgentSecure(ctx context.Context, cred security.Credentials, p *AgentProfile) (*AgentProfile, error) {
	if r.cfg.Security != nil {
		if _, err := r.cfg.Security.Authorize(cred, security.PermCreateAgent); err != nil {
			return nil, err
		}
	}
	return r.RegisterAgent(ctx, p)
}

// GetProfile returns a clone of the profile, loading and caching it from the
// store on a miss when persistence is enabled.
func (r *Registry) GetProfile(ctx context.Context, agentID string) (*AgentProfile, error) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.profile.Clone(), nil
	}

	if r.cfg.Store == nil {
		return nil, core.New("registry.GetProfile", core.KindNotFound, core.ErrNotFound, "agent not found").WithID(agentID)
	}
	loaded, err := r.cfg.Store.LoadAgent(ctx, agentID)
	if err != nil {
		if core.IsNotFound(err) {
			return nil, core.New("registry.GetProfile", core.KindNotFound, core.ErrNotFound, "agent not found").WithID(agentID)
		}
		return nil, core.New("registry.GetProfile", core.KindTransientIO, err, "loading agent").WithID(agentID).Retry()
	}

	r.mu.Lock()
	if existing, raced := r.agents[agentID]; raced {
		r.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.profile.Clone(), nil
	}
	r.agents[agentID] = &entry{profile: loaded.Clone()}
	r.mu.Unlock()
	return loaded.Clone(), nil
}

// GetAgentsByCapability filters the catalog against the query and returns
// scored, sorted clones. The sort prefers success rate when the gap exceeds
// 0.01 and falls back to match score for near-ties.
func (r *Registry) GetAgentsByCapability(q CapabilityQuery) []ScoredAgent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var matched []ScoredAgent
	for _, e := range entries {
		e.mu.Lock()
		p := e.profile
		ok := contains(p.Capabilities.TaskTypes, q.TaskType) &&
			(len(q.Languages) == 0 || containsAll(p.Capabilities.Languages, q.Languages)) &&
			(len(q.Specializations) == 0 || containsAll(p.Capabilities.Specializations, q.Specializations)) &&
			(q.MaxUtilization <= 0 || p.Load.UtilizationPercent <= q.MaxUtilization) &&
			p.Performance.SuccessRate >= q.MinSuccessRate
		var clone *AgentProfile
		if ok {
			clone = p.Clone()
		}
		e.mu.Unlock()
		if clone != nil {
			matched = append(matched, ScoredAgent{Profile: clone, MatchScore: MatchScore(clone, q)})
		}
	}
	sortScored(matched)
	return matched
}

// UpdatePerformance folds one task outcome into the agent's running
// statistics. The update is atomic with respect to other writes on the same
// agent and bumps LastActiveAt.
func (r *Registry) UpdatePerformance(ctx context.Context, agentID string, sample PerformanceSample) error {
	e, err := r.entryFor("registry.UpdatePerformance", agentID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	p := e.profile
	n := float64(p.Performance.TaskCount)
	success := 0.0
	if sample.Success {
		success = 1.0
	}
	p.Performance.SuccessRate += (success - p.Performance.SuccessRate) / (n + 1)
	p.Performance.AverageQuality += (sample.Quality - p.Performance.AverageQuality) / (n + 1)
	p.Performance.AverageLatency += (sample.LatencyMs - p.Performance.AverageLatency) / (n + 1)
	p.Performance.TaskCount++
	p.LastActiveAt = time.Now()
	persisted := p.Clone()
	e.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.SaveAgent(ctx, persisted); err != nil {
			r.log.Warn("persisting performance update failed", logger.F("agent_id", agentID, "error", err.Error()))
		}
	}
	r.emit(eventbus.Event{
		Type:    eventbus.TypeAgentPerfUpdated,
		Source:  "registry",
		AgentID: agentID,
		Metadata: map[string]interface{}{
			"success_rate": persisted.Performance.SuccessRate,
			"task_count":   persisted.Performance.TaskCount,
		},
	})
	return nil
}

// UpdateLoad sets the agent's active/queued counts and recomputes
// utilization against the configured per-agent concurrency cap.
func (r *Registry) UpdateLoad(ctx context.Context, agentID string, active, queued int) error {
	e, err := r.entryFor("registry.UpdateLoad", agentID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	p := e.profile
	p.Load.ActiveTasks = active
	p.Load.QueuedTasks = queued
	p.Load.UtilizationPercent = r.utilization(active)
	p.LastActiveAt = time.Now()
	persisted := p.Clone()
	e.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.SaveAgent(ctx, persisted); err != nil {
			r.log.Warn("persisting load update failed", logger.F("agent_id", agentID, "error", err.Error()))
		}
	}
	return nil
}

func (r *Registry) utilization(active int) float64 {
	util := float64(active) / float64(r.cfg.MaxConcurrentTasksPerAgent) * 100
	if util > 100 {
		util = 100
	}
	if util < 0 {
		util = 0
	}
	return util
}

// UnregisterAgent removes the agent from the catalog and the store.
func (r *Registry) UnregisterAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return core.New("registry.UnregisterAgent", core.KindNotFound, core.ErrNotFound, "agent not found").WithID(agentID)
	}

	if r.cfg.Store != nil {
		if err := r.cfg.Store.DeleteAgent(ctx, agentID); err != nil {
			r.log.Warn("deleting agent from store failed", logger.F("agent_id", agentID, "error", err.Error()))
		}
	}

	r.statsMu.Lock()
	r.totalUnregistered++
	r.statsMu.Unlock()

	r.emit(eventbus.Event{Type: eventbus.TypeAgentUnregistered, Source: "registry", AgentID: agentID})
	r.log.Info("agent unregistered", logger.F("agent_id", agentID))
	return nil
}

// GetStats summarizes the catalog.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	s := Stats{
		TotalAgents:      len(entries),
		AgentsByTaskType: make(map[string]int),
	}
	var utilSum float64
	for _, e := range entries {
		e.mu.Lock()
		for _, tt := range e.profile.Capabilities.TaskTypes {
			s.AgentsByTaskType[tt]++
		}
		utilSum += e.profile.Load.UtilizationPercent
		e.mu.Unlock()
	}
	if len(entries) > 0 {
		s.AverageUtilization = utilSum / float64(len(entries))
	}

	r.statsMu.Lock()
	s.TotalRegistered = r.totalRegistered
	s.TotalUnregistered = r.totalUnregistered
	s.StaleEvictions = r.staleEvictions
	r.statsMu.Unlock()
	return s
}

func (r *Registry) entryFor(op, agentID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, core.New(op, core.KindNotFound, core.ErrNotFound, "agent not found").WithID(agentID)
	}
	return e, nil
}

// cleanupLoop evicts agents whose LastActiveAt is older than the stale
// threshold. Eviction goes through the normal unregister path so events and
// persistence stay consistent.
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictStale(time.Now())
		}
	}
}

func (r *Registry) evictStale(now time.Time) {
	cutoff := now.Add(-r.cfg.StaleAgentThreshold)

	r.mu.RLock()
	var stale []string
	for id, e := range r.agents {
		e.mu.Lock()
		if e.profile.LastActiveAt.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if err := r.UnregisterAgent(context.Background(), id); err == nil {
			r.statsMu.Lock()
			r.staleEvictions++
			r.statsMu.Unlock()
			r.log.Info("evicted stale agent", logger.F("agent_id", id))
		}
	}
}

func (r *Registry) emit(e eventbus.Event) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Emit(e)
	}
}

// Close stops the cleanup loop.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
