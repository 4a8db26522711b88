// Package orchestrator wires the arbiter's subsystems together and exposes
// the operations a protocol adapter (MCP, RPC, CLI) calls: task ingest and
// lifecycle, status, and arbitration of constitutional violations.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arbiterhq/orchestrator/arbitration"
	"github.com/arbiterhq/orchestrator/assignment"
	"github.com/arbiterhq/orchestrator/config"
	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/eventbus"
	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/queue"
	"github.com/arbiterhq/orchestrator/registry"
	"github.com/arbiterhq/orchestrator/routing"
	"github.com/arbiterhq/orchestrator/security"
	"github.com/arbiterhq/orchestrator/telemetry"
)

// Orchestrator owns one instance of every subsystem. There are no package
// globals: everything is constructed in New and passed down explicitly.
type Orchestrator struct {
	cfg *config.Config
	log logger.Logger

	Bus         *eventbus.Bus
	Validator   *security.CommandValidator
	Security    *security.Context
	Registry    *registry.Registry
	Queue       *queue.TaskQueue
	Bandit      *routing.Bandit
	Router      *routing.Router
	Assignments *assignment.Manager
	Precedents  *arbitration.PrecedentManager
	Arbitration *arbitration.Engine
	Telemetry   *telemetry.Telemetry

	mu              sync.Mutex
	taskToAssign    map[string]string // task id -> live assignment id
	assignToTask    map[string]string
	closers         []func() error
}

// Stores bundles the optional persistence adapters. A nil field disables
// persistence for that subsystem.
type Stores struct {
	Registry    registry.Store
	Queue       queue.Store
	Assignment  assignment.Store
	Arbitration arbitration.SessionStore
	Precedents  arbitration.PrecedentStore
}

// NewRedisStores builds every adapter against one Redis URL. Callers that
// want per-subsystem endpoints construct Stores by hand instead.
func NewRedisStores(ctx context.Context, redisURL string, log logger.Logger) (*Stores, []func() error, error) {
	reg, err := registry.NewRedisStore(ctx, redisURL, "", log)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.NewRedisStore(ctx, redisURL, "", log)
	if err != nil {
		_ = reg.Close()
		return nil, nil, err
	}
	asg, err := assignment.NewRedisStore(ctx, redisURL, "", log)
	if err != nil {
		_ = reg.Close()
		_ = q.Close()
		return nil, nil, err
	}
	arb, err := arbitration.NewRedisStore(ctx, redisURL, "", log)
	if err != nil {
		_ = reg.Close()
		_ = q.Close()
		_ = asg.Close()
		return nil, nil, err
	}
	stores := &Stores{Registry: reg, Queue: q, Assignment: asg, Arbitration: arb, Precedents: arb}
	closers := []func() error{reg.Close, q.Close, asg.Close, arb.Close}
	return stores, closers, nil
}

// New wires every subsystem from cfg. stores may be nil for a fully
// in-memory orchestrator; tel may be nil for no-op telemetry.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, stores *Stores, tel *telemetry.Telemetry) (*Orchestrator, error) {
	if cfg == nil {
		var err error
		cfg, err = config.New()
		if err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = logger.NoOp{}
	}
	if stores == nil {
		stores = &Stores{}
	}
	if tel == nil {
		tel = telemetry.NewNoop()
	}

	bus := eventbus.New(eventbus.Config{
		MaxEvents:       cfg.EventBus.MaxEvents,
		Retention:       cfg.EventBus.RetentionTTL,
		Parallel:        cfg.EventBus.ParallelMode,
		HandlerDeadline: cfg.EventBus.HandlerDeadline,
		Logger:          log,
	})

	var sec *security.Context
	if cfg.Security.Enabled {
		sec = security.NewContext(cfg.Security.TokenSigningKey, cfg.Security.RateLimitPerSecond, cfg.Security.RateLimitBurst, log)
	}

	var validator *security.CommandValidator
	if cfg.Security.AllowlistPath != "" {
		var err error
		validator, err = security.LoadCommandValidator(cfg.Security.AllowlistPath, cfg.Security.MaxArgLength, log)
		if err != nil {
			return nil, err
		}
	} else {
		validator = security.NewCommandValidator(cfg.Security.AllowedCommands, cfg.Security.MaxArgLength, log)
	}

	reg, err := registry.New(ctx, registry.Config{
		MaxConcurrentTasksPerAgent: cfg.Registry.MaxConcurrentTasksPerAgent,
		EnableAutoCleanup:          cfg.Registry.EnableAutoCleanup,
		CleanupInterval:            cfg.Registry.CleanupInterval,
		StaleAgentThreshold:        cfg.Registry.StaleAgentThreshold,
		Logger:                     log,
		Bus:                        bus,
		Store:                      stores.Registry,
		Security:                   sec,
	})
	if err != nil {
		return nil, err
	}

	q, err := queue.New(ctx, queue.Config{
		MaxCapacity: cfg.Queue.MaxCapacity,
		Policy:      queue.Policy(cfg.Queue.PriorityPolicy),
		Logger:      log,
		Bus:         bus,
		Store:       stores.Queue,
		Security:    sec,
	})
	if err != nil {
		return nil, err
	}

	bandit := routing.NewBandit(routing.BanditConfig{
		ExplorationRate: cfg.Routing.ExplorationRate,
		DecayFactor:     cfg.Routing.DecayFactor,
		UCBConstant:     cfg.Routing.UCBConstant,
		MinSampleSize:   cfg.Routing.MinSampleSize,
		UseUCB:          cfg.Routing.UseUCB,
		MaxLatencyMs:    cfg.Routing.MaxLatencyMs,
	})
	router := routing.NewRouter(reg, bandit, routing.RouterConfig{
		MaxAgentsToConsider: cfg.Routing.MaxAgentsToConsider,
		MinAgentsRequired:   cfg.Routing.MinAgentsRequired,
		MaxRoutingTime:      cfg.Routing.MaxRoutingTime,
		DefaultStrategy:     routing.Strategy(cfg.Routing.DefaultStrategy),
		BanditEnabled:       cfg.Routing.BanditEnabled,
		Logger:              log,
		Bus:                 bus,
	})

	asg := assignment.NewManager(assignment.Config{
		AcknowledgmentTimeout: cfg.Assignment.AcknowledgmentTimeout,
		ProgressCheckInterval: cfg.Assignment.ProgressCheckInterval,
		MaxAssignmentDuration: cfg.Assignment.MaxAssignmentDuration,
		Logger:                log,
		Bus:                   bus,
		Store:                 stores.Assignment,
	})

	precedents, err := arbitration.NewPrecedentManager(cfg.Arbitration.PrecedentThreshold, stores.Precedents, log)
	if err != nil {
		return nil, err
	}
	engine, err := arbitration.NewEngine(arbitration.Config{
		MaxConcurrentSessions: cfg.Arbitration.MaxConcurrentSessions,
		SessionTimeout:        cfg.Arbitration.SessionTimeout,
		EnableWaivers:         cfg.Arbitration.EnableWaivers,
		EnableAppeals:         cfg.Arbitration.EnableAppeals,
		PrecedentTopK:         cfg.Arbitration.PrecedentTopK,
		Logger:                log,
		Bus:                   bus,
		Store:                 stores.Arbitration,
		Precedents:            precedents,
	})
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:          cfg,
		log:          log.WithComponent("arbiter/orchestrator"),
		Bus:          bus,
		Validator:    validator,
		Security:     sec,
		Registry:     reg,
		Queue:        q,
		Bandit:       bandit,
		Router:       router,
		Assignments:  asg,
		Precedents:   precedents,
		Arbitration:  engine,
		Telemetry:    tel,
		taskToAssign: make(map[string]string),
		assignToTask: make(map[string]string),
	}, nil
}

// SubmitTask validates and enqueues a task.
func (o *Orchestrator) SubmitTask(ctx context.Context, t *queue.Task) error {
	if t != nil && t.TaskID == "" {
		t.TaskID = core.NewID("task")
	}
	ctx, span := o.Telemetry.StartSpan(ctx, "orchestrator.SubmitTask")
	defer span.End()
	err := o.Queue.Enqueue(ctx, t)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return err
	}
	o.Telemetry.TasksEnqueued.Add(ctx, 1)
	o.Telemetry.QueueDepth.Add(ctx, 1)
	return nil
}

// SubmitTaskWithCredentials is SubmitTask behind the security gate.
func (o *Orchestrator) SubmitTaskWithCredentials(ctx context.Context, t *queue.Task, cred security.Credentials) error {
	if t != nil && t.TaskID == "" {
		t.TaskID = core.NewID("task")
	}
	return o.Queue.EnqueueWithCredentials(ctx, t, cred)
}

// ProcessNext dequeues the highest-priority task, routes it, and creates an
// assignment. Returns (nil, nil) on an empty queue. A routing failure marks
// the task FAILED and surfaces the routing error.
func (o *Orchestrator) ProcessNext(ctx context.Context) (*assignment.Assignment, error) {
	ctx, span := o.Telemetry.StartSpan(ctx, "orchestrator.ProcessNext")
	defer span.End()

	st, err := o.Queue.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	o.Telemetry.QueueDepth.Add(ctx, -1)
	task := st.Task

	routeStart := time.Now()
	decision, err := o.Router.RouteTask(ctx, task)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		if stErr := o.Queue.UpdateTaskStatus(ctx, task.TaskID, queue.StatusFailed, err.Error()); stErr != nil {
			o.log.Warn("marking unroutable task failed", logger.F("task_id", task.TaskID, "error", stErr.Error()))
		}
		return nil, err
	}
	o.Queue.RecordRouting(task.TaskID, decision.ID, decision.SelectedAgent)
	o.Telemetry.RecordRoutingLatency(ctx, float64(time.Since(routeStart).Microseconds())/1000, string(decision.Strategy))
	telemetry.AddSpanEvent(ctx, "routing.decided",
		attribute.String("agent_id", decision.SelectedAgent),
		attribute.String("strategy", string(decision.Strategy)),
	)

	a, err := o.Assignments.CreateAssignment(ctx, task, decision, o.onAssignmentTimeout, o.onAssignmentTimeout)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.taskToAssign[task.TaskID] = a.ID
	o.assignToTask[a.ID] = task.TaskID
	o.mu.Unlock()

	if err := o.Queue.UpdateTaskStatus(ctx, task.TaskID, queue.StatusAssigned, ""); err != nil {
		o.log.Warn("marking task assigned failed", logger.F("task_id", task.TaskID, "error", err.Error()))
	}
	if profile, err := o.Registry.GetProfile(ctx, decision.SelectedAgent); err == nil {
		if err := o.Registry.UpdateLoad(ctx, decision.SelectedAgent, profile.Load.ActiveTasks+1, profile.Load.QueuedTasks); err != nil {
			o.log.Warn("bumping agent load failed", logger.F("agent_id", decision.SelectedAgent, "error", err.Error()))
		}
	}
	return a, nil
}

// onAssignmentTimeout reconciles queue state when an assignment times out
// waiting for acknowledgment or progress.
func (o *Orchestrator) onAssignmentTimeout(a *assignment.Assignment) {
	ctx := context.Background()
	o.dropMapping(a.ID)
	if err := o.Queue.UpdateTaskStatus(ctx, a.Task.TaskID, queue.StatusTimeout, a.ErrorMessage); err != nil {
		o.log.Warn("marking task timed out failed", logger.F("task_id", a.Task.TaskID, "error", err.Error()))
	}
	o.releaseAgent(ctx, a.AgentID)
}

// AcknowledgeTask marks the task's live assignment acknowledged.
func (o *Orchestrator) AcknowledgeTask(ctx context.Context, taskID string) error {
	id, err := o.assignmentFor(taskID)
	if err != nil {
		return err
	}
	if err := o.Assignments.Acknowledge(ctx, id); err != nil {
		return err
	}
	if err := o.Queue.UpdateTaskStatus(ctx, taskID, queue.StatusExecuting, ""); err != nil {
		o.log.Warn("marking task executing failed", logger.F("task_id", taskID, "error", err.Error()))
	}
	return nil
}

// UpdateTaskProgress forwards an agent's progress report.
func (o *Orchestrator) UpdateTaskProgress(ctx context.Context, taskID string, progress float64, metadata map[string]interface{}) error {
	id, err := o.assignmentFor(taskID)
	if err != nil {
		return err
	}
	return o.Assignments.UpdateProgress(ctx, id, progress, metadata)
}

// CompleteTask finishes the task: the assignment terminates, the queue row
// goes COMPLETED, and the routing outcome feeds the registry and bandit.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, result assignment.Result) error {
	id, err := o.assignmentFor(taskID)
	if err != nil {
		return err
	}
	a, err := o.Assignments.CompleteAssignment(ctx, id, result)
	if err != nil {
		return err
	}
	o.dropMapping(id)

	if err := o.Queue.UpdateTaskStatus(ctx, taskID, queue.StatusCompleted, ""); err != nil {
		o.log.Warn("marking task completed failed", logger.F("task_id", taskID, "error", err.Error()))
	}
	latency := result.LatencyMs
	if latency <= 0 && a.CompletedAt != nil {
		latency = float64(a.CompletedAt.Sub(a.AssignedAt).Milliseconds())
	}
	if err := o.Router.RecordRoutingOutcome(ctx, routing.Outcome{
		TaskID:    taskID,
		AgentID:   a.AgentID,
		Success:   true,
		Quality:   result.Quality,
		LatencyMs: latency,
	}); err != nil {
		o.log.Warn("recording routing outcome failed", logger.F("task_id", taskID, "error", err.Error()))
	}
	o.releaseAgent(ctx, a.AgentID)
	return nil
}

// FailTask fails the task's assignment. When the failure is retriable and
// attempts remain, the task is immediately re-routed to a different
// assignment; otherwise the queue row goes FAILED.
func (o *Orchestrator) FailTask(ctx context.Context, taskID, errMessage, errCode string, canRetry bool) error {
	id, err := o.assignmentFor(taskID)
	if err != nil {
		return err
	}

	st := o.Queue.GetState(taskID)
	attemptsLeft := st != nil && st.Attempts < st.MaxAttempts
	a, reassigned, err := o.Assignments.FailAssignment(ctx, id, errMessage, errCode, canRetry && attemptsLeft)
	if err != nil {
		return err
	}
	o.dropMapping(id)
	o.releaseAgent(ctx, a.AgentID)

	if err := o.Router.RecordRoutingOutcome(ctx, routing.Outcome{
		TaskID:    taskID,
		AgentID:   a.AgentID,
		Success:   false,
		Quality:   0,
		LatencyMs: float64(a.CompletedAt.Sub(a.AssignedAt).Milliseconds()),
	}); err != nil {
		o.log.Warn("recording routing outcome failed", logger.F("task_id", taskID, "error", err.Error()))
	}

	if !reassigned {
		if err := o.Queue.UpdateTaskStatus(ctx, taskID, queue.StatusFailed, errMessage); err != nil {
			o.log.Warn("marking task failed", logger.F("task_id", taskID, "error", err.Error()))
		}
		return nil
	}

	// Route again with the failing agent's updated stats in play. Task
	// status stays where it is: statuses only move forward, and the retry
	// is tracked through the attempt counter and routing history.
	decision, routeErr := o.Router.RouteTask(ctx, a.Task)
	if routeErr != nil {
		if stErr := o.Queue.UpdateTaskStatus(ctx, taskID, queue.StatusFailed, routeErr.Error()); stErr != nil {
			o.log.Warn("marking unreroutable task failed", logger.F("task_id", taskID, "error", stErr.Error()))
		}
		return routeErr
	}
	o.Queue.RecordRouting(taskID, decision.ID, decision.SelectedAgent)
	retry, err := o.Assignments.CreateAssignment(ctx, a.Task, decision, o.onAssignmentTimeout, o.onAssignmentTimeout)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.taskToAssign[taskID] = retry.ID
	o.assignToTask[retry.ID] = taskID
	o.mu.Unlock()
	o.log.Info("task reassigned", logger.F(
		"task_id", taskID,
		"from_agent", a.AgentID,
		"to_agent", decision.SelectedAgent,
	))
	return nil
}

// ReportViolation runs one complete arbitration pass over a standalone
// constitutional violation: session start, rule evaluation, verdict, and
// completion. Callers needing waivers or appeals drive the engine directly.
func (o *Orchestrator) ReportViolation(ctx context.Context, v *arbitration.Violation, rules []arbitration.Rule) (*arbitration.Session, *arbitration.Verdict, error) {
	ctx, span := o.Telemetry.StartSpan(ctx, "orchestrator.ReportViolation")
	defer span.End()

	session, err := o.Arbitration.StartSession(v, rules, nil)
	if err != nil {
		return nil, nil, err
	}
	if _, err := o.Arbitration.EvaluateRules(session.SessionID); err != nil {
		return nil, nil, err
	}
	verdict, err := o.Arbitration.GenerateVerdict(session.SessionID)
	if err != nil {
		return nil, nil, err
	}
	o.Telemetry.RecordVerdict(ctx, string(verdict.Outcome))
	if err := o.Arbitration.CompleteSession(session.SessionID); err != nil {
		return nil, nil, err
	}
	final, err := o.Arbitration.GetSession(session.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return final, verdict, nil
}

// Status aggregates every subsystem's statistics.
type Status struct {
	Queue       queue.Stats       `json:"queue"`
	Registry    registry.Stats    `json:"registry"`
	Routing     routing.Metrics   `json:"routing"`
	Assignments assignment.Stats  `json:"assignments"`
	Arbitration arbitration.Stats `json:"arbitration"`
}

// GetStatus snapshots the orchestrator.
func (o *Orchestrator) GetStatus() Status {
	return Status{
		Queue:       o.Queue.GetStats(),
		Registry:    o.Registry.GetStats(),
		Routing:     o.Router.GetMetrics(),
		Assignments: o.Assignments.GetStats(),
		Arbitration: o.Arbitration.GetStats(),
	}
}

// Shutdown drains every subsystem: assignments fail as shutdown, active
// sessions fail, background loops stop, and a final summary event is
// emitted before the bus closes.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.Assignments.Shutdown(ctx)
	o.Arbitration.Shutdown()
	o.Registry.Close()

	status := o.GetStatus()
	o.Bus.Emit(eventbus.Event{
		Type:   "orchestrator.shutdown",
		Source: "orchestrator",
		Metadata: map[string]interface{}{
			"tasks_enqueued":     status.Queue.TotalEnqueued,
			"sessions_completed": status.Arbitration.CompletedSessions,
		},
	})
	o.Bus.Close()
	for _, c := range o.closers {
		if err := c(); err != nil {
			o.log.Warn("closing store failed", logger.F("error", err.Error()))
		}
	}
	o.log.Info("orchestrator shut down", nil)
}

// AttachClosers registers store close functions to run on Shutdown.
func (o *Orchestrator) AttachClosers(closers ...func() error) {
	o.closers = append(o.closers, closers...)
}

func (o *Orchestrator) assignmentFor(taskID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.taskToAssign[taskID]
	if !ok {
		return "", core.New("orchestrator.assignmentFor", core.KindNotFound, core.ErrNotFound,
			"no live assignment for task").WithID(taskID)
	}
	return id, nil
}

func (o *Orchestrator) dropMapping(assignmentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if taskID, ok := o.assignToTask[assignmentID]; ok {
		delete(o.assignToTask, assignmentID)
		if o.taskToAssign[taskID] == assignmentID {
			delete(o.taskToAssign, taskID)
		}
	}
}

func (o *Orchestrator) releaseAgent(ctx context.Context, agentID string) {
	profile, err := o.Registry.GetProfile(ctx, agentID)
	if err != nil {
		return
	}
	active := profile.Load.ActiveTasks - 1
	if active < 0 {
		active = 0
	}
	if err := o.Registry.UpdateLoad(ctx, agentID, active, profile.Load.QueuedTasks); err != nil {
		o.log.Warn("releasing agent load failed", logger.F("agent_id", agentID, "error", err.Error()))
	}
}
