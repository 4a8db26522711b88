// Package eventbus provides the in-process publish/subscribe channel every
// subsystem emits structured events onto. Subscribers register handlers per
// event type or with a filter; recent events are retained in a bounded ring
// so late observers (status endpoints, tests) can query history.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/logger"
)

// Severity grades an event for filtering and retention decisions.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event is the unit published on the bus. Correlation fields are optional and
// let a filter follow one task, agent, or arbitration session across types.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Severity      Severity               `json:"severity"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	AgentID       string                 `json:"agent_id,omitempty"`
	TaskID        string                 `json:"task_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Handler consumes one event. Handlers must not block in cooperative mode;
// in parallel mode each invocation gets its own goroutine and deadline.
type Handler func(Event)

// Filter selects events for a filtered subscription or a history query.
// Empty slices match everything; Predicate, when set, is applied last.
type Filter struct {
	Types      []string
	Severities []Severity
	Sources    []string
	AgentIDs   []string
	TaskIDs    []string
	Predicate  func(Event) bool
}

// Matches reports whether e passes every populated criterion of f.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 && !containsString(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, e.Source) {
		return false
	}
	if len(f.AgentIDs) > 0 && !containsString(f.AgentIDs, e.AgentID) {
		return false
	}
	if len(f.TaskIDs) > 0 && !containsString(f.TaskIDs, e.TaskID) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(e) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsSeverity(haystack []Severity, needle Severity) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Config tunes the bus. Zero values fall back to the defaults below.
type Config struct {
	// MaxEvents bounds the retained ring; the oldest event is dropped when
	// the ring is full. Default 10000.
	MaxEvents int

	// Retention is how long an event stays queryable. A background sweep
	// removes older entries every minute. Default 1h.
	Retention time.Duration

	// Parallel switches dispatch from cooperative (handlers run inline on
	// the emitter's goroutine) to parallel (one goroutine per handler with
	// HandlerDeadline applied).
	Parallel bool

	// HandlerDeadline bounds a single handler invocation in parallel mode.
	// A handler that overruns is logged at WARN and abandoned; the emit
	// itself still succeeds. Default 2s.
	HandlerDeadline time.Duration

	Logger logger.Logger
}

const (
	defaultMaxEvents       = 10000
	defaultRetention       = time.Hour
	defaultHandlerDeadline = 2 * time.Second
	sweepInterval          = time.Minute
)

// Subscription identifies one registered handler so it can be removed.
// Function values are not comparable in Go, so On returns a handle instead
// of keying removal by the handler itself.
type Subscription struct {
	id        uint64
	eventType string
	filtered  bool
}

type registration struct {
	id      uint64
	handler Handler
	filter  Filter
}

// Bus is the process-wide event bus. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	byType   map[string][]registration
	filtered []registration
	ring     []Event
	nextID   uint64

	cfg    Config
	log    logger.Logger
	stopCh chan struct{}
	stopMu sync.Once
}

// New creates a started Bus; Close stops its retention sweep.
func New(cfg Config) *Bus {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.HandlerDeadline <= 0 {
		cfg.HandlerDeadline = defaultHandlerDeadline
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NoOp{}
	}
	b := &Bus{
		byType: make(map[string][]registration),
		ring:   make([]Event, 0, cfg.MaxEvents),
		cfg:    cfg,
		log:    lg.WithComponent("arbiter/eventbus"),
		stopCh: make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Emit stores the event and dispatches it to every matching handler. Emit
// never returns an error and never panics out of a handler fault: a handler
// error is the handler's problem, not the emitter's.
func (b *Bus) Emit(e Event) {
	if e.ID == "" {
		e.ID = core.NewID("event")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	b.mu.Lock()
	if len(b.ring) == b.cfg.MaxEvents {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:len(b.ring)-1]
	}
	b.ring = append(b.ring, e)
	typed := make([]registration, len(b.byType[e.Type]))
	copy(typed, b.byType[e.Type])
	var filteredMatches []registration
	for _, reg := range b.filtered {
		if reg.filter.Matches(e) {
			filteredMatches = append(filteredMatches, reg)
		}
	}
	b.mu.Unlock()

	for _, reg := range typed {
		b.invoke(reg.handler, e)
	}
	for _, reg := range filteredMatches {
		b.invoke(reg.handler, e)
	}
}

// invoke runs one handler under the configured dispatch mode, absorbing
// panics so a faulty subscriber cannot take down an emitter.
func (b *Bus) invoke(h Handler, e Event) {
	if !b.cfg.Parallel {
		defer b.recoverHandler(e)
		h(e)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer b.recoverHandler(e)
		h(e)
	}()
	timer := time.NewTimer(b.cfg.HandlerDeadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.log.Warn("event handler exceeded deadline", logger.F(
			"event_type", e.Type,
			"event_id", e.ID,
			"deadline", b.cfg.HandlerDeadline.String(),
		))
	}
}

func (b *Bus) recoverHandler(e Event) {
	if r := recover(); r != nil {
		b.log.Error("event handler panicked", logger.F(
			"event_type", e.Type,
			"event_id", e.ID,
			"panic", r,
		))
	}
}

// On registers handler for every event of the given type. Returns the
// subscription handle needed by Off.
func (b *Bus) On(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.byType[eventType] = append(b.byType[eventType], registration{id: b.nextID, handler: handler})
	return Subscription{id: b.nextID, eventType: eventType}
}

// OnFiltered registers handler for every event matching filter, across types.
func (b *Bus) OnFiltered(filter Filter, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.filtered = append(b.filtered, registration{id: b.nextID, handler: handler, filter: filter})
	return Subscription{id: b.nextID, filtered: true}
}

// Off removes a subscription. Removing an already-removed subscription is a
// no-op, so deferred cleanup paths can call it unconditionally.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.filtered {
		b.filtered = removeRegistration(b.filtered, sub.id)
		return
	}
	regs := removeRegistration(b.byType[sub.eventType], sub.id)
	if len(regs) == 0 {
		delete(b.byType, sub.eventType)
	} else {
		b.byType[sub.eventType] = regs
	}
}

func removeRegistration(regs []registration, id uint64) []registration {
	for i, reg := range regs {
		if reg.id == id {
			return append(regs[:i:i], regs[i+1:]...)
		}
	}
	return regs
}

// GetEvents returns up to limit of the most recent retained events matching
// filter, newest last. limit <= 0 means no limit.
func (b *Bus) GetEvents(filter Filter, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.ring {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// sweepLoop evicts events older than the retention window.
func (b *Bus) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

func (b *Bus) sweep(now time.Time) {
	cutoff := now.Add(-b.cfg.Retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := 0
	for idx < len(b.ring) && b.ring[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.ring = append(b.ring[:0:0], b.ring[idx:]...)
	}
}

// Close stops the retention sweep. Pending handler goroutines are allowed to
// finish on their own.
func (b *Bus) Close() {
	b.stopMu.Do(func() { close(b.stopCh) })
}

// EmitCtx is Emit with a correlation id lifted from ctx, so subsystems that
// already carry a request context do not have to thread the id manually.
func (b *Bus) EmitCtx(ctx context.Context, e Event) {
	if e.CorrelationID == "" {
		e.CorrelationID = logger.CorrelationID(ctx)
	}
	b.Emit(e)
}
