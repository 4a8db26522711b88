// Package resilience provides the retry and circuit-breaker machinery the
// persistence adapters wrap around Redis calls. Transient store failures are
// retried with exponential backoff; a store that keeps failing trips the
// breaker so callers fail fast instead of queueing behind dead connections.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/logger"
)

// ErrCircuitOpen is returned by Execute when the breaker is open and the
// call was rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker's current disposition toward new calls.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen rejects every call until the sleep window elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides which errors count toward the failure threshold.
// Caller errors (not found, bad input, canceled context) must not trip the
// breaker; only infrastructure failures should.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except not-found, precondition
// failures, and context cancellation.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if kind, ok := core.KindOf(err); ok && kind == core.KindPrecondition {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// BreakerConfig tunes one circuit breaker. Zero values take the defaults
// noted per field.
type BreakerConfig struct {
	// Name identifies the breaker in logs ("registry-store", "queue-store").
	Name string

	// FailureThreshold is the consecutive classified failures that open the
	// breaker. Default 5.
	FailureThreshold int

	// SleepWindow is how long the breaker stays open before admitting
	// half-open probes. Default 30s.
	SleepWindow time.Duration

	// HalfOpenProbes is how many successful probes close the breaker again.
	// A single probe failure re-opens it. Default 3.
	HalfOpenProbes int

	Classifier ErrorClassifier
	Logger     logger.Logger
}

// CircuitBreaker is a consecutive-failure breaker with a half-open probe
// phase. It is deliberately simpler than a sliding-window error-rate breaker:
// the stores it protects are single Redis endpoints where consecutive
// failures are the signal that matters.
type CircuitBreaker struct {
	cfg BreakerConfig
	log logger.Logger

	mu             sync.Mutex
	state          State
	failures       int
	probeSuccesses int
	openedAt       time.Time
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultErrorClassifier
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.NoOp{}
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: lg.WithComponent("arbiter/resilience"),
	}
}

// State returns the breaker's current state, accounting for an elapsed
// sleep window.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked(time.Now())
}

func (cb *CircuitBreaker) currentStateLocked(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.SleepWindow {
		cb.state = StateHalfOpen
		cb.probeSuccesses = 0
		cb.log.Info("circuit breaker entering half-open", logger.F("name", cb.cfg.Name))
	}
	return cb.state
}

// Execute runs fn if the breaker admits it, recording the outcome. When the
// breaker is open the call is rejected immediately with ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	state := cb.currentStateLocked(time.Now())
	if state == StateOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) record(err error) {
	counted := cb.cfg.Classifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	state := cb.currentStateLocked(now)

	switch {
	case err == nil || !counted:
		if state == StateHalfOpen {
			cb.probeSuccesses++
			if cb.probeSuccesses >= cb.cfg.HalfOpenProbes {
				cb.transitionLocked(StateClosed, now)
			}
		} else {
			cb.failures = 0
		}
	default:
		if state == StateHalfOpen {
			cb.transitionLocked(StateOpen, now)
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures = 0
	cb.probeSuccesses = 0
	if to == StateOpen {
		cb.openedAt = now
	}
	cb.log.Warn("circuit breaker state change", logger.F(
		"name", cb.cfg.Name,
		"from", from.String(),
		"to", to.String(),
	))
}
