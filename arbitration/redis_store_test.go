package arbitration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArbStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "test:arb", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	store := newTestArbStore(t)

	s := &Session{
		SessionID: "session-1",
		Violation: violatingViolation(),
		State:     StateRuleEvaluation,
		Metadata:  map[string]interface{}{},
		StartTime: time.Now(),
	}
	require.NoError(t, store.SaveSession(s))

	loaded, err := store.LoadNonTerminalSessions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "session-1", loaded[0].SessionID)
	assert.Equal(t, StateRuleEvaluation, loaded[0].State)
}

func TestTerminalSessionsLeaveActiveIndex(t *testing.T) {
	store := newTestArbStore(t)

	s := &Session{SessionID: "s1", State: StateRuleEvaluation, Metadata: map[string]interface{}{}}
	require.NoError(t, store.SaveSession(s))
	s.State = StateCompleted
	require.NoError(t, store.SaveSession(s))

	loaded, err := store.LoadNonTerminalSessions()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestPrecedentPersistenceRoundTrip(t *testing.T) {
	store := newTestArbStore(t)

	p := &Precedent{
		ID:       "precedent-1",
		Title:    "test precedent",
		Category: "code-quality",
		Severity: SeverityHigh,
		KeyFacts: []string{"rule=rule-1"},
	}
	require.NoError(t, store.SavePrecedent(p))

	loaded, err := store.LoadAllPrecedents()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "precedent-1", loaded[0].ID)
}

// A new engine over a store with in-flight sessions forces them to FAILED
// with a crash-recovery transition; it never resumes them.
func TestEngineCrashRecovery(t *testing.T) {
	store := newTestArbStore(t)

	inflight := &Session{
		SessionID: "interrupted",
		Violation: violatingViolation(),
		State:     StateVerdictGeneration,
		Metadata:  map[string]interface{}{},
		StartTime: time.Now(),
	}
	require.NoError(t, store.SaveSession(inflight))

	pm, err := NewPrecedentManager(0.5, store, nil)
	require.NoError(t, err)
	e, err := NewEngine(Config{Store: store, Precedents: pm})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)

	recovered, err := e.GetSession("interrupted")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, recovered.State)

	stats := e.GetStats()
	assert.Equal(t, int64(1), stats.FailedSessions)
	assert.Equal(t, 0, stats.ActiveSessions)
}

// Precedents survive a restart through the manager's eager load.
func TestPrecedentManagerRestore(t *testing.T) {
	store := newTestArbStore(t)

	first, err := NewPrecedentManager(0.5, store, nil)
	require.NoError(t, err)
	seedPrecedent(t, first, "code-quality", SeverityHigh)

	second, err := NewPrecedentManager(0.5, store, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Count())
}
