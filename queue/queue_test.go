package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/security"
)

func newTestQueue(t *testing.T, cfg Config) *TaskQueue {
	t.Helper()
	q, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return q
}

func task(id string, priority int) *Task {
	return &Task{TaskID: id, Type: "code-editing", Priority: priority}
}

func TestEnqueueDequeueBasics(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t1", 5)))

	st, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "t1", st.Task.TaskID)
	assert.Equal(t, StatusRouting, st.Status)

	empty, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	q := newTestQueue(t, Config{DefaultTimeout: 2 * time.Minute, DefaultMaxAttempts: 5})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t1", 1)))
	st := q.GetState("t1")
	require.NotNil(t, st)
	assert.Equal(t, int64(120000), st.Task.TimeoutMs)
	assert.Equal(t, 5, st.MaxAttempts)
	assert.False(t, st.Task.CreatedAt.IsZero())
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	assert.Error(t, q.Enqueue(ctx, nil))
	assert.Error(t, q.Enqueue(ctx, &Task{TaskID: "x"}))
	assert.Error(t, q.Enqueue(ctx, &Task{Type: "code-editing"}))

	require.NoError(t, q.Enqueue(ctx, task("dup", 1)))
	err := q.Enqueue(ctx, task("dup", 1))
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

// Capacity: with maxCapacity 2, the third enqueue fails and depth stays 2.
func TestCapacityExceeded(t *testing.T) {
	q := newTestQueue(t, Config{MaxCapacity: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t1", 1)))
	require.NoError(t, q.Enqueue(ctx, task("t2", 1)))
	err := q.Enqueue(ctx, task("t3", 1))
	require.Error(t, err)
	assert.True(t, core.IsSaturation(err))
	assert.Equal(t, 2, q.GetStats().Depth)
}

func TestPriorityOrder(t *testing.T) {
	q := newTestQueue(t, Config{Policy: PolicyPriority})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("low", 1)))
	require.NoError(t, q.Enqueue(ctx, task("high", 9)))
	require.NoError(t, q.Enqueue(ctx, task("mid", 5)))

	var order []string
	for {
		st, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if st == nil {
			break
		}
		order = append(order, st.Task.TaskID)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestPriorityTieBreaksByCreation(t *testing.T) {
	q := newTestQueue(t, Config{Policy: PolicyPriority})
	ctx := context.Background()

	base := time.Now()
	first := task("first", 5)
	first.CreatedAt = base
	second := task("second", 5)
	second.CreatedAt = base.Add(time.Millisecond)

	// Enqueue out of order; creation time decides the tie.
	require.NoError(t, q.Enqueue(ctx, second))
	require.NoError(t, q.Enqueue(ctx, first))

	st, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", st.Task.TaskID)
}

func TestFIFOPolicy(t *testing.T) {
	q := newTestQueue(t, Config{Policy: PolicyFIFO})
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		tk := task(fmt.Sprintf("t%d", i), 9-i)
		tk.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, tk))
	}

	for i := 0; i < 3; i++ {
		st, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("t%d", i), st.Task.TaskID, "fifo ignores declared priority")
	}
}

func TestDeadlinePolicyUrgencyBoost(t *testing.T) {
	q := newTestQueue(t, Config{Policy: PolicyDeadline})
	ctx := context.Background()

	// Same declared priority; the one about to expire wins.
	urgent := task("urgent", 5)
	urgent.TimeoutMs = (30 * time.Minute).Milliseconds()
	relaxed := task("relaxed", 5)
	relaxed.TimeoutMs = (48 * time.Hour).Milliseconds()

	require.NoError(t, q.Enqueue(ctx, relaxed))
	require.NoError(t, q.Enqueue(ctx, urgent))

	st, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "urgent", st.Task.TaskID)
}

func TestPeekIsNonDestructive(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, task("t1", 1)))

	st := q.Peek()
	require.NotNil(t, st)
	assert.Equal(t, "t1", st.Task.TaskID)
	assert.Equal(t, 1, q.GetStats().Depth)
}

func TestClearCancelsQueued(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t1", 1)))
	require.NoError(t, q.Enqueue(ctx, task("t2", 1)))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	cleared := q.Clear(ctx)
	assert.Equal(t, 1, cleared, "only still-queued tasks cancel")
	assert.Equal(t, 0, q.GetStats().Depth)

	st := q.GetState("t2")
	require.NotNil(t, st)
	assert.Equal(t, StatusCanceled, st.Status)
	assert.Equal(t, "Queue cleared", st.LastError)

	dequeued := q.GetState("t1")
	assert.Equal(t, StatusRouting, dequeued.Status, "dequeued task untouched by clear")
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, task("t1", 1)))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.UpdateTaskStatus(ctx, "t1", StatusAssigned, ""))
	st := q.GetState("t1")
	require.NotNil(t, st.StartedAt)

	require.NoError(t, q.UpdateTaskStatus(ctx, "t1", StatusExecuting, ""))
	require.NoError(t, q.UpdateTaskStatus(ctx, "t1", StatusCompleted, ""))
	st = q.GetState("t1")
	require.NotNil(t, st.CompletedAt)

	// Backward and terminal-to-terminal moves are rejected.
	err = q.UpdateTaskStatus(ctx, "t1", StatusExecuting, "")
	assert.True(t, core.IsInvalidTransition(err))
	err = q.UpdateTaskStatus(ctx, "t1", StatusFailed, "")
	assert.True(t, core.IsInvalidTransition(err))
}

func TestUpdateStatusUnknownTask(t *testing.T) {
	q := newTestQueue(t, Config{})
	err := q.UpdateTaskStatus(context.Background(), "ghost", StatusAssigned, "")
	assert.True(t, core.IsNotFound(err))
}

// Depth equals enqueues minus dequeues minus clears, and never goes
// negative, for any interleaving.
func TestDepthConsistencyUnderConcurrency(t *testing.T) {
	q := newTestQueue(t, Config{MaxCapacity: 10000})
	ctx := context.Background()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue(ctx, task(fmt.Sprintf("t-%d-%d", p, i), i%10))
			}
		}(p)
	}
	var dequeued int64
	var dmu sync.Mutex
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 60; i++ {
				st, _ := q.Dequeue(ctx)
				if st != nil {
					dmu.Lock()
					dequeued++
					dmu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	s := q.GetStats()
	assert.Equal(t, int64(producers*perProducer), s.TotalEnqueued)
	assert.Equal(t, dequeued, s.TotalDequeued)
	assert.Equal(t, int(s.TotalEnqueued-s.TotalDequeued), s.Depth)
	assert.GreaterOrEqual(t, s.Depth, 0)
}

func TestStatsHistogram(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, task("a", 5)))
	require.NoError(t, q.Enqueue(ctx, task("b", 5)))
	require.NoError(t, q.Enqueue(ctx, task("c", 1)))

	s := q.GetStats()
	assert.Equal(t, int64(2), s.PriorityHistogram[5])
	assert.Equal(t, int64(1), s.PriorityHistogram[1])
	assert.Equal(t, 3, s.StatusHistogram[StatusQueued])
	assert.Equal(t, 3, s.MaxDepth)
}

func TestRecordRoutingBumpsAttempts(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, task("t1", 1)))

	q.RecordRouting("t1", "decision-1", "agent-1")
	q.RecordRouting("t1", "decision-2", "agent-2")

	st := q.GetState("t1")
	assert.Equal(t, 2, st.Attempts)
	require.Len(t, st.RoutingHistory, 2)
	assert.Equal(t, "agent-2", st.RoutingHistory[1].AgentID)
}

func TestSanitizeTextStripsControlCharacters(t *testing.T) {
	assert.Equal(t, "hello world\n", sanitizeText("hel\x1blo world\x07\n"))
}

func TestEnqueueWithCredentials(t *testing.T) {
	sec := security.NewContext("key", 100, 100, nil)
	q := newTestQueue(t, Config{Security: sec})
	ctx := context.Background()

	token, err := sec.IssueToken("alice", "tenant-1", security.RoleOperator, time.Minute)
	require.NoError(t, err)

	tk := task("t1", 1)
	tk.Description = "fix\x07 the bug"
	require.NoError(t, q.EnqueueWithCredentials(ctx, tk, security.Credentials{Token: token, TenantID: "tenant-1"}))
	assert.Equal(t, "fix the bug", q.GetState("t1").Task.Description)

	err = q.EnqueueWithCredentials(ctx, task("t2", 1), security.Credentials{Token: "forged"})
	require.Error(t, err)
	assert.True(t, core.IsUnauthorized(err))
	assert.Equal(t, 1, q.GetStats().Depth)
}
