package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg)
	t.Cleanup(b.Close)
	return b
}

func TestEmitDispatchesToTypedHandlers(t *testing.T) {
	b := newTestBus(t, Config{})

	var got []Event
	var mu sync.Mutex
	b.On(TypeTaskEnqueued, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	b.Emit(Event{Type: TypeTaskEnqueued, Source: "test", TaskID: "t1"})
	b.Emit(Event{Type: TypeTaskDequeued, Source: "test", TaskID: "t1"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestOffRemovesHandler(t *testing.T) {
	b := newTestBus(t, Config{})

	var count atomic.Int32
	sub := b.On("x", func(Event) { count.Add(1) })

	b.Emit(Event{Type: "x"})
	b.Off(sub)
	b.Emit(Event{Type: "x"})
	// Removing twice is a no-op.
	b.Off(sub)

	assert.Equal(t, int32(1), count.Load())
}

func TestFilteredSubscription(t *testing.T) {
	b := newTestBus(t, Config{})

	var matched atomic.Int32
	b.OnFiltered(Filter{
		Severities: []Severity{SeverityError, SeverityCritical},
		Sources:    []string{"queue"},
	}, func(Event) { matched.Add(1) })

	b.Emit(Event{Type: "a", Source: "queue", Severity: SeverityError})
	b.Emit(Event{Type: "b", Source: "queue", Severity: SeverityInfo})
	b.Emit(Event{Type: "c", Source: "router", Severity: SeverityError})

	assert.Equal(t, int32(1), matched.Load())
}

func TestCustomPredicateFilter(t *testing.T) {
	b := newTestBus(t, Config{})

	var matched atomic.Int32
	b.OnFiltered(Filter{
		Predicate: func(e Event) bool { return e.Metadata["n"] == 2 },
	}, func(Event) { matched.Add(1) })

	b.Emit(Event{Type: "x", Metadata: map[string]interface{}{"n": 1}})
	b.Emit(Event{Type: "x", Metadata: map[string]interface{}{"n": 2}})

	assert.Equal(t, int32(1), matched.Load())
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	b := newTestBus(t, Config{})

	b.On("x", func(Event) { panic("handler bug") })
	var after atomic.Bool
	b.On("x", func(Event) { after.Store(true) })

	assert.NotPanics(t, func() { b.Emit(Event{Type: "x"}) })
	assert.True(t, after.Load(), "handlers after the panicking one still run")
}

func TestParallelDispatchTimeout(t *testing.T) {
	b := newTestBus(t, Config{Parallel: true, HandlerDeadline: 20 * time.Millisecond})

	release := make(chan struct{})
	b.On("slow", func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		b.Emit(Event{Type: "slow"})
		close(done)
	}()

	select {
	case <-done:
		// Emit returned despite the stuck handler.
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a slow handler in parallel mode")
	}
	close(release)
}

func TestRingDropsOldest(t *testing.T) {
	b := newTestBus(t, Config{MaxEvents: 3})

	for i := 0; i < 5; i++ {
		b.Emit(Event{Type: "x", Metadata: map[string]interface{}{"n": i}})
	}

	events := b.GetEvents(Filter{Types: []string{"x"}}, 0)
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Metadata["n"])
	assert.Equal(t, 4, events[2].Metadata["n"])
}

func TestGetEventsLimit(t *testing.T) {
	b := newTestBus(t, Config{})
	for i := 0; i < 10; i++ {
		b.Emit(Event{Type: "x", Metadata: map[string]interface{}{"n": i}})
	}
	events := b.GetEvents(Filter{}, 4)
	require.Len(t, events, 4)
	assert.Equal(t, 9, events[3].Metadata["n"])
}

func TestRetentionSweep(t *testing.T) {
	b := newTestBus(t, Config{Retention: 50 * time.Millisecond})

	b.Emit(Event{Type: "old"})
	time.Sleep(60 * time.Millisecond)
	b.Emit(Event{Type: "fresh"})

	b.sweep(time.Now())

	events := b.GetEvents(Filter{}, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Type)
}

func TestPerTypeFIFOOrder(t *testing.T) {
	b := newTestBus(t, Config{})

	var order []int
	var mu sync.Mutex
	b.On("seq", func(e Event) {
		mu.Lock()
		order = append(order, e.Metadata["n"].(int))
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		b.Emit(Event{Type: "seq", Metadata: map[string]interface{}{"n": i}})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}
