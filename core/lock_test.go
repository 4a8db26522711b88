package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOLockMutualExclusion(t *testing.T) {
	l := NewFIFOLock()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5000, counter)
}

func TestFIFOLockContextCancellation(t *testing.T) {
	l := NewFIFOLock()
	l.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.LockContext(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Unlock()
	require.NoError(t, l.LockContext(context.Background()))
	l.Unlock()
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l := NewFIFOLock()

	func() {
		defer func() { _ = recover() }()
		l.WithLock(func() { panic("boom") })
	}()

	// The lock must be free again.
	done := make(chan struct{})
	go func() {
		l.Lock()
		l.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was not released after panic")
	}
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", New("registry.GetProfile", KindNotFound, ErrNotFound, "missing"), KindNotFound},
		{"saturation", New("queue.Enqueue", KindSaturation, ErrCapacityExceeded, "full"), KindSaturation},
		{"authorization", New("security.Authorize", KindAuthorization, ErrUnauthorized, "denied"), KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := KindOf(tt.err)
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsNotFound(New("op", KindNotFound, ErrNotFound, "")))
	assert.True(t, IsSaturation(New("op", KindSaturation, ErrSaturated, "")))
	assert.True(t, IsSaturation(New("op", KindSaturation, ErrCapacityExceeded, "")))
	assert.True(t, IsInvalidTransition(New("op", KindPrecondition, ErrInvalidTransition, "")))
	assert.True(t, IsUnauthorized(New("op", KindAuthorization, ErrRateLimited, "")))
	assert.False(t, IsNotFound(New("op", KindSaturation, ErrSaturated, "")))
}

func TestErrorContextChaining(t *testing.T) {
	err := New("queue.Enqueue", KindTransientIO, nil, "persist failed").
		WithID("task-1").
		WithContext(map[string]interface{}{"depth": 10}).
		Retry()

	assert.True(t, err.Retriable)
	assert.Equal(t, "task-1", err.ID)
	assert.Equal(t, 10, err.Context["depth"])
}

func TestNewIDPrefix(t *testing.T) {
	id1 := NewID("task")
	id2 := NewID("task")
	assert.Contains(t, id1, "task-")
	assert.NotEqual(t, id1, id2)
}
