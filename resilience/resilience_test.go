package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/orchestrator/core"
)

var errInfra = errors.New("connection refused")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, SleepWindow: time.Hour})

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errInfra })
		assert.ErrorIs(t, err, errInfra)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, SleepWindow: time.Hour})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errInfra })
	}
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errInfra })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name: "test", FailureThreshold: 1, SleepWindow: 10 * time.Millisecond, HalfOpenProbes: 2,
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return errInfra })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name: "test", FailureThreshold: 1, SleepWindow: 10 * time.Millisecond,
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return errInfra })
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(context.Background(), func(context.Context) error { return errInfra })
	assert.Equal(t, StateOpen, cb.State())
}

func TestClassifierIgnoresCallerErrors(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, SleepWindow: time.Hour})

	notFound := core.New("store.Load", core.KindNotFound, core.ErrNotFound, "missing")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return notFound })
	}
	assert.Equal(t, StateClosed, cb.State(), "not-found errors must not trip the breaker")
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2,
	}, func() error {
		attempts++
		if attempts < 3 {
			return errInfra
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2,
	}, func() error {
		attempts++
		return errInfra
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errInfra)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error { return errInfra })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithBreakerFailsFastWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, SleepWindow: time.Hour})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errInfra })
	require.Equal(t, StateOpen, cb.State())

	calls := 0
	err := RetryWithBreaker(context.Background(), &RetryConfig{
		MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1,
	}, cb, func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "the protected function is never invoked while open")
}
