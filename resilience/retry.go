package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig returns the settings the persistence adapters use:
// three attempts with 100ms initial delay doubling up to 2s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry runs fn up to MaxAttempts times with exponential backoff between
// attempts, honoring ctx cancellation during waits. Only call Retry with
// operations that are safe to repeat (reads, idempotent upserts).
func Retry(ctx context.Context, cfg *RetryConfig, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		wait := delay
		if cfg.JitterEnabled {
			// Up to 20% jitter spreads synchronized retries apart.
			wait += time.Duration(rand.Int63n(int64(delay)/5 + 1))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry attempts exhausted (%d): %w", cfg.MaxAttempts, lastErr)
}

// RetryWithBreaker composes Retry with a circuit breaker: each attempt is
// admitted through cb, and a rejection while open counts as the attempt's
// failure so backoff still applies.
func RetryWithBreaker(ctx context.Context, cfg *RetryConfig, cb *CircuitBreaker, fn func(context.Context) error) error {
	return Retry(ctx, cfg, func() error {
		return cb.Execute(ctx, fn)
	})
}
