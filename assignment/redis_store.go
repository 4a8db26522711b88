package assignment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/resilience"
)

// RedisStore persists assignment rows as JSON values. Assignments are
// write-mostly: the manager saves on every lifecycle transition and nothing
// reads them back at runtime, so the store is an audit trail rather than a
// recovery source.
type RedisStore struct {
	client    *redis.Client
	namespace string
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryConfig
	log       logger.Logger
}

// NewRedisStore connects and pings the Redis endpoint at redisURL.
func NewRedisStore(ctx context.Context, redisURL, namespace string, log logger.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if namespace == "" {
		namespace = "arbiter:assignments"
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		breaker:   resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "assignment-store", Logger: log}),
		retry:     resilience.DefaultRetryConfig(),
		log:       log.WithComponent("arbiter/assignment/store"),
	}, nil
}

// SaveAssignment upserts the row. Idempotent for a given snapshot, so it is
// safe to retry.
func (s *RedisStore) SaveAssignment(ctx context.Context, a *Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment %s: %w", a.ID, err)
	}
	key := fmt.Sprintf("%s:row:%s", s.namespace, a.ID)
	return resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		return s.client.Set(ctx, key, data, 0).Err()
	})
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
