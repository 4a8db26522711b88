package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/arbiterhq/orchestrator/core"
	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/resilience"
)

// RedisStore persists agent profiles as JSON values under a namespace, with
// a set index of all agent ids for LoadAllAgents. All operations go through
// a circuit breaker and bounded retries; the registry treats persistence
// failures on updates as non-fatal, so the breaker mainly protects latency.
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
		namespace = "arbiter:agents"
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		breaker:   resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "registry-store", Logger: log}),
		retry:     resilience.DefaultRetryConfig(),
		log:       log.WithComponent("arbiter/registry/store"),
	}, nil
}

func (s *RedisStore) agentKey(agentID string) string {
	return fmt.Sprintf("%s:profile:%s", s.namespace, agentID)
}

func (s *RedisStore) indexKey() string {
	return s.namespace + ":ids"
}

// SaveAgent upserts the profile and its index entry in one transaction.
// Safe to retry: the write is idempotent for a given profile snapshot.
func (s *RedisStore) SaveAgent(ctx context.Context, p *AgentProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", p.AgentID, err)
	}
	return resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.agentKey(p.AgentID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), p.AgentID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadAgent fetches one profile; a missing key is a not-found error, not a
// transient one, so it is never retried.
func (s *RedisStore) LoadAgent(ctx context.Context, agentID string) (*AgentProfile, error) {
	var p AgentProfile
	found := false
	err := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		data, err := s.client.Get(ctx, s.agentKey(agentID)).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(data), &p)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.New("registry.store.LoadAgent", core.KindNotFound, core.ErrNotFound, "agent not persisted").WithID(agentID)
	}
	return &p, nil
}

// DeleteAgent removes the profile and its index entry.
func (s *RedisStore) DeleteAgent(ctx context.Context, agentID string) error {
	return resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.agentKey(agentID))
		pipe.SRem(ctx, s.indexKey(), agentID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadAllAgents returns every persisted profile. An id in the index whose
// profile key has vanished is skipped with a warning rather than failing
// the whole load.
func (s *RedisStore) LoadAllAgents(ctx context.Context) ([]*AgentProfile, error) {
	var ids []string
	err := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		var err error
		ids, err = s.client.SMembers(ctx, s.indexKey()).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	profiles := make([]*AgentProfile, 0, len(ids))
	for _, id := range ids {
		p, err := s.LoadAgent(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				s.log.Warn("indexed agent missing profile key", logger.F("agent_id", id))
				continue
			}
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
