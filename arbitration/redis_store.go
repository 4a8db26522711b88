package arbitration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/resilience"
)

// RedisStore persists sessions and precedents as JSON values with a set
// index of non-terminal session ids for crash recovery. It implements both
// SessionStore and PrecedentStore.
type RedisStore struct {
	client    *redis.Client
	namespace string
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryConfig
	log       logger.Logger
}

// storeOpTimeout bounds each store call; the engine's persist path has no
// caller context to inherit.
const storeOpTimeout = 5 * time.Second

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
		namespace = "arbiter:arbitration"
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		breaker:   resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "arbitration-store", Logger: log}),
		retry:     resilience.DefaultRetryConfig(),
		log:       log.WithComponent("arbiter/arbitration/store"),
	}, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.namespace, sessionID)
}

func (s *RedisStore) activeIndexKey() string {
	return s.namespace + ":sessions:active"
}

func (s *RedisStore) precedentKey(id string) string {
	return fmt.Sprintf("%s:precedent:%s", s.namespace, id)
}

func (s *RedisStore) precedentIndexKey() string {
	return s.namespace + ":precedents:ids"
}

// SaveSession upserts the session row and keeps the non-terminal index in
// step with the session's state.
func (s *RedisStore) SaveSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.SessionID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.sessionKey(session.SessionID), data, 0)
		if session.State.Terminal() {
			pipe.SRem(ctx, s.activeIndexKey(), session.SessionID)
		} else {
			pipe.SAdd(ctx, s.activeIndexKey(), session.SessionID)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadNonTerminalSessions returns the sessions in the active index. Index
// entries whose row is gone or already terminal are dropped with a warning.
func (s *RedisStore) LoadNonTerminalSessions() ([]*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	var ids []string
	err := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		var err error
		ids, err = s.client.SMembers(ctx, s.activeIndexKey()).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		var session Session
		found := false
		loadErr := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
			data, err := s.client.Get(ctx, s.sessionKey(id)).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			found = true
			return json.Unmarshal([]byte(data), &session)
		})
		if loadErr != nil {
			return nil, loadErr
		}
		if !found || session.State.Terminal() {
			s.log.Warn("dropping stale active-session index entry", logger.F("session_id", id))
			s.client.SRem(ctx, s.activeIndexKey(), id)
			continue
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

// SavePrecedent upserts the precedent row and its index entry.
func (s *RedisStore) SavePrecedent(p *Precedent) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal precedent %s: %w", p.ID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.precedentKey(p.ID), data, 0)
		pipe.SAdd(ctx, s.precedentIndexKey(), p.ID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LoadAllPrecedents returns every persisted precedent.
func (s *RedisStore) LoadAllPrecedents() ([]*Precedent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	var ids []string
	err := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		var err error
		ids, err = s.client.SMembers(ctx, s.precedentIndexKey()).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	precedents := make([]*Precedent, 0, len(ids))
	for _, id := range ids {
		var p Precedent
		found := false
		loadErr := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
			data, err := s.client.Get(ctx, s.precedentKey(id)).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			found = true
			return json.Unmarshal([]byte(data), &p)
		})
		if loadErr != nil {
			return nil, loadErr
		}
		if !found {
			s.log.Warn("indexed precedent missing row", logger.F("precedent_id", id))
			continue
		}
		precedents = append(precedents, &p)
	}
	return precedents, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
