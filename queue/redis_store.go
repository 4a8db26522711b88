package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/arbiterhq/orchestrator/logger"
	"github.com/arbiterhq/orchestrator/resilience"
)

// RedisStore persists task rows as JSON values with a set index per status,
// so LoadQueued can replay pending work without scanning every key. Writes
// go through a circuit breaker and bounded retries.
type RedisStore struct {
	client    *redis.Client
	namespace string
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryConfig
	log       logger.Logger
}

// taskRow is the persisted shape of one task. Status and update time live
// beside the serialized state so status flips do not rewrite the whole row
// semantically (the JSON is small enough to rewrite wholesale).
type taskRow struct {
	State     *TaskState `json:"state"`
	Status    TaskStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
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
		namespace = "arbiter:tasks"
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		breaker:   resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "queue-store", Logger: log}),
		retry:     resilience.DefaultRetryConfig(),
		log:       log.WithComponent("arbiter/queue/store"),
	}, nil
}

func (s *RedisStore) taskKey(taskID string) string {
	return fmt.Sprintf("%s:row:%s", s.namespace, taskID)
}

func (s *RedisStore) statusKey(status TaskStatus) string {
	return fmt.Sprintf("%s:status:%s", s.namespace, status)
}

// SaveTask upserts the full row and indexes it under its status.
func (s *RedisStore) SaveTask(ctx context.Context, st *TaskState) error {
	row := taskRow{State: st, Status: st.Status, UpdatedAt: time.Now()}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", st.Task.TaskID, err)
	}
	return resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.taskKey(st.Task.TaskID), data, 0)
		pipe.SAdd(ctx, s.statusKey(st.Status), st.Task.TaskID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// UpdateStatus rewrites the row with the new status, moving its index entry
// between status sets.
func (s *RedisStore) UpdateStatus(ctx context.Context, taskID string, status TaskStatus, lastError string) error {
	return resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		data, err := s.client.Get(ctx, s.taskKey(taskID)).Result()
		if err == redis.Nil {
			// Nothing persisted for this id; status update is moot.
			return nil
		}
		if err != nil {
			return err
		}
		var row taskRow
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return fmt.Errorf("unmarshal task %s: %w", taskID, err)
		}
		oldStatus := row.Status
		row.Status = status
		row.UpdatedAt = time.Now()
		if row.State != nil {
			row.State.Status = status
			if lastError != "" {
				row.State.LastError = lastError
			}
		}
		updated, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", taskID, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.taskKey(taskID), updated, 0)
		pipe.SRem(ctx, s.statusKey(oldStatus), taskID)
		pipe.SAdd(ctx, s.statusKey(status), taskID)
		_, err = pipe.Exec(ctx)
		return err
	})
}

// LoadQueued returns every QUEUED row ordered by (priority DESC,
// created_at ASC), the replay order the queue expects.
func (s *RedisStore) LoadQueued(ctx context.Context) ([]*TaskState, error) {
	var ids []string
	err := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
		var err error
		ids, err = s.client.SMembers(ctx, s.statusKey(StatusQueued)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	states := make([]*TaskState, 0, len(ids))
	for _, id := range ids {
		var row taskRow
		loadErr := resilience.RetryWithBreaker(ctx, s.retry, s.breaker, func(ctx context.Context) error {
			data, err := s.client.Get(ctx, s.taskKey(id)).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			return json.Unmarshal([]byte(data), &row)
		})
		if loadErr != nil {
			return nil, loadErr
		}
		if row.State == nil || row.Status != StatusQueued {
			s.log.Warn("skipping stale queued index entry", logger.F("task_id", id))
			continue
		}
		states = append(states, row.State)
	}

	sort.SliceStable(states, func(i, j int) bool {
		if states[i].Task.Priority != states[j].Task.Priority {
			return states[i].Task.Priority > states[j].Task.Priority
		}
		return states[i].Task.CreatedAt.Before(states[j].Task.CreatedAt)
	})
	return states, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
