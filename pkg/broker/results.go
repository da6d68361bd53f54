package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/types"
)

// resultKeyPrefix namespaces task results in the store.
const resultKeyPrefix = "task-result-"

// ResultStore holds per-task state and summaries. Workers write to it as
// a task progresses; the monitor and the HTTP surface read from it.
type ResultStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResultStore connects to the configured redis backend. Results expire
// after ttl; zero means they are kept indefinitely.
func NewResultStore(cfg config.ResultsConfig, ttl time.Duration) *ResultStore {
	return &ResultStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: ttl,
	}
}

// Close releases the redis connection.
func (s *ResultStore) Close() error {
	return s.rdb.Close()
}

// Set records the task's current state, overwriting any previous value.
func (s *ResultStore) Set(ctx context.Context, taskID string, result types.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for %s: %w", taskID, err)
	}
	if err := s.rdb.Set(ctx, resultKeyPrefix+taskID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result for %s: %w", taskID, err)
	}
	return nil
}

// SetState records a state-only progress update without a summary.
func (s *ResultStore) SetState(ctx context.Context, taskID string, state types.TaskStatus) error {
	return s.Set(ctx, taskID, types.TaskResult{State: state})
}

// Get fetches the task's reported result within the given timeout. A
// missing key or an expired deadline both mean the task has not reported
// yet; both are returned as ok == false, not as an error.
func (s *ResultStore) Get(ctx context.Context, taskID string, timeout time.Duration) (types.TaskResult, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := s.rdb.Get(fetchCtx, resultKeyPrefix+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return types.TaskResult{}, false, nil
		}
		return types.TaskResult{}, false, fmt.Errorf("failed to fetch result for %s: %w", taskID, err)
	}

	var result types.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return types.TaskResult{}, false, fmt.Errorf("failed to decode result for %s: %w", taskID, err)
	}
	return result, true, nil
}
