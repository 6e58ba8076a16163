package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrResultNotFound = errors.New("task result not found")

// TaskResult is the last recorded outcome of a task id.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	Name        string         `json:"name"`
	Lane        Lane           `json:"lane"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Outcome     Outcome        `json:"outcome"`
	Reason      string         `json:"reason,omitempty"`
	RetryIn     string         `json:"retry_in,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	FinishedAt  time.Time      `json:"finished_at"`
}

type ResultStore interface {
	Save(ctx context.Context, r TaskResult) error
	Get(ctx context.Context, taskID string) (*TaskResult, error)
}

// ====================== Redis ======================

// RedisResultStore keeps results as JSON strings that expire after ttl.
type RedisResultStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisResultStore(client redis.Cmdable, ttl time.Duration) *RedisResultStore {
	return &RedisResultStore{client: client, ttl: ttl, prefix: "skymail:task-result:"}
}

func (s *RedisResultStore) key(taskID string) string {
	return s.prefix + taskID
}

func (s *RedisResultStore) Save(ctx context.Context, r TaskResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	if err := s.client.Set(ctx, s.key(r.TaskID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store task result: %w", err)
	}
	return nil
}

func (s *RedisResultStore) Get(ctx context.Context, taskID string) (*TaskResult, error) {
	raw, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("load task result: %w", err)
	}
	var r TaskResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode task result: %w", err)
	}
	return &r, nil
}

// ====================== Memory ======================

type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]TaskResult
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]TaskResult)}
}

func (s *MemoryResultStore) Save(_ context.Context, r TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.TaskID] = r
	return nil
}

func (s *MemoryResultStore) Get(_ context.Context, taskID string) (*TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[taskID]
	if !ok {
		return nil, ErrResultNotFound
	}
	return &r, nil
}

var (
	_ ResultStore = (*RedisResultStore)(nil)
	_ ResultStore = (*MemoryResultStore)(nil)
)
