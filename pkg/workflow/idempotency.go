package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is the recorded result of an execute or compensate call.
type Outcome struct {
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Err rebuilds the recorded failure, or nil.
func (o Outcome) Err() error {
	if o.Succeeded {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRecordedFailure, o.Error)
}

var ErrRecordedFailure = errors.New("workflow: recorded failure replayed")

// IdempotencyStore remembers outcomes by idempotency key so repeated calls
// return the first outcome without re-invoking the operation.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (Outcome, bool, error)
	Put(ctx context.Context, key string, o Outcome) error
}

// MemoryIdempotencyStore is process-local.
type MemoryIdempotencyStore struct {
	mu       sync.RWMutex
	outcomes map[string]Outcome
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{outcomes: make(map[string]Outcome)}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (Outcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[key]
	return o, ok, nil
}

// Put keeps the first outcome recorded for key.
func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outcomes[key]; !exists {
		s.outcomes[key] = o
	}
	return nil
}

// RedisIdempotencyStore shares outcomes across bus replicas.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore wraps client. Keys expire after ttl; zero keeps
// them for 24h.
func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, prefix: "constbus:idem:", ttl: ttl}
}

// NewRedisIdempotencyStoreFromURL parses a redis:// URL.
func NewRedisIdempotencyStoreFromURL(url string, ttl time.Duration) (*RedisIdempotencyStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisIdempotencyStore(redis.NewClient(opts), ttl), nil
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (Outcome, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("redis idempotency get: %w", err)
	}
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, false, fmt.Errorf("decode outcome %s: %w", key, err)
	}
	return o, true, nil
}

// Put uses SETNX so the first writer wins.
func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, o Outcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis idempotency put: %w", err)
	}
	return nil
}
