// Package ratelimit provides the shared counter state consumed by the
// rate-limiting edge function. The state is injected into steps rather than
// held in package globals, so steps stay testable in isolation and a node
// can swap the in-memory store for Redis without touching pipeline code.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store counts hits per key within a fixed window.
type Store interface {
	// Incr increments the counter for key and returns the count within the
	// current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type windowState struct {
	count       int64
	windowStart time.Time
}

// MemoryStore is the single-node fixed-window counter.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowState
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*windowState),
		now:     time.Now,
	}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.windowStart) >= window {
		w = &windowState{windowStart: now}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// RedisStore shares counters across processes via Redis INCR with a window
// TTL set on first increment.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := s.keyPrefix + ":" + key
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		s.client.Expire(ctx, fullKey, window)
	}
	return count, nil
}
