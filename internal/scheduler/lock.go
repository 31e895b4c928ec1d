package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MonthLock hands out at most one claim per month key.
type MonthLock interface {
	Acquire(ctx context.Context, month string) (bool, error)
	Release(ctx context.Context, month string) error
}

// MemoryLock is a MonthLock for a single process.
type MemoryLock struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{claimed: make(map[string]struct{})}
}

func (l *MemoryLock) Acquire(_ context.Context, month string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claimed[month]; ok {
		return false, nil
	}
	l.claimed[month] = struct{}{}
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, month string) error {
	l.mu.Lock()
	delete(l.claimed, month)
	l.mu.Unlock()
	return nil
}

// RedisLock shares month claims between server instances with SETNX.
type RedisLock struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{
		client:    client,
		keyPrefix: "posledger:monthly-job:",
		// Long enough to outlive the first day of the month on every instance.
		ttl: 40 * 24 * time.Hour,
	}
}

func (l *RedisLock) Acquire(ctx context.Context, month string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+month, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim month %s: %w", month, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, month string) error {
	if err := l.client.Del(ctx, l.keyPrefix+month).Err(); err != nil {
		return fmt.Errorf("release month %s: %w", month, err)
	}
	return nil
}
