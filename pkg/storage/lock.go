package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker rate-limits URL Metric storage. Once a key is locked, IsLocked reports
// true until the lock TTL elapses. A Locker with a zero TTL never locks.
type Locker interface {
	IsLocked(ctx context.Context, key string) (bool, error)
	Lock(ctx context.Context, key string) error
}

// MemoryLocker implements Locker in process memory.
// It is safe for concurrent use by multiple goroutines.
type MemoryLocker struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryLocker creates a locker whose locks last ttl.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{
		ttl:     ttl,
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsLocked reports whether key is locked.
func (l *MemoryLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.ttl <= 0 {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.expires[key]
	if !ok {
		return false, nil
	}
	if !l.now().Before(exp) {
		delete(l.expires, key)
		return false, nil
	}
	return true, nil
}

// Lock locks key for the locker's TTL.
func (l *MemoryLocker) Lock(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.ttl <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, exp := range l.expires {
		if !now.Before(exp) {
			delete(l.expires, k)
		}
	}
	l.expires[key] = now.Add(l.ttl)
	return nil
}

// RedisLocker implements Locker with expiring Redis keys so that the lock is
// shared between collector instances.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker on an existing client.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func lockKey(key string) string {
	return "urlmetrics:lock:" + key
}

// IsLocked reports whether key is locked.
func (l *RedisLocker) IsLocked(ctx context.Context, key string) (bool, error) {
	if l.ttl <= 0 {
		return false, nil
	}
	n, err := l.client.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check storage lock: %w", err)
	}
	return n > 0, nil
}

// Lock locks key for the locker's TTL.
func (l *RedisLocker) Lock(ctx context.Context, key string) error {
	if l.ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, lockKey(key), time.Now().Unix(), l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set storage lock: %w", err)
	}
	return nil
}
