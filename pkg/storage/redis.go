package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// DefaultRedisTTL is the retention of a slug's records after its last append.
const DefaultRedisTTL = 30 * 24 * time.Hour

// RedisStore implements the Store interface using Redis lists. It lets several
// collector instances share URL Metrics for the same pages.
type RedisStore struct {
	client    *redis.Client
	maxPerKey int
	ttl       time.Duration
	mu        sync.RWMutex
}

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisStore creates a Redis-backed store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - maxPerKey: records kept per slug (DefaultMaxPerKey when <= 0)
//   - ttl: retention after the last append (0 uses DefaultRedisTTL)
func NewRedisStore(addr, password string, db, maxPerKey int, ttl time.Duration) (*RedisStore, error) {
	client, err := NewRedisClient(addr, password, db)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, maxPerKey, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client. Closing the store closes
// the client.
func NewRedisStoreFromClient(client *redis.Client, maxPerKey int, ttl time.Duration) *RedisStore {
	if ttl == 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{
		client:    client,
		maxPerKey: normalizeMaxPerKey(maxPerKey),
		ttl:       ttl,
	}
}

func redisKey(slug string) string {
	return "urlmetrics:slug:" + slug
}

// Client returns the underlying Redis client.
func (r *RedisStore) Client() *redis.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Append pushes m onto the slug's list, trims the list to the newest maxPerKey
// entries and refreshes its expiry in one transaction.
// The key format is "urlmetrics:slug:{slug}".
func (r *RedisStore) Append(ctx context.Context, slug string, m *urlmetric.URLMetric) error {
	if err := validateSlug(slug); err != nil {
		return err
	}
	data, err := encode(m)
	if err != nil {
		return err
	}

	key := redisKey(slug)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-r.maxPerKey), -1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store url metric in redis: %w", err)
	}
	return nil
}

// Get returns the records stored under slug, oldest first.
func (r *RedisStore) Get(ctx context.Context, slug string) ([]*urlmetric.URLMetric, error) {
	if err := validateSlug(slug); err != nil {
		return nil, err
	}

	items, err := r.client.LRange(ctx, redisKey(slug), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*urlmetric.URLMetric{}, nil
		}
		return nil, fmt.Errorf("failed to get url metrics from redis: %w", err)
	}

	raw := make([][]byte, len(items))
	for i, item := range items {
		raw[i] = []byte(item)
	}
	return decodeAll(raw)
}

// Close closes the Redis client connection.
// It is safe to call multiple times (idempotent).
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}

	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
