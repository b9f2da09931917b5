// Package store selects and constructs the collector's storage backend.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HatiCode/urlmetrics/cmd/collector/config"
	"github.com/HatiCode/urlmetrics/pkg/storage"
)

// Backend bundles the record store with the storage lock and lifecycle hooks
// of one backend.
type Backend struct {
	Store  storage.Store
	Locker storage.Locker
	ping   func(ctx context.Context) error
	close  func() error
}

// Ping checks that the backend is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the backend's resources.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// New creates the backend selected by cfg.Storage. Redis backs both records
// and locks so that several collector instances share them; the memory and
// SQLite backends lock in process memory.
func New(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	maxPerKey := cfg.Collector().MaxPerKey()

	switch cfg.Storage {
	case "memory":
		logger.Info("using in-memory storage", "max_per_key", maxPerKey, "ttl", cfg.MemoryTTL)
		var s *storage.MemoryStore
		if cfg.MemoryTTL > 0 {
			s = storage.NewMemoryStoreWithTTL(maxPerKey, cfg.MemoryTTL, 0)
		} else {
			s = storage.NewMemoryStore(maxPerKey)
		}
		return &Backend{
			Store:  s,
			Locker: storage.NewMemoryLocker(cfg.StorageLockTTL),
			close: func() error {
				s.Stop()
				return nil
			},
		}, nil

	case "redis":
		logger.Info("using redis storage",
			"addr", cfg.RedisAddr,
			"db", cfg.RedisDB,
			"ttl", cfg.RedisTTL,
			"max_per_key", maxPerKey,
		)
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, maxPerKey, cfg.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		return &Backend{
			Store:  s,
			Locker: storage.NewRedisLocker(s.Client(), cfg.StorageLockTTL),
			ping:   s.Ping,
			close:  s.Close,
		}, nil

	case "sqlite":
		logger.Info("using sqlite storage", "path", cfg.SQLitePath, "max_per_key", maxPerKey)
		s, err := storage.NewSQLiteStore(cfg.SQLitePath, maxPerKey)
		if err != nil {
			return nil, fmt.Errorf("create sqlite store: %w", err)
		}
		return &Backend{
			Store:  s,
			Locker: storage.NewMemoryLocker(cfg.StorageLockTTL),
			ping:   s.Ping,
			close:  s.Close,
		}, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}
