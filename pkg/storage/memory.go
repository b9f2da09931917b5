package storage

import (
	"context"
	"sync"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

type memoryEntry struct {
	data     []byte
	storedAt time.Time
}

// MemoryStore implements an in-memory store for URL Metrics.
// It is safe for concurrent use by multiple goroutines.
//
// If a retention TTL is configured, a background goroutine removes records
// stored longer ago than the TTL. For multi-instance deployments use RedisStore
// or a shared SQLiteStore instead.
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[string][]memoryEntry
	maxPerKey     int
	ttl           time.Duration
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates an in-memory store that keeps at most maxPerKey
// records per slug (DefaultMaxPerKey when maxPerKey <= 0) and never expires
// them.
func NewMemoryStore(maxPerKey int) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string][]memoryEntry),
		maxPerKey: normalizeMaxPerKey(maxPerKey),
		now:       time.Now,
	}
}

// NewMemoryStoreWithTTL creates an in-memory store with TTL-based cleanup that
// runs every cleanupInterval (one minute when cleanupInterval <= 0).
//
// The cleanup goroutine must be stopped by calling Stop() when the store is no
// longer needed.
func NewMemoryStoreWithTTL(maxPerKey int, ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := NewMemoryStore(maxPerKey)
	store.ttl = ttl
	store.cleanupTicker = time.NewTicker(cleanupInterval)
	store.stopCleanup = make(chan struct{})
	store.cleanupDone = make(chan struct{})

	go store.runCleanup()

	return store
}

// Stop shuts down the background cleanup goroutine and blocks until it exits.
// Calling Stop multiple times or on a store without TTL is safe.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes records stored longer ago than the TTL.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := s.now()
	for slug, entries := range s.records {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.storedAt) <= s.ttl {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.records, slug)
			continue
		}
		s.records[slug] = kept
	}
}

// Append stores m under slug and trims the slug to the newest maxPerKey records.
func (s *MemoryStore) Append(ctx context.Context, slug string, m *urlmetric.URLMetric) error {
	if err := validateSlug(slug); err != nil {
		return err
	}
	data, err := encode(m)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.records[slug], memoryEntry{data: data, storedAt: s.now()})
	if over := len(entries) - s.maxPerKey; over > 0 {
		entries = append([]memoryEntry(nil), entries[over:]...)
	}
	s.records[slug] = entries
	return nil
}

// Get returns the records stored under slug, oldest first.
func (s *MemoryStore) Get(ctx context.Context, slug string) ([]*urlmetric.URLMetric, error) {
	if err := validateSlug(slug); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	items := make([][]byte, 0, len(s.records[slug]))
	for _, e := range s.records[slug] {
		items = append(items, e.data)
	}
	s.mu.RUnlock()

	return decodeAll(items)
}
