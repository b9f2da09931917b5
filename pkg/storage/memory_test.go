package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

// slugCount returns the number of slugs holding records.
func slugCount(s *MemoryStore) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore(0)
	if store == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	if slugCount(store) != 0 {
		t.Errorf("New store should be empty, got %d slugs", slugCount(store))
	}
	if store.maxPerKey != DefaultMaxPerKey {
		t.Errorf("maxPerKey = %d, want %d", store.maxPerKey, DefaultMaxPerKey)
	}
}

func TestMemoryStore_Append_Get(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	for i := range 3 {
		if err := store.Append(ctx, testSlug, testMetric(i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.Get(ctx, testSlug)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Get() returned %d records, want 3", len(got))
	}
	for i, m := range got {
		want := testMetric(i)
		if m.UUID != want.UUID {
			t.Errorf("record %d UUID = %q, want %q", i, m.UUID, want.UUID)
		}
		if m.Viewport != want.Viewport {
			t.Errorf("record %d Viewport = %+v, want %+v", i, m.Viewport, want.Viewport)
		}
		if len(m.Elements) != 1 || m.Elements[0].URLMetric() != m {
			t.Errorf("record %d elements not linked to their record", i)
		}
	}
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	store := NewMemoryStore(10)

	got, err := store.Get(context.Background(), testSlug)
	if err != nil {
		t.Errorf("Get() unexpected error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Get() returned %d records for unknown slug, want 0", len(got))
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	m := testMetric(1)
	if err := store.Append(ctx, testSlug, m); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	m.URL = "https://mutated.example.com/"

	first, _ := store.Get(ctx, testSlug)
	first[0].URL = "https://also-mutated.example.com/"

	second, _ := store.Get(ctx, testSlug)
	if second[0].URL != "https://example.com/" {
		t.Errorf("stored record was mutated: URL = %q", second[0].URL)
	}
}

func TestMemoryStore_TrimsToMaxPerKey(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for i := range 5 {
		if err := store.Append(ctx, testSlug, testMetric(i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.Get(ctx, testSlug)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Get() returned %d records, want 3", len(got))
	}
	if got[0].UUID != testMetric(2).UUID || got[2].UUID != testMetric(4).UUID {
		t.Errorf("expected newest records 2..4 to remain, got %q..%q", got[0].UUID, got[2].UUID)
	}
}

func TestMemoryStore_InvalidSlug(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	if err := store.Append(ctx, "bad slug", testMetric(0)); err == nil {
		t.Error("Append() expected error for invalid slug")
	}
	if _, err := store.Get(ctx, ""); err == nil {
		t.Error("Get() expected error for empty slug")
	}
	if err := store.Append(ctx, testSlug, nil); err == nil {
		t.Error("Append() expected error for nil record")
	}
}

func TestMemoryStore_ContextCanceled(t *testing.T) {
	store := NewMemoryStore(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Append(ctx, testSlug, testMetric(0)); err != context.Canceled {
		t.Errorf("Append() error = %v, want context.Canceled", err)
	}
	if _, err := store.Get(ctx, testSlug); err != context.Canceled {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}
}

func TestMemoryStore_MultipleSlugs(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	slugs := []string{"page-a", "page-b", "page-c"}
	for i, slug := range slugs {
		if err := store.Append(ctx, slug, testMetric(i)); err != nil {
			t.Fatalf("Append(%s) error = %v", slug, err)
		}
	}

	if slugCount(store) != len(slugs) {
		t.Errorf("slugCount() = %d, want %d", slugCount(store), len(slugs))
	}
	for i, slug := range slugs {
		got, err := store.Get(ctx, slug)
		if err != nil || len(got) != 1 {
			t.Fatalf("Get(%s) = %d records, err %v", slug, len(got), err)
		}
		if got[0].UUID != testMetric(i).UUID {
			t.Errorf("Get(%s) returned record of another slug", slug)
		}
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore(50)

	numGoroutines := 50
	numOperations := 50

	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := range numGoroutines {
		go func(id int) {
			defer wg.Done()
			for j := range numOperations {
				if err := store.Append(context.Background(), testSlug, testMetric(id*numOperations+j)); err != nil {
					t.Errorf("Concurrent Append() error = %v", err)
				}
			}
		}(i)
	}

	wg.Add(numGoroutines)
	for range numGoroutines {
		go func() {
			defer wg.Done()
			for range numOperations {
				if _, err := store.Get(context.Background(), testSlug); err != nil {
					t.Errorf("Concurrent Get() error = %v", err)
				}
			}
		}()
	}

	wg.Wait()

	got, err := store.Get(context.Background(), testSlug)
	if err != nil {
		t.Fatalf("Final Get() error = %v", err)
	}
	if len(got) != 50 {
		t.Errorf("Final Get() returned %d records, want 50", len(got))
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store := NewMemoryStore(10)
	store.ttl = time.Hour
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	if err := store.Append(ctx, "old", testMetric(0)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	now = now.Add(30 * time.Minute)
	if err := store.Append(ctx, "mixed", testMetric(1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(ctx, "old", testMetric(2)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	now = now.Add(45 * time.Minute)
	if err := store.Append(ctx, "mixed", testMetric(3)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	now = now.Add(20 * time.Minute)
	store.cleanup()

	old, _ := store.Get(ctx, "old")
	if len(old) != 0 {
		t.Errorf("old slug has %d records after cleanup, want 0", len(old))
	}
	mixed, _ := store.Get(ctx, "mixed")
	if len(mixed) != 1 || mixed[0].UUID != testMetric(3).UUID {
		t.Errorf("mixed slug should keep only the newest record, got %d", len(mixed))
	}
	if slugCount(store) != 1 {
		t.Errorf("slugCount() = %d after cleanup, want 1", slugCount(store))
	}
}

func TestMemoryStoreWithTTL_Stop(t *testing.T) {
	store := NewMemoryStoreWithTTL(10, 100*time.Millisecond, 10*time.Millisecond)

	if err := store.Append(context.Background(), testSlug, testMetric(0)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	store.Stop()
	store.Stop()

	if !store.stopped {
		t.Error("store.stopped = false after Stop()")
	}
}

func TestMemoryStore_StopWithoutTTL(t *testing.T) {
	store := NewMemoryStore(10)
	store.Stop()
}

func TestMemoryStoreWithTTL_PanicOnInvalidTTL(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewMemoryStoreWithTTL(0) did not panic")
		}
	}()
	NewMemoryStoreWithTTL(10, 0, time.Minute)
}

func TestMemoryStoreWithTTL_Expiration(t *testing.T) {
	store := NewMemoryStoreWithTTL(10, 50*time.Millisecond, 10*time.Millisecond)
	defer store.Stop()

	if err := store.Append(context.Background(), testSlug, testMetric(0)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for slugCount(store) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if slugCount(store) != 0 {
		t.Errorf("slugCount() = %d after TTL, want 0", slugCount(store))
	}
}
