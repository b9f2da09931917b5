package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	maxPerKey int
	mu        sync.RWMutex
}

// NewSQLiteStore creates a SQLite-backed store.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string, maxPerKey int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, maxPerKey: normalizeMaxPerKey(maxPerKey)}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS url_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL,
		uuid TEXT NOT NULL,
		timestamp REAL NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_url_metrics_slug ON url_metrics(slug, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts m and deletes the slug's records beyond the newest maxPerKey
// in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, slug string, m *urlmetric.URLMetric) error {
	if err := validateSlug(slug); err != nil {
		return err
	}
	payload, err := encode(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO url_metrics (slug, uuid, timestamp, payload) VALUES (?, ?, ?, ?)",
		slug, m.UUID, m.Timestamp, payload,
	); err != nil {
		return fmt.Errorf("insert url metric: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM url_metrics WHERE slug = ? AND id NOT IN (
			SELECT id FROM url_metrics WHERE slug = ? ORDER BY id DESC LIMIT ?
		)`,
		slug, slug, s.maxPerKey,
	); err != nil {
		return fmt.Errorf("trim url metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get returns the records stored under slug, oldest first.
func (s *SQLiteStore) Get(ctx context.Context, slug string) ([]*urlmetric.URLMetric, error) {
	if err := validateSlug(slug); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM url_metrics WHERE slug = ? ORDER BY id",
		slug,
	)
	if err != nil {
		return nil, fmt.Errorf("query url metrics: %w", err)
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan url metric: %w", err)
		}
		items = append(items, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return decodeAll(items)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
