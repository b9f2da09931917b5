// Package storage provides URL Metric storage and storage lock implementations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// DefaultMaxPerKey bounds the records kept per slug when no limit is given.
const DefaultMaxPerKey = 100

// Store persists URL Metrics per slug. Records are stored as serialized JSON, so
// callers never share record instances across requests.
//
// Append is atomic per slug. After appending, only the newest max-per-key
// records of that slug remain. Get returns records in the order they were
// appended, oldest first; a slug with no records yields an empty slice.
type Store interface {
	Append(ctx context.Context, slug string, m *urlmetric.URLMetric) error
	Get(ctx context.Context, slug string) ([]*urlmetric.URLMetric, error)
}

// ErrInvalidSlug is returned for slugs that cannot be used as storage keys.
var ErrInvalidSlug = errors.New("invalid slug")

func validateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: slug cannot be empty", ErrInvalidSlug)
	}
	for _, c := range slug {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("%w %q: only alphanumeric, hyphens, and underscores allowed", ErrInvalidSlug, slug)
		}
	}
	return nil
}

func encode(m *urlmetric.URLMetric) ([]byte, error) {
	if m == nil {
		return nil, errors.New("url metric cannot be nil")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal url metric: %w", err)
	}
	return data, nil
}

func decodeAll(items [][]byte) ([]*urlmetric.URLMetric, error) {
	out := make([]*urlmetric.URLMetric, 0, len(items))
	for _, data := range items {
		m := &urlmetric.URLMetric{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal url metric: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func normalizeMaxPerKey(n int) int {
	if n <= 0 {
		return DefaultMaxPerKey
	}
	return n
}
