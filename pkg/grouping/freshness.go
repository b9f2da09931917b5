package grouping

import (
	"time"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// DefaultFreshnessTTL is how long a record counts towards completeness.
const DefaultFreshnessTTL = 24 * time.Hour

// FreshnessPolicy decides whether a stored record still describes the current
// page: it must be young enough and observed against the current ETag.
type FreshnessPolicy struct {
	etag string
	ttl  time.Duration
}

// NewFreshnessPolicy returns a policy for the given current ETag and TTL.
func NewFreshnessPolicy(etag string, ttl time.Duration) (FreshnessPolicy, error) {
	if ttl < 0 {
		return FreshnessPolicy{}, &ConfigError{Param: "freshness_ttl", Reason: "must be >= 0"}
	}
	return FreshnessPolicy{etag: etag, ttl: ttl}, nil
}

// ETag returns the current ETag.
func (p FreshnessPolicy) ETag() string { return p.etag }

// TTL returns the freshness TTL.
func (p FreshnessPolicy) TTL() time.Duration { return p.ttl }

// IsValid reports whether m is fresh at now and carries the current ETag. A
// record without an ETag is never valid.
func (p FreshnessPolicy) IsValid(m *urlmetric.URLMetric, now time.Time) bool {
	if m.ETag == "" || m.ETag != p.etag {
		return false
	}
	return now.Sub(m.Time()) <= p.ttl
}
