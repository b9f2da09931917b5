// Package collector implements the URL Metric store and query flows on top of
// a storage backend: it rebuilds the group collection for a page from storage,
// admits a new record only while its viewport group still needs samples, and
// notifies listeners once the record is stored.
package collector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/urlmetrics/pkg/grouping"
	"github.com/HatiCode/urlmetrics/pkg/pagekey"
	"github.com/HatiCode/urlmetrics/pkg/storage"
	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

var (
	// ErrStorageLocked is returned while the client is rate limited.
	ErrStorageLocked = errors.New("url metric storage is presently locked for the current client")
	// ErrInvalidRequest is returned for malformed slugs or ETags.
	ErrInvalidRequest = errors.New("invalid request")
)

// StoreRequest is one client submission.
type StoreRequest struct {
	Slug             string
	CurrentETag      string
	CachePurgePostID *int64
	// ClientIP keys the storage lock. An empty IP shares one lock.
	ClientIP string
	// Payload is the JSON URL Metric without its read-only fields.
	Payload []byte
}

// Service runs the store and query flows. It is safe for concurrent use when
// its store and locker are.
type Service struct {
	cfg       Config
	store     storage.Store
	locker    storage.Locker
	schema    *urlmetric.Schema
	logger    *slog.Logger
	recorder  Recorder
	listeners []StoredListener
	now       func() time.Time
	newUUID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLocker sets the storage lock. Without one, storage is never locked.
func WithLocker(l storage.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithClock sets the clock used for timestamps and freshness.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithUUIDGenerator sets the generator for record UUIDs.
func WithUUIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newUUID = gen
		}
	}
}

// WithStoredListener registers a listener for stored records.
func WithStoredListener(l StoredListener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// New creates a Service.
func New(cfg Config, store storage.Store, schema *urlmetric.Schema, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if schema == nil {
		schema = urlmetric.NewSchema()
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		locker:   storage.NewMemoryLocker(0),
		schema:   schema,
		logger:   slog.Default(),
		recorder: NoopRecorder{},
		now:      time.Now,
		newUUID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "collector")
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// Schema returns the schema used to validate submissions.
func (s *Service) Schema() *urlmetric.Schema { return s.schema }

// Collection loads the records stored for slug and groups them against the
// current ETag.
func (s *Service) Collection(ctx context.Context, slug, currentETag string) (*grouping.Collection, error) {
	if !pagekey.IsSlug(slug) {
		return nil, fmt.Errorf("%w: slug %q", ErrInvalidRequest, slug)
	}
	if !pagekey.IsETag(currentETag) {
		return nil, fmt.Errorf("%w: current etag %q", ErrInvalidRequest, currentETag)
	}

	start := s.now()
	records, err := s.store.Get(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to load url metrics for %s: %w", slug, err)
	}
	c, err := grouping.NewCollection(records, currentETag, s.cfg.Breakpoints, s.cfg.SampleSize, s.cfg.FreshnessTTL, grouping.WithClock(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to group url metrics for %s: %w", slug, err)
	}
	s.recorder.RecordLookup(s.now().Sub(start))
	s.recordCompleteness(c)
	return c, nil
}

func (s *Service) recordCompleteness(c *grouping.Collection) {
	complete := 0
	groups := c.Groups()
	for _, g := range groups {
		if g.IsComplete() {
			complete++
		}
	}
	s.recorder.RecordCompleteness(complete, len(groups))
}

// LockKey returns the storage lock key for a client IP.
func LockKey(clientIP string) string {
	sum := md5.Sum([]byte(clientIP))
	return "url_metrics_storage_lock_" + hex.EncodeToString(sum[:])
}

// Store validates and stores a submitted URL Metric.
//
// The order of checks is: storage lock, payload validation, group lookup, group
// capacity. The lock is set before the record is appended so that a failing
// backend still rate limits the client.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoredEvent, error) {
	start := s.now()
	logger := s.logger.With("slug", req.Slug)

	lockKey := LockKey(req.ClientIP)
	locked, err := s.locker.IsLocked(ctx, lockKey)
	if err != nil {
		s.recorder.RecordRejected(ReasonStorage)
		return nil, fmt.Errorf("failed to check storage lock: %w", err)
	}
	if locked {
		s.recorder.RecordRejected(ReasonLocked)
		return nil, ErrStorageLocked
	}

	m, err := s.schema.ParseSubmission(req.Payload, urlmetric.Stamp{
		UUID:      s.newUUID(),
		ETag:      req.CurrentETag,
		Timestamp: float64(start.UnixNano()) / float64(time.Second),
	})
	if err != nil {
		s.recorder.RecordRejected(ReasonInvalid)
		logger.Debug("rejected invalid url metric", "error", err)
		return nil, err
	}

	c, err := s.Collection(ctx, req.Slug, req.CurrentETag)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			s.recorder.RecordRejected(ReasonInvalid)
		} else {
			s.recorder.RecordRejected(ReasonStorage)
		}
		return nil, err
	}

	g, err := c.GroupForViewportWidth(m.Viewport.Width)
	if err != nil {
		s.recorder.RecordRejected(ReasonViewportWidth)
		return nil, err
	}
	if g.IsComplete() {
		s.recorder.RecordRejected(ReasonGroupComplete)
		logger.Debug("rejected url metric for complete group",
			"viewport_width", m.Viewport.Width,
			"group_min_width", g.MinimumViewportWidth(),
		)
		return nil, &grouping.CapacityError{Min: g.MinimumViewportWidth(), Max: g.MaximumViewportWidth()}
	}

	if err := s.locker.Lock(ctx, lockKey); err != nil {
		logger.Warn("failed to set storage lock", "error", err)
	}

	if err := s.store.Append(ctx, req.Slug, m); err != nil {
		s.recorder.RecordRejected(ReasonStorage)
		return nil, fmt.Errorf("failed to store url metric: %w", err)
	}

	s.recorder.RecordStored(g.MinimumViewportWidth(), s.now().Sub(start))
	logger.Info("stored url metric",
		"uuid", m.UUID,
		"viewport_width", m.Viewport.Width,
		"group_min_width", g.MinimumViewportWidth(),
	)

	ev := StoredEvent{
		Slug:             req.Slug,
		CachePurgePostID: req.CachePurgePostID,
		Collection:       c,
		Group:            g,
		URLMetric:        m,
	}
	for _, l := range s.listeners {
		l.URLMetricStored(ctx, ev)
	}
	return &ev, nil
}
