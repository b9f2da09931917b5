package collector

import (
	"context"

	"github.com/HatiCode/urlmetrics/pkg/grouping"
	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// StoredEvent describes a URL Metric that was just stored. Collection and Group
// reflect the state before the new record was appended.
type StoredEvent struct {
	Slug             string
	CachePurgePostID *int64
	Collection       *grouping.Collection
	Group            *grouping.Group
	URLMetric        *urlmetric.URLMetric
}

// StoredListener is notified after every successful store.
type StoredListener interface {
	URLMetricStored(ctx context.Context, ev StoredEvent)
}

// StoredListenerFunc adapts a function to StoredListener.
type StoredListenerFunc func(ctx context.Context, ev StoredEvent)

func (f StoredListenerFunc) URLMetricStored(ctx context.Context, ev StoredEvent) {
	f(ctx, ev)
}
