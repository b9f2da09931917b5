// Package metrics provides Prometheus instrumentation for the collector.
//
// Metrics exposed:
//   - urlmetrics_stored_total: Counter of stored URL Metrics by group
//   - urlmetrics_rejected_total: Counter of rejected submissions by reason
//   - urlmetrics_store_duration_seconds: Histogram of successful store latency
//   - urlmetrics_lookup_duration_seconds: Histogram of collection rebuild latency
//   - urlmetrics_collection_completeness_ratio: Histogram of the share of
//     complete groups per rebuilt collection
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the collector. It implements
// collector.Recorder.
type Metrics struct {
	StoredTotal           *prometheus.CounterVec
	RejectedTotal         *prometheus.CounterVec
	StoreDurationSeconds  prometheus.Histogram
	LookupDurationSeconds prometheus.Histogram
	CompletenessRatio     prometheus.Histogram
}

// New creates and registers all metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "urlmetrics_stored_total",
			Help: "Total number of stored URL Metrics by group minimum viewport width",
		}, []string{"group"}),

		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "urlmetrics_rejected_total",
			Help: "Total number of rejected URL Metric submissions by reason",
		}, []string{"reason"}),

		StoreDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "urlmetrics_store_duration_seconds",
			Help:    "Time spent validating and storing a URL Metric",
			Buckets: prometheus.DefBuckets,
		}),

		LookupDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "urlmetrics_lookup_duration_seconds",
			Help:    "Time spent loading and grouping the URL Metrics of a page",
			Buckets: prometheus.DefBuckets,
		}),

		CompletenessRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "urlmetrics_collection_completeness_ratio",
			Help:    "Share of complete groups in each rebuilt collection",
			Buckets: prometheus.LinearBuckets(0, 0.25, 5),
		}),
	}
}

// RecordStored counts a stored record and observes the store latency.
func (m *Metrics) RecordStored(groupMinWidth int, d time.Duration) {
	m.StoredTotal.WithLabelValues(strconv.Itoa(groupMinWidth)).Inc()
	m.StoreDurationSeconds.Observe(d.Seconds())
}

// RecordRejected counts a rejected submission.
func (m *Metrics) RecordRejected(reason string) {
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

// RecordLookup observes the time spent rebuilding a collection.
func (m *Metrics) RecordLookup(d time.Duration) {
	m.LookupDurationSeconds.Observe(d.Seconds())
}

// RecordCompleteness observes the share of complete groups.
func (m *Metrics) RecordCompleteness(complete, total int) {
	if total <= 0 {
		return
	}
	m.CompletenessRatio.Observe(float64(complete) / float64(total))
}
