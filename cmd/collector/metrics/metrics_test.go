package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/urlmetrics/pkg/collector"
)

var _ collector.Recorder = (*Metrics)(nil)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordStored(0, 10*time.Millisecond)
	m.RecordStored(0, 20*time.Millisecond)
	m.RecordStored(783, 5*time.Millisecond)
	m.RecordRejected(collector.ReasonGroupComplete)
	m.RecordLookup(time.Millisecond)
	m.RecordCompleteness(1, 4)
	m.RecordCompleteness(0, 0)

	if got := testutil.ToFloat64(m.StoredTotal.WithLabelValues("0")); got != 2 {
		t.Errorf("stored{group=0} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StoredTotal.WithLabelValues("783")); got != 1 {
		t.Errorf("stored{group=783} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectedTotal.WithLabelValues("group_complete")); got != 1 {
		t.Errorf("rejected{reason=group_complete} = %v, want 1", got)
	}

	count, err := testutil.GatherAndCount(reg,
		"urlmetrics_store_duration_seconds",
		"urlmetrics_lookup_duration_seconds",
		"urlmetrics_collection_completeness_ratio",
	)
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 histogram series, got %d", count)
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	New(reg)
}
