package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	config := DefaultConfig()
	config.IncludeGoCollector = false
	config.IncludeProcessCollector = false
	return NewRegistry(config)
}

func TestNewRegistry(t *testing.T) {
	registry := testRegistry(t)

	if registry.Subscription == nil {
		t.Error("expected Subscription metrics to be initialized")
	}
	if registry.Publisher == nil {
		t.Error("expected Publisher metrics to be initialized")
	}
	if registry.Allocator == nil {
		t.Error("expected Allocator metrics to be initialized")
	}
	if registry.Tracker == nil {
		t.Error("expected Tracker metrics to be initialized")
	}
}

func TestDisabledRegistryHasNoFamilies(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false
	registry := NewRegistry(config)

	if registry.Enabled() {
		t.Fatal("expected disabled registry")
	}
	// Nil families must be safe to call.
	registry.SubscriptionMetrics().RecordProcessed("g", "t", 1)
	registry.PublisherMetrics().RecordPublish("t", 1, 1, 0.1)
	registry.AllocatorMetrics().RecordRebalance("t", 1, 1)
	registry.TrackerMetrics().RecordAwait("g", "satisfied", 0.1)

	var nilRegistry *Registry
	nilRegistry.SubscriptionMetrics().RecordReconnect("g", "t")
}

func TestSubscriptionMetrics_Commit(t *testing.T) {
	registry := testRegistry(t)
	m := registry.Subscription

	m.RecordProcessed("billing", "orders", 10)
	m.RecordProcessed("billing", "orders", 5)
	m.RecordCommit("billing", "orders", 0.01, nil)
	m.RecordCommit("billing", "orders", 0.02, nil)
	m.RecordCommit("billing", "orders", 0, errors.New("boom"))

	if got := testutil.ToFloat64(m.RecordsProcessed.WithLabelValues("billing", "orders")); got != 15 {
		t.Errorf("RecordsProcessed: expected 15, got %v", got)
	}
	if got := testutil.ToFloat64(m.Commits.WithLabelValues("billing", "orders")); got != 2 {
		t.Errorf("Commits: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.CommitErrors.WithLabelValues("billing", "orders")); got != 1 {
		t.Errorf("CommitErrors: expected 1, got %v", got)
	}
}

func TestSubscriptionMetrics_SetState(t *testing.T) {
	registry := testRegistry(t)
	m := registry.Subscription
	all := []string{"stopped", "connecting", "polling", "processing"}

	m.SetState("g", "t", "connecting", all)
	m.SetState("g", "t", "polling", all)

	if got := testutil.ToFloat64(m.State.WithLabelValues("g", "t", "polling")); got != 1 {
		t.Errorf("polling: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.State.WithLabelValues("g", "t", "connecting")); got != 0 {
		t.Errorf("connecting: expected 0, got %v", got)
	}
}

func TestAllocatorMetrics_RecordRebalance(t *testing.T) {
	registry := testRegistry(t)
	m := registry.Allocator

	m.RecordRebalance("orders", 2, 5)
	m.RecordRebalance("orders", 3, 1)

	if got := testutil.ToFloat64(m.Rebalances.WithLabelValues("orders")); got != 2 {
		t.Errorf("Rebalances: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.PartitionsMoved.WithLabelValues("orders")); got != 6 {
		t.Errorf("PartitionsMoved: expected 6, got %v", got)
	}
	if got := testutil.ToFloat64(m.TopicListeners.WithLabelValues("orders")); got != 3 {
		t.Errorf("TopicListeners: expected 3, got %v", got)
	}
}

func TestPublisherMetrics_RecordPublish(t *testing.T) {
	registry := testRegistry(t)
	m := registry.Publisher

	m.RecordPublish("orders", 3, 300, 0.004)
	m.RecordError("orders", "intermittent", 2)
	m.RecordTransaction("committed")

	if got := testutil.ToFloat64(m.RecordsPublished.WithLabelValues("orders")); got != 3 {
		t.Errorf("RecordsPublished: expected 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.BytesPublished.WithLabelValues("orders")); got != 300 {
		t.Errorf("BytesPublished: expected 300, got %v", got)
	}
	if got := testutil.ToFloat64(m.PublishErrors.WithLabelValues("orders", "intermittent")); got != 2 {
		t.Errorf("PublishErrors: expected 2, got %v", got)
	}
}

func TestHandler_ProducesPrometheusOutput(t *testing.T) {
	registry := testRegistry(t)

	registry.Subscription.RecordProcessed("g", "orders", 1)
	registry.Publisher.RecordPublish("orders", 1, 10, 0.001)
	registry.Allocator.RecordRebalance("orders", 1, 4)
	registry.Tracker.SetCommitted("g", "orders", 1, 42)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, metric := range []string{
		"messagebus_subscription_records_processed_total",
		"messagebus_publisher_records_published_total",
		"messagebus_allocator_rebalances_total",
		"messagebus_tracker_committed_offset",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s in output, not found", metric)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if !config.Enabled {
		t.Error("expected Enabled to be true by default")
	}
	if config.Namespace != "messagebus" {
		t.Errorf("expected Namespace messagebus, got %s", config.Namespace)
	}
	if config.IncludePartitionLabel {
		t.Error("expected IncludePartitionLabel to be false by default")
	}
}

func TestDefaultLatencyBuckets(t *testing.T) {
	buckets := DefaultConfig().HistogramBuckets

	if buckets[0] != 0.0005 {
		t.Errorf("expected first bucket to be 0.5ms, got %v", buckets[0])
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			t.Errorf("buckets not in ascending order: %v <= %v", buckets[i], buckets[i-1])
		}
	}
}
