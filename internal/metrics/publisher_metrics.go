package metrics

import "github.com/prometheus/client_golang/prometheus"

// =============================================================================
// PUBLISHER METRICS
// =============================================================================

// PublisherMetrics covers records written outside a subscription.
type PublisherMetrics struct {
	RecordsPublished *prometheus.CounterVec
	BytesPublished   *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec
	PublishLatency   *prometheus.HistogramVec
	Transactions     *prometheus.CounterVec
}

func newPublisherMetrics(r *Registry) *PublisherMetrics {
	m := &PublisherMetrics{}

	m.RecordsPublished = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "records_published_total",
		Help:      "Records acknowledged by the backend",
	}, []string{"topic"})

	m.BytesPublished = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "bytes_published_total",
		Help:      "Key plus value bytes acknowledged by the backend",
	}, []string{"topic"})

	m.PublishErrors = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "publish_errors_total",
		Help:      "Records whose publish failed",
	}, []string{"topic", "kind"})

	m.PublishLatency = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: "publisher",
		Name:      "publish_latency_seconds",
		Help:      "Time from Publish to backend acknowledgement, per partition batch",
	}, []string{"topic"})

	// outcome: committed, aborted
	m.Transactions = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "transactions_total",
		Help:      "Publisher transactions by outcome",
	}, []string{"outcome"})

	return m
}

// RecordPublish records an acknowledged partition batch.
func (m *PublisherMetrics) RecordPublish(topic string, records, bytes int, seconds float64) {
	if m == nil {
		return
	}
	m.RecordsPublished.WithLabelValues(topic).Add(float64(records))
	m.BytesPublished.WithLabelValues(topic).Add(float64(bytes))
	m.PublishLatency.WithLabelValues(topic).Observe(seconds)
}

// RecordError records failed records. kind is the error kind name.
func (m *PublisherMetrics) RecordError(topic, kind string, records int) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(topic, kind).Add(float64(records))
}

// RecordTransaction records a transaction outcome.
func (m *PublisherMetrics) RecordTransaction(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}
