package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// SUBSCRIPTION METRICS
// =============================================================================

// SubscriptionMetrics covers the consume-process-produce loop.
type SubscriptionMetrics struct {
	RecordsProcessed   *prometheus.CounterVec
	PoisonRecords      *prometheus.CounterVec
	Commits            *prometheus.CounterVec
	CommitErrors       *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
	FatalStops         *prometheus.CounterVec
	BatchLatency       *prometheus.HistogramVec
	State              *prometheus.GaugeVec
	AssignedPartitions *prometheus.GaugeVec

	partitionLabel bool
}

func newSubscriptionMetrics(r *Registry) *SubscriptionMetrics {
	m := &SubscriptionMetrics{partitionLabel: r.config.IncludePartitionLabel}

	labels := []string{"group", "topic"}

	m.RecordsProcessed = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "subscription",
		Name:      "records_processed_total",
		Help:      "Records handed to processors",
	}, labels)

	m.PoisonRecords = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "subscription",
		Name:      "poison_records_total",
		Help:      "Undecodable records skipped or dead-lettered",
	}, []string{"group", "topic", "action"})

	m.Commits = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "subscription",
		Name:      "commits_total",
		Help:      "Successful batch commits",
	}, labels)

	m.CommitErrors = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "subscription",
		Name:      "commit_errors_total",
		Help:      "Failed batch commits",
	}, labels)

	m.Retries = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "subscription",
		Name:      "retries_total",
		Help:      "Same-connection poll/process retries",
	}, labels)

	m.Reconnects = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "subscription",
		Name:      "reconnects_total",
		Help:      "Full consumer/producer rebuilds after intermittent errors",
	}, labels)

	m.FatalStops = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "subscription",
		Name:      "fatal_stops_total",
		Help:      "Subscriptions stopped by a fatal error",
	}, labels)

	m.BatchLatency = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: "subscription",
		Name:      "batch_latency_seconds",
		Help:      "Time to process and commit one polled batch",
	}, labels)

	m.State = r.newGaugeVec(prometheus.GaugeOpts{
		Subsystem: "subscription",
		Name:      "state",
		Help:      "Current subscription state (1 = current)",
	}, []string{"group", "topic", "state"})

	partitionLabels := labels
	if m.partitionLabel {
		partitionLabels = []string{"group", "topic", "partition"}
	}
	m.AssignedPartitions = r.newGaugeVec(prometheus.GaugeOpts{
		Subsystem: "subscription",
		Name:      "assigned_partitions",
		Help:      "Partitions currently assigned to the subscription",
	}, partitionLabels)

	return m
}

// RecordProcessed counts records handed to a processor.
func (m *SubscriptionMetrics) RecordProcessed(group, topic string, n int) {
	if m == nil {
		return
	}
	m.RecordsProcessed.WithLabelValues(group, topic).Add(float64(n))
}

// RecordPoison counts an undecodable record. action is "skipped" or
// "dead_lettered".
func (m *SubscriptionMetrics) RecordPoison(group, topic, action string) {
	if m == nil {
		return
	}
	m.PoisonRecords.WithLabelValues(group, topic, action).Inc()
}

// RecordCommit records the outcome and latency of one batch.
func (m *SubscriptionMetrics) RecordCommit(group, topic string, seconds float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CommitErrors.WithLabelValues(group, topic).Inc()
		return
	}
	m.Commits.WithLabelValues(group, topic).Inc()
	m.BatchLatency.WithLabelValues(group, topic).Observe(seconds)
}

// RecordRetry counts a same-connection retry.
func (m *SubscriptionMetrics) RecordRetry(group, topic string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(group, topic).Inc()
}

// RecordReconnect counts a full reconnect.
func (m *SubscriptionMetrics) RecordReconnect(group, topic string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(group, topic).Inc()
}

// RecordFatalStop counts a fatal termination.
func (m *SubscriptionMetrics) RecordFatalStop(group, topic string) {
	if m == nil {
		return
	}
	m.FatalStops.WithLabelValues(group, topic).Inc()
}

// SetState marks state as current and clears the others.
func (m *SubscriptionMetrics) SetState(group, topic, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(group, topic, s).Set(v)
	}
}

// SetAssigned publishes the current assignment.
func (m *SubscriptionMetrics) SetAssigned(group, topic string, partitions []int) {
	if m == nil {
		return
	}
	if !m.partitionLabel {
		m.AssignedPartitions.WithLabelValues(group, topic).Set(float64(len(partitions)))
		return
	}
	m.AssignedPartitions.DeletePartialMatch(prometheus.Labels{"group": group, "topic": topic})
	for _, p := range partitions {
		m.AssignedPartitions.WithLabelValues(group, topic, strconv.Itoa(p)).Set(1)
	}
}
