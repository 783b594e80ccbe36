package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackerMetrics covers the committed-offset tracker.
type TrackerMetrics struct {
	Awaits          *prometheus.CounterVec
	AwaitLatency    *prometheus.HistogramVec
	CommittedOffset *prometheus.GaugeVec
	Refreshes       *prometheus.CounterVec

	partitionLabel bool
}

func newTrackerMetrics(r *Registry) *TrackerMetrics {
	m := &TrackerMetrics{partitionLabel: r.config.IncludePartitionLabel}

	// outcome: satisfied, canceled, stopped
	m.Awaits = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "tracker",
		Name:      "awaits_total",
		Help:      "Await calls by outcome",
	}, []string{"group", "outcome"})

	m.AwaitLatency = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: "tracker",
		Name:      "await_latency_seconds",
		Help:      "Time until an awaited offset was committed",
	}, []string{"group"})

	labels := []string{"group", "topic"}
	if m.partitionLabel {
		labels = append(labels, "partition")
	}
	m.CommittedOffset = r.newGaugeVec(prometheus.GaugeOpts{
		Subsystem: "tracker",
		Name:      "committed_offset",
		Help:      "Last committed offset seen; per partition only with the partition label",
	}, labels)

	m.Refreshes = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "tracker",
		Name:      "refreshes_total",
		Help:      "Periodic refreshes from the backend by result",
	}, []string{"result"})

	return m
}

// RecordAwait records an Await outcome.
func (m *TrackerMetrics) RecordAwait(group, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Awaits.WithLabelValues(group, outcome).Inc()
	if outcome == "satisfied" {
		m.AwaitLatency.WithLabelValues(group).Observe(seconds)
	}
}

// SetCommitted publishes a committed offset.
func (m *TrackerMetrics) SetCommitted(group, topic string, partition int, offset int64) {
	if m == nil {
		return
	}
	if m.partitionLabel {
		m.CommittedOffset.WithLabelValues(group, topic, strconv.Itoa(partition)).Set(float64(offset))
		return
	}
	m.CommittedOffset.WithLabelValues(group, topic).Set(float64(offset))
}

// RecordRefresh records a refresh result ("ok" or "error").
func (m *TrackerMetrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}
