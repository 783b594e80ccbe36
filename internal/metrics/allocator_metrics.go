package metrics

import "github.com/prometheus/client_golang/prometheus"

// AllocatorMetrics covers process-local partition allocation.
type AllocatorMetrics struct {
	Rebalances      *prometheus.CounterVec
	PartitionsMoved *prometheus.CounterVec
	TopicListeners  *prometheus.GaugeVec
}

func newAllocatorMetrics(r *Registry) *AllocatorMetrics {
	m := &AllocatorMetrics{}

	m.Rebalances = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "allocator",
		Name:      "rebalances_total",
		Help:      "Rebalances per topic",
	}, []string{"topic"})

	m.PartitionsMoved = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "allocator",
		Name:      "partitions_moved_total",
		Help:      "Partitions newly assigned to a listener by a rebalance",
	}, []string{"topic"})

	m.TopicListeners = r.newGaugeVec(prometheus.GaugeOpts{
		Subsystem: "allocator",
		Name:      "listeners",
		Help:      "Listeners registered per topic",
	}, []string{"topic"})

	return m
}

// RecordRebalance records one completed rebalance.
func (m *AllocatorMetrics) RecordRebalance(topic string, listeners, moved int) {
	if m == nil {
		return
	}
	m.Rebalances.WithLabelValues(topic).Inc()
	m.PartitionsMoved.WithLabelValues(topic).Add(float64(moved))
	m.TopicListeners.WithLabelValues(topic).Set(float64(listeners))
}
