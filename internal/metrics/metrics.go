// =============================================================================
// PROMETHEUS METRICS - CORE INFRASTRUCTURE
// =============================================================================
//
// One Registry per process, holding a family of metrics per component:
//
//   ┌──────────────┬───────────────────────────────────────────────────────┐
//   │ Subsystem    │ What it counts                                        │
//   ├──────────────┼───────────────────────────────────────────────────────┤
//   │ subscription │ records processed, poison records, commits, retries,  │
//   │              │ reconnects, fatal stops, batch latency                │
//   │ publisher    │ records, batches, failures, publish latency           │
//   │ allocator    │ rebalances, partitions moved, listeners per topic     │
//   │ tracker      │ awaits started/satisfied, committed offsets           │
//   └──────────────┴───────────────────────────────────────────────────────┘
//
// Every family type has nil-safe Record* methods. Components take a pointer
// to their family and a nil pointer simply records nothing, so tests and
// embedded uses need no registry at all.
//
// A process-wide registry is available through Init/Get for main packages;
// libraries receive their family explicitly.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metric families.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *slog.Logger
	enabled      bool

	Subscription *SubscriptionMetrics
	Publisher    *PublisherMetrics
	Allocator    *AllocatorMetrics
	Tracker      *TrackerMetrics
}

// Config controls metric registration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`

	// IncludePartitionLabel adds a partition label where it applies. High
	// cardinality on topics with many partitions.
	IncludePartitionLabel bool `yaml:"include-partition-label"`

	IncludeGoCollector      bool `yaml:"include-go-collector"`
	IncludeProcessCollector bool `yaml:"include-process-collector"`

	HistogramBuckets []float64 `yaml:"histogram-buckets,omitempty"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "messagebus",
		IncludePartitionLabel:   false,
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.0005,
			0.001,
			0.005,
			0.01, // publish target
			0.025,
			0.05,
			0.1,
			0.25,
			0.5,
			1,
			2.5,
			5,
			10, // slow processor callbacks
		},
	}
}

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Init creates the process-wide registry once.
func Init(config Config) *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry(config)
	})
	return globalRegistry
}

// Get returns the process-wide registry, or nil before Init.
func Get() *Registry {
	return globalRegistry
}

// NewRegistry creates an isolated registry. Use it in tests.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = DefaultConfig().HistogramBuckets
	}

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Subscription = newSubscriptionMetrics(r)
	r.Publisher = newPublisherMetrics(r)
	r.Allocator = newAllocatorMetrics(r)
	r.Tracker = newTrackerMetrics(r)

	logger.Info("metrics registry initialized",
		"namespace", config.Namespace,
		"include_partition_label", config.IncludePartitionLabel,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil || !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// Enabled reports whether metrics are being collected.
func (r *Registry) Enabled() bool {
	return r != nil && r.enabled
}

// PrometheusRegistry exposes the underlying registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// SubscriptionMetrics returns the subscription family, nil-safe.
func (r *Registry) SubscriptionMetrics() *SubscriptionMetrics {
	if r == nil {
		return nil
	}
	return r.Subscription
}

// PublisherMetrics returns the publisher family, nil-safe.
func (r *Registry) PublisherMetrics() *PublisherMetrics {
	if r == nil {
		return nil
	}
	return r.Publisher
}

// AllocatorMetrics returns the allocator family, nil-safe.
func (r *Registry) AllocatorMetrics() *AllocatorMetrics {
	if r == nil {
		return nil
	}
	return r.Allocator
}

// TrackerMetrics returns the tracker family, nil-safe.
func (r *Registry) TrackerMetrics() *TrackerMetrics {
	if r == nil {
		return nil
	}
	return r.Tracker
}

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogramVec := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(histogramVec)
	return histogramVec
}

// Timer measures a duration into a histogram.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer. A nil observer is allowed.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records and returns the elapsed time.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}
