// =============================================================================
// METRICS - PROMETHEUS INSTRUMENTATION FOR THE BROKER
// =============================================================================
//
// Every component gets its recorder from one Registry that the process builds
// at startup and passes down. Nothing is global, so tests can build as many
// isolated registries as they like.
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                              REGISTRY                                   │
//   │                                                                         │
//   │   Broker       produce/fetch counts, bytes, produce latency by acks     │
//   │   Replication  ISR size, under-replicated partitions, ack waits         │
//   │   Groups       members, generation, rebalances, commits                 │
//   │   Storage      records and bytes appended, retention drops              │
//   │                                                                         │
//   │   Handler() ──► promhttp ──► GET /metrics                               │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// NIL SAFETY:
// All Record* methods accept a nil receiver. A component built without
// metrics simply holds nil recorders and every call is a no-op.
//
// NAMING:
//   <namespace>_<subsystem>_<name>_<unit>
//   logq_broker_produce_latency_seconds
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every logq metric.
type Registry struct {
	promRegistry *prometheus.Registry

	config Config

	logger *slog.Logger

	enabled bool

	Broker      *BrokerMetrics
	Replication *ReplicationMetrics
	Groups      *GroupMetrics
	Storage     *StorageMetrics
}

// Config controls which collectors are registered.
type Config struct {
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string

	IncludeGoCollector bool

	IncludeProcessCollector bool

	// HistogramBuckets are latency buckets in seconds.
	HistogramBuckets []float64
}

// DefaultConfig returns the production defaults.
//
// Produce latency spans two very different regimes: leader-only acks land in
// the sub-millisecond range, while acks=all waits for a follower round trip.
// The buckets are dense at both ends.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "logq",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.0005, 0.001, 0.002, 0.005, 0.01, 0.025,
			0.05, 0.1, 0.25, 0.5, 1, 2, 5,
		},
	}
}

// NewRegistry creates a registry with all subsystem recorders.
// A disabled registry still has recorders, but they record nothing.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	if config.Namespace == "" {
		config.Namespace = "logq"
	}
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

	r.Broker = newBrokerMetrics(r)
	r.Replication = newReplicationMetrics(r)
	r.Groups = newGroupMetrics(r)
	r.Storage = newStorageMetrics(r)

	logger.Info("metrics registry initialized", "namespace", config.Namespace)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil || !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
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

// PrometheusRegistry exposes the underlying registry for custom collectors.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// BrokerRecorder returns the broker recorder, or nil for a nil registry.
func (r *Registry) BrokerRecorder() *BrokerMetrics {
	if r == nil {
		return nil
	}
	return r.Broker
}

// ReplicationRecorder returns the replication recorder, or nil.
func (r *Registry) ReplicationRecorder() *ReplicationMetrics {
	if r == nil {
		return nil
	}
	return r.Replication
}

// GroupRecorder returns the consumer group recorder, or nil.
func (r *Registry) GroupRecorder() *GroupMetrics {
	if r == nil {
		return nil
	}
	return r.Groups
}

// StorageRecorder returns the storage recorder, or nil.
func (r *Registry) StorageRecorder() *StorageMetrics {
	if r == nil {
		return nil
	}
	return r.Storage
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	gauge := prometheus.NewGauge(opts)
	r.promRegistry.MustRegister(gauge)
	return gauge
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

// Since returns the seconds elapsed since start, for latency observations.
func Since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
