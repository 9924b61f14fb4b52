// =============================================================================
// BROKER METRICS - PRODUCE AND FETCH
// =============================================================================
//
// Key questions these answer:
//   - How many records per topic are written and read?
//   - How long does a produce take for each ack level?
//   - How often do clients hit a broker that is not the leader?
//
// Example PromQL:
//
//   # p99 produce latency for acks=all
//   histogram_quantile(0.99,
//     rate(logq_broker_produce_latency_seconds_bucket{acks="all"}[5m]))
//
//   # stale routing: clients that need a metadata refresh
//   rate(logq_broker_not_leader_total[1m])
//
// =============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics records produce and fetch traffic.
type BrokerMetrics struct {
	RecordsProduced *prometheus.CounterVec
	BytesProduced   *prometheus.CounterVec
	ProduceErrors   *prometheus.CounterVec
	ProduceLatency  *prometheus.HistogramVec
	Duplicates      *prometheus.CounterVec

	RecordsFetched *prometheus.CounterVec
	BytesFetched   *prometheus.CounterVec

	NotLeader *prometheus.CounterVec

	HostedPartitions *prometheus.GaugeVec

	registry *Registry
}

func newBrokerMetrics(r *Registry) *BrokerMetrics {
	m := &BrokerMetrics{registry: r}

	m.RecordsProduced = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "broker",
			Name:      "records_produced_total",
			Help:      "Records appended by partition leaders",
		},
		[]string{"topic"},
	)
	m.BytesProduced = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "broker",
			Name:      "bytes_produced_total",
			Help:      "Key, value and header bytes appended by partition leaders",
		},
		[]string{"topic"},
	)
	m.ProduceErrors = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "broker",
			Name:      "produce_errors_total",
			Help:      "Failed produce requests by error code",
		},
		[]string{"topic", "code"},
	)
	m.ProduceLatency = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "broker",
			Name:      "produce_latency_seconds",
			Help:      "Produce latency including the acknowledgement wait",
		},
		[]string{"topic", "acks"},
	)
	m.Duplicates = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "broker",
			Name:      "duplicate_records_total",
			Help:      "Retried records recognised by producer id and sequence",
		},
		[]string{"topic"},
	)
	m.RecordsFetched = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "broker",
			Name:      "records_fetched_total",
			Help:      "Records returned to consumers",
		},
		[]string{"topic"},
	)
	m.BytesFetched = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "broker",
			Name:      "bytes_fetched_total",
			Help:      "Bytes returned to consumers",
		},
		[]string{"topic"},
	)
	m.NotLeader = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "broker",
			Name:      "not_leader_total",
			Help:      "Produce requests rejected because this broker is not the leader",
		},
		[]string{"topic"},
	)
	m.HostedPartitions = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "broker",
			Name:      "hosted_partitions",
			Help:      "Partitions hosted by each broker, by role",
		},
		[]string{"broker", "role"},
	)

	return m
}

// RecordProduce records a successful produce.
func (m *BrokerMetrics) RecordProduce(topic, acks string, bytes int, latency float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.RecordsProduced.WithLabelValues(topic).Inc()
	m.BytesProduced.WithLabelValues(topic).Add(float64(bytes))
	m.ProduceLatency.WithLabelValues(topic, acks).Observe(latency)
}

// RecordProduceError records a failed produce by its wire error code.
func (m *BrokerMetrics) RecordProduceError(topic, code string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ProduceErrors.WithLabelValues(topic, code).Inc()
}

// RecordDuplicate records a deduplicated retry.
func (m *BrokerMetrics) RecordDuplicate(topic string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Duplicates.WithLabelValues(topic).Inc()
}

// RecordFetch records records served to a consumer.
func (m *BrokerMetrics) RecordFetch(topic string, count, bytes int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.RecordsFetched.WithLabelValues(topic).Add(float64(count))
	m.BytesFetched.WithLabelValues(topic).Add(float64(bytes))
}

// RecordNotLeader records a produce sent to a non-leader.
func (m *BrokerMetrics) RecordNotLeader(topic string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.NotLeader.WithLabelValues(topic).Inc()
}

// SetHostedPartitions publishes how many partitions a broker leads/follows.
func (m *BrokerMetrics) SetHostedPartitions(broker string, leaders, replicas int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.HostedPartitions.WithLabelValues(broker, "leader").Set(float64(leaders))
	m.HostedPartitions.WithLabelValues(broker, "replica").Set(float64(replicas))
}
