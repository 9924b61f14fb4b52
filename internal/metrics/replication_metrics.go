// =============================================================================
// REPLICATION METRICS
// =============================================================================
//
//   logq_replication_isr_size{topic,partition}         current ISR size
//   logq_replication_under_replicated{topic,partition} 1 when ISR < replicas
//   logq_replication_isr_changes_total{topic,change}   shrink / expand
//   logq_replication_ack_wait_seconds{topic}           acks=all wait time
//   logq_replication_ack_failures_total{topic,reason}  insufficient / timeout
//   logq_replication_follower_lag{topic,partition}     leader LEO - follower LEO
//
// =============================================================================

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ReplicationMetrics records ISR health and acks=all behaviour.
type ReplicationMetrics struct {
	ISRSize         *prometheus.GaugeVec
	UnderReplicated *prometheus.GaugeVec
	ISRChanges      *prometheus.CounterVec
	AckWait         *prometheus.HistogramVec
	AckFailures     *prometheus.CounterVec
	FollowerLag     *prometheus.GaugeVec
	LeaderChanges   *prometheus.CounterVec

	registry *Registry
}

func newReplicationMetrics(r *Registry) *ReplicationMetrics {
	m := &ReplicationMetrics{registry: r}

	m.ISRSize = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "replication",
			Name:      "isr_size",
			Help:      "In-sync replicas per partition as seen by the leader",
		},
		[]string{"topic", "partition"},
	)
	m.UnderReplicated = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "replication",
			Name:      "under_replicated",
			Help:      "1 when the partition ISR is smaller than its replica set",
		},
		[]string{"topic", "partition"},
	)
	m.ISRChanges = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "replication",
			Name:      "isr_changes_total",
			Help:      "ISR shrink and expand events",
		},
		[]string{"topic", "change"},
	)
	m.AckWait = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "replication",
			Name:      "ack_wait_seconds",
			Help:      "Time acks=all produces spent waiting for the ISR",
		},
		[]string{"topic"},
	)
	m.AckFailures = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "replication",
			Name:      "ack_failures_total",
			Help:      "acks=all produces that failed",
		},
		[]string{"topic", "reason"},
	)
	m.FollowerLag = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "replication",
			Name:      "follower_lag_records",
			Help:      "Records a follower is behind the leader log end",
		},
		[]string{"topic", "partition"},
	)
	m.LeaderChanges = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "replication",
			Name:      "leader_changes_total",
			Help:      "Leadership changes applied by brokers",
		},
		[]string{"topic"},
	)

	return m
}

// SetISR publishes the ISR size and under-replication flag of a partition.
func (m *ReplicationMetrics) SetISR(topic string, partition int32, isrSize, replicas int) {
	if m == nil || !m.registry.enabled {
		return
	}
	p := strconv.Itoa(int(partition))
	m.ISRSize.WithLabelValues(topic, p).Set(float64(isrSize))
	under := 0.0
	if isrSize < replicas {
		under = 1
	}
	m.UnderReplicated.WithLabelValues(topic, p).Set(under)
}

// RecordISRChange counts a shrink or expand.
func (m *ReplicationMetrics) RecordISRChange(topic, change string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ISRChanges.WithLabelValues(topic, change).Inc()
}

// RecordAckWait observes a successful acks=all wait.
func (m *ReplicationMetrics) RecordAckWait(topic string, seconds float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.AckWait.WithLabelValues(topic).Observe(seconds)
}

// RecordAckFailure counts a failed acks=all wait.
func (m *ReplicationMetrics) RecordAckFailure(topic, reason string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.AckFailures.WithLabelValues(topic, reason).Inc()
}

// SetFollowerLag publishes how far a follower is behind.
func (m *ReplicationMetrics) SetFollowerLag(topic string, partition int32, lag int64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.FollowerLag.WithLabelValues(topic, strconv.Itoa(int(partition))).Set(float64(lag))
}

// RecordLeaderChange counts a leadership change.
func (m *ReplicationMetrics) RecordLeaderChange(topic string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.LeaderChanges.WithLabelValues(topic).Inc()
}
