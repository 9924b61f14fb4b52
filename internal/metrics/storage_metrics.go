// =============================================================================
// STORAGE METRICS
// =============================================================================
//
// Appends are counted per topic, which covers leader appends and follower
// copies alike. Retention drops are counted separately so an operator can
// tell "the log is small because nothing arrives" from "retention is eating
// it".
//
// =============================================================================

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics records partition log activity.
type StorageMetrics struct {
	RecordsAppended *prometheus.CounterVec
	BytesAppended   *prometheus.CounterVec
	RetentionDrops  *prometheus.CounterVec
	LogEndOffset    *prometheus.GaugeVec
	LogStartOffset  *prometheus.GaugeVec

	registry *Registry
}

func newStorageMetrics(r *Registry) *StorageMetrics {
	m := &StorageMetrics{registry: r}

	m.RecordsAppended = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "records_appended_total",
			Help:      "Records written to partition logs, leader and follower",
		},
		[]string{"topic", "role"},
	)
	m.BytesAppended = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "bytes_appended_total",
			Help:      "Payload bytes written to partition logs",
		},
		[]string{"topic", "role"},
	)
	m.RetentionDrops = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "retention_dropped_records_total",
			Help:      "Records removed from the head of a log by retention",
		},
		[]string{"topic"},
	)
	m.LogEndOffset = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "storage",
			Name:      "log_end_offset",
			Help:      "Next offset of each hosted partition log",
		},
		[]string{"topic", "partition"},
	)
	m.LogStartOffset = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "storage",
			Name:      "log_start_offset",
			Help:      "Oldest retained offset of each hosted partition log",
		},
		[]string{"topic", "partition"},
	)

	return m
}

// RecordAppend counts records written to a log. Role is "leader" or "replica".
func (m *StorageMetrics) RecordAppend(topic, role string, records, bytes int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.RecordsAppended.WithLabelValues(topic, role).Add(float64(records))
	m.BytesAppended.WithLabelValues(topic, role).Add(float64(bytes))
}

// RecordRetention counts records dropped by retention.
func (m *StorageMetrics) RecordRetention(topic string, dropped int) {
	if m == nil || !m.registry.enabled || dropped == 0 {
		return
	}
	m.RetentionDrops.WithLabelValues(topic).Add(float64(dropped))
}

// SetOffsets publishes the retained offset range of a partition.
func (m *StorageMetrics) SetOffsets(topic string, partition int32, start, end int64) {
	if m == nil || !m.registry.enabled {
		return
	}
	p := strconv.Itoa(int(partition))
	m.LogStartOffset.WithLabelValues(topic, p).Set(float64(start))
	m.LogEndOffset.WithLabelValues(topic, p).Set(float64(end))
}
