// =============================================================================
// HOSTED PARTITION - ONE REPLICA OF ONE PARTITION ON ONE BROKER
// =============================================================================
//
// A broker node hosts many partition replicas. Each replica owns its log and
// the replication state that belongs with it:
//
//   ┌─────────────────────────────────────────────────────────────────────┐
//   │ replica orders-1 on broker 2                                        │
//   │                                                                     │
//   │   role: LEADER            epoch: 3                                  │
//   │   log:  [0 .. 57)         high watermark: 55                        │
//   │   isr:  tracker {2, 3}    (leaders only)                            │
//   │   producers: id → last sequences                                    │
//   │   hwCh: closed and replaced whenever HW, role or ISR changes        │
//   └─────────────────────────────────────────────────────────────────────┘
//
// The replica holds no pointer to the directory entry of its partition; it
// knows its TopicPartition key and looks metadata up by it.
//
// LOCKING:
//   mu serializes role changes, the dedup check + append of a produce, and
//   every HW/ISR update. Reads go straight to the log, whose RWMutex lets
//   them run alongside appends.
//
// =============================================================================

package broker

import (
	"sync"

	"logq/internal/cluster"
	"logq/internal/storage"
	"logq/pkg/protocol"
)

type replica struct {
	tp     protocol.TopicPartition
	log    *storage.Log
	config cluster.TopicConfig
	schema *SchemaValidator

	mu            sync.Mutex
	role          cluster.Role
	leaderEpoch   int32
	highWatermark int64
	isr           *isrTracker
	producers     *producerTable

	// hwCh is closed to wake acks=all waiters.
	hwCh chan struct{}
}

func newReplica(tp protocol.TopicPartition, log *storage.Log, config cluster.TopicConfig, schema *SchemaValidator) *replica {
	return &replica{
		tp:        tp,
		log:       log,
		config:    config,
		schema:    schema,
		role:      cluster.RoleReplica,
		producers: newProducerTable(),
		hwCh:      make(chan struct{}),
	}
}

// signalLocked wakes everyone waiting on hwCh.
func (r *replica) signalLocked() {
	close(r.hwCh)
	r.hwCh = make(chan struct{})
}

// setHighWatermarkLocked moves HW forward, never back. It is capped at the
// local log end.
func (r *replica) setHighWatermarkLocked(hw int64) bool {
	if leo := r.log.NextOffset(); hw > leo {
		hw = leo
	}
	if hw <= r.highWatermark {
		return false
	}
	r.highWatermark = hw
	r.signalLocked()
	return true
}

// rebuildProducersLocked replays the retained log into a fresh producer
// table, after recovery or truncation.
func (r *replica) rebuildProducersLocked() error {
	table := newProducerTable()
	from := r.log.EarliestOffset()
	end := r.log.NextOffset()
	for from < end {
		batch, err := r.log.Read(from, 1000)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			table.record(rec, rec.Offset)
		}
		from = batch[len(batch)-1].Offset + 1
	}
	r.producers = table
	return nil
}

// minInSync is the smallest ISR an acks=all produce accepts.
func (r *replica) minInSync() int {
	if r.config.MinInSyncReplicas > 0 {
		return r.config.MinInSyncReplicas
	}
	return 1
}
