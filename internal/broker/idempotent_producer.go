// =============================================================================
// IDEMPOTENT PRODUCE - DEDUPLICATING RETRIED RECORDS
// =============================================================================
//
// A producer that times out waiting for an ack cannot tell whether the leader
// appended the record. Retrying blindly would write it twice:
//
//   ┌──────────┐   seq=7    ┌────────┐   append    ┌─────────┐
//   │ Producer │───────────►│ Leader │────────────►│   Log   │ offset 41
//   └──────────┘            └────────┘             └─────────┘
//        │   ack lost            │
//        │◄─────────X────────────│
//        │   retry seq=7         │
//        │──────────────────────►│  seq 7 already at offset 41
//        │◄──────────────────────│  ack offset 41, nothing appended
//
// Each producer has a UUID and numbers its records per partition. The leader
// keeps, per partition and producer, the last few (sequence, offset) pairs.
//
// RULES:
//   - empty producer id           no deduplication
//   - sequence > last seen        new record, append
//   - sequence in the window      duplicate, return the original offset
//   - older than the window       rejected as invalid
//
// Followers feed every replicated record through the same table, so a newly
// promoted leader deduplicates exactly like the old one did.
//
// =============================================================================

package broker

import (
	"fmt"
	"time"

	"logq/pkg/protocol"
)

// dedupWindow is how many recent sequences are remembered per producer.
const dedupWindow = 5

type sequenceEntry struct {
	sequence int64
	offset   int64
}

type producerState struct {
	lastSequence int64
	recent       [dedupWindow]sequenceEntry
	count        int
	lastSeen     time.Time
}

func (s *producerState) add(sequence, offset int64, at time.Time) {
	s.recent[s.count%dedupWindow] = sequenceEntry{sequence: sequence, offset: offset}
	s.count++
	s.lastSequence = sequence
	s.lastSeen = at
}

func (s *producerState) find(sequence int64) (int64, bool) {
	n := s.count
	if n > dedupWindow {
		n = dedupWindow
	}
	for i := 0; i < n; i++ {
		if e := s.recent[i]; e.sequence == sequence {
			return e.offset, true
		}
	}
	return 0, false
}

// producerTable tracks producer sequences for one partition. Access is
// serialized by the owning replica.
type producerTable struct {
	producers map[string]*producerState
}

func newProducerTable() *producerTable {
	return &producerTable{producers: make(map[string]*producerState)}
}

// check reports whether rec repeats an already appended record and, if so,
// the offset it was stored at.
func (t *producerTable) check(rec protocol.Record) (int64, bool, error) {
	if rec.ProducerID == "" {
		return 0, false, nil
	}
	state, ok := t.producers[rec.ProducerID]
	if !ok || rec.Sequence > state.lastSequence {
		return 0, false, nil
	}
	if offset, ok := state.find(rec.Sequence); ok {
		return offset, true, nil
	}
	return 0, false, fmt.Errorf("%w: sequence %d of producer %s is older than the last %d records",
		protocol.ErrInvalidRecord, rec.Sequence, rec.ProducerID, dedupWindow)
}

// record remembers an appended (or replicated) record.
func (t *producerTable) record(rec protocol.Record, offset int64) {
	if rec.ProducerID == "" {
		return
	}
	state, ok := t.producers[rec.ProducerID]
	if !ok {
		state = &producerState{lastSequence: -1}
		t.producers[rec.ProducerID] = state
	}
	if rec.Sequence <= state.lastSequence {
		return
	}
	at := rec.ProducedAt
	if at.IsZero() {
		at = time.Now()
	}
	state.add(rec.Sequence, offset, at)
}

// expire forgets producers idle since before cutoff. Returns how many.
func (t *producerTable) expire(cutoff time.Time) int {
	n := 0
	for id, state := range t.producers {
		if state.lastSeen.Before(cutoff) {
			delete(t.producers, id)
			n++
		}
	}
	return n
}

func (t *producerTable) len() int {
	return len(t.producers)
}
