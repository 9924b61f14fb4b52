// =============================================================================
// PARTITION LOG - APPEND-ONLY, OFFSET-INDEXED RECORDS
// =============================================================================
//
// A partition log is an ordered, append-only sequence of records. The log owns
// offset assignment; the segment store underneath only keeps framed bytes.
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │                               LOG                                    │
//   │                                                                      │
//   │   startOffset                                          nextOffset    │
//   │        │                                                    │        │
//   │        ▼                                                    ▼        │
//   │   ┌────────┬────────┬────────┬────────┬────────┬────────┐            │
//   │   │   3    │   4    │   5    │   6    │   7    │   8    │  (next: 9) │
//   │   └───┬────┴───┬────┴────────┴────────┴────────┴───┬────┘            │
//   │       │        │         index: offset → (pos,len)  │                │
//   │       ▼        ▼                                    ▼                │
//   │   ┌──────────────────────────────────────────────────────┐           │
//   │   │            SegmentStore bytes (frames)               │           │
//   │   └──────────────────────────────────────────────────────┘           │
//   │                                                                      │
//   │   Offsets below startOffset were dropped by retention.               │
//   └──────────────────────────────────────────────────────────────────────┘
//
// OFFSET SEMANTICS:
//   - Offsets are contiguous int64s assigned strictly in append order
//   - Once assigned, a record's offset and content never change
//   - Valid read range is [startOffset, nextOffset]; reading at nextOffset
//     returns nothing (the consumer is caught up)
//
// CONCURRENCY:
//   - One writer at a time (mu.Lock), so appends to one partition are never
//     interleaved; different partitions have different Logs and never contend
//   - Readers take mu.RLock and see a consistent prefix: the index entry for
//     an offset is published only after its bytes are in the store
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"logq/pkg/protocol"
)

var (
	// ErrLogClosed means the log was used after Close.
	ErrLogClosed = errors.New("log is closed")

	// ErrOffsetMismatch means a replicated record does not continue the log.
	ErrOffsetMismatch = errors.New("replicated record offset does not match log end")
)

// indexEntry locates one record in the segment store.
//
// maxProducedAt is the largest timestamp at or before the entry. Producers
// pick their own timestamps, so the raw values are not ordered; the running
// maximum is, which keeps time lookups a binary search:
//
//   producedAt      10  12  3   13  11
//   maxProducedAt   10  12  12  13  13
type indexEntry struct {
	position      int64
	length        int32
	maxProducedAt int64
}

// Log is the append-only record sequence of one partition.
type Log struct {
	mu sync.RWMutex

	store SegmentStore

	// index[i] describes offset startOffset+i.
	index       []indexEntry
	startOffset int64
	nextOffset  int64

	// retainedBytes is the size of records at or after startOffset.
	retainedBytes int64

	closed bool
}

// NewLog creates an empty log on top of an empty store.
func NewLog(store SegmentStore) *Log {
	return &Log{store: store}
}

// NewMemoryLog is a convenience for a log backed by a MemoryStore.
func NewMemoryLog() *Log {
	return NewLog(NewMemoryStore())
}

// OpenLog rebuilds the offset index by scanning every frame in store.
//
// RECOVERY RULES:
//   - A torn or corrupted tail frame ends the scan; the store is truncated
//     there when it supports it
//   - A frame whose offset is lower than the running end means the tail was
//     rewritten after a truncation without store support; the index is cut
//     back to that offset and the scan continues
func OpenLog(store SegmentStore) (*Log, error) {
	l := &Log{store: store}

	size := store.Size()
	var pos int64
	for pos < size {
		if size-pos < HeaderSize {
			break
		}
		header, err := store.Read(pos, HeaderSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame header at %d: %w", pos, err)
		}
		frameSize, err := FrameSize(header)
		if err != nil || pos+int64(frameSize) > size {
			break
		}
		frame, err := store.Read(pos, frameSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame at %d: %w", pos, err)
		}
		rec, err := DecodeRecord(frame)
		if err != nil {
			break
		}

		switch {
		case len(l.index) == 0:
			l.startOffset = rec.Offset
			l.nextOffset = rec.Offset
		case rec.Offset < l.nextOffset:
			if rec.Offset < l.startOffset {
				return nil, fmt.Errorf("%w: frame offset %d below log start %d", ErrInvalidFrame, rec.Offset, l.startOffset)
			}
			l.cutIndexLocked(rec.Offset)
		case rec.Offset > l.nextOffset:
			return nil, fmt.Errorf("%w: gap between offset %d and %d", ErrInvalidFrame, l.nextOffset-1, rec.Offset)
		}

		l.pushIndexLocked(pos, int32(frameSize), rec.ProducedAt)
		pos += int64(frameSize)
	}

	if pos < size {
		if t, ok := store.(Truncater); ok {
			if err := t.Truncate(pos); err != nil {
				return nil, fmt.Errorf("failed to drop torn tail: %w", err)
			}
		}
	}
	return l, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Append assigns the next offset to rec and stores it.
// A zero ProducedAt is stamped with the current time.
func (l *Log) Append(rec protocol.Record) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	rec.Offset = l.nextOffset
	if rec.ProducedAt.IsZero() {
		rec.ProducedAt = time.Now().UTC()
	}
	if err := l.appendLocked(rec); err != nil {
		return 0, err
	}
	return rec.Offset, nil
}

// AppendReplicated stores a record copied from a leader. Its offset was
// assigned by the leader and must equal this log's next offset.
func (l *Log) AppendReplicated(rec protocol.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if rec.Offset != l.nextOffset {
		return fmt.Errorf("%w: got %d, log end is %d", ErrOffsetMismatch, rec.Offset, l.nextOffset)
	}
	return l.appendLocked(rec)
}

func (l *Log) appendLocked(rec protocol.Record) error {
	frame, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	pos, err := l.store.Append(frame)
	if err != nil {
		return fmt.Errorf("failed to append to store: %w", err)
	}

	l.pushIndexLocked(pos, int32(len(frame)), rec.ProducedAt)
	return nil
}

func (l *Log) pushIndexLocked(pos int64, length int32, producedAt time.Time) {
	ts := producedAt.UnixNano()
	if n := len(l.index); n > 0 && l.index[n-1].maxProducedAt > ts {
		ts = l.index[n-1].maxProducedAt
	}
	l.index = append(l.index, indexEntry{position: pos, length: length, maxProducedAt: ts})
	l.nextOffset++
	l.retainedBytes += int64(length)
}

// =============================================================================
// READS
// =============================================================================

// Read returns up to maxRecords records starting at fromOffset.
//
//	k = min(maxRecords, nextOffset - fromOffset)
//
// Fails with ErrOffsetOutOfRange if fromOffset is negative, below the
// earliest retained offset, or past the log end.
func (l *Log) Read(fromOffset int64, maxRecords int) ([]protocol.Record, error) {
	return l.ReadUpTo(fromOffset, maxRecords, -1)
}

// ReadUpTo is Read with an exclusive upper bound (for example the high
// watermark). A negative bound means the log end.
func (l *Log) ReadUpTo(fromOffset int64, maxRecords int, upTo int64) ([]protocol.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if fromOffset < 0 || fromOffset < l.startOffset || fromOffset > l.nextOffset {
		return nil, fmt.Errorf("%w: offset %d, valid range [%d, %d]",
			protocol.ErrOffsetOutOfRange, fromOffset, l.startOffset, l.nextOffset)
	}

	end := l.nextOffset
	if upTo >= 0 && upTo < end {
		end = upTo
	}
	available := end - fromOffset
	if available <= 0 || maxRecords <= 0 {
		return []protocol.Record{}, nil
	}
	k := int64(maxRecords)
	if available < k {
		k = available
	}

	records := make([]protocol.Record, 0, k)
	for off := fromOffset; off < fromOffset+k; off++ {
		entry := l.index[off-l.startOffset]
		frame, err := l.store.Read(entry.position, int(entry.length))
		if err != nil {
			return nil, fmt.Errorf("failed to read offset %d: %w", off, err)
		}
		rec, err := DecodeRecord(frame)
		if err != nil {
			return nil, fmt.Errorf("failed to decode offset %d: %w", off, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// NextOffset is the offset the next append will receive (the log end).
func (l *Log) NextOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffset
}

// EarliestOffset is the oldest retained offset.
func (l *Log) EarliestOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startOffset
}

// Len is the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// Size is the number of bytes held by retained records.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.retainedBytes
}

// OffsetForTime returns the first retained offset at which the log reaches
// time t: every record before it was produced before t. A record with an
// old timestamp behind newer ones is kept until the newer ones age out too.
// Returns the log end when every record is older.
func (l *Log) OffsetForTime(t time.Time) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	target := t.UnixNano()
	lo, hi := 0, len(l.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.index[mid].maxProducedAt < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return l.startOffset + int64(lo)
}

// =============================================================================
// TRUNCATION
// =============================================================================

// TruncateBefore drops every record below offset (retention). Returns the
// number of records dropped. Offsets are never reused.
func (l *Log) TruncateBefore(offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}
	if offset <= l.startOffset {
		return 0, nil
	}
	if offset > l.nextOffset {
		offset = l.nextOffset
	}

	drop := int(offset - l.startOffset)
	for _, entry := range l.index[:drop] {
		l.retainedBytes -= int64(entry.length)
	}
	l.index = append([]indexEntry(nil), l.index[drop:]...)
	l.startOffset = offset
	return drop, nil
}

// TruncateTo drops every record at or after offset. Followers use it to
// discard records a new leader never had.
func (l *Log) TruncateTo(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if offset >= l.nextOffset {
		return nil
	}
	if offset < l.startOffset {
		offset = l.startOffset
	}

	if t, ok := l.store.(Truncater); ok && offset < l.nextOffset && len(l.index) > 0 {
		if err := t.Truncate(l.index[offset-l.startOffset].position); err != nil {
			return fmt.Errorf("failed to truncate store: %w", err)
		}
	}
	l.cutIndexLocked(offset)
	return nil
}

// Reset discards every record and restarts the log at offset. A follower
// that fell behind the leader's retention uses it to skip the gap.
func (l *Log) Reset(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if offset < 0 {
		return fmt.Errorf("%w: reset to negative offset %d", protocol.ErrOffsetOutOfRange, offset)
	}
	if t, ok := l.store.(Truncater); ok {
		if err := t.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate store: %w", err)
		}
	}
	l.index = nil
	l.retainedBytes = 0
	l.startOffset = offset
	l.nextOffset = offset
	return nil
}

func (l *Log) cutIndexLocked(offset int64) {
	keep := int(offset - l.startOffset)
	for _, entry := range l.index[keep:] {
		l.retainedBytes -= int64(entry.length)
	}
	l.index = l.index[:keep]
	l.nextOffset = offset
}

// Flush forces appended records to durable storage.
func (l *Log) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrLogClosed
	}
	return l.store.Flush()
}

// Close flushes and closes the store. Further calls fail with ErrLogClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.store.Close()
}
