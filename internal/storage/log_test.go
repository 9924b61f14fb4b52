// =============================================================================
// LOG TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
//   - N appends produce offsets 0..N-1 with no gaps or reordering
//   - Read returns exactly what was appended, in order
//   - Range errors for negative, retained-away, and past-the-end offsets
//   - Concurrent readers never observe a partial record
//   - Concurrent appenders never share or skip an offset
//   - Time lookups hold when producer timestamps go backwards
//   - Recovery from a FileStore rebuilds the same offsets
//
// =============================================================================

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"logq/pkg/protocol"
)

func testRecord(i int) protocol.Record {
	return protocol.Record{
		Key:   []byte(fmt.Sprintf("key-%d", i)),
		Value: []byte(fmt.Sprintf("value-%d", i)),
	}
}

// logBackends runs a test against every SegmentStore implementation.
func logBackends(t *testing.T) map[string]func() *Log {
	return map[string]func() *Log{
		"memory": NewMemoryLog,
		"file": func() *Log {
			store, err := OpenFileStore(t.TempDir(), FileStoreOptions{SyncInterval: time.Hour})
			if err != nil {
				t.Fatalf("OpenFileStore failed: %v", err)
			}
			return NewLog(store)
		},
	}
}

func TestLog_AppendAssignsContiguousOffsets(t *testing.T) {
	for name, newLog := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			log := newLog()
			defer log.Close()

			const n = 50
			for i := 0; i < n; i++ {
				offset, err := log.Append(testRecord(i))
				if err != nil {
					t.Fatalf("Append %d failed: %v", i, err)
				}
				if offset != int64(i) {
					t.Fatalf("Append %d returned offset %d", i, offset)
				}
			}

			if log.NextOffset() != n {
				t.Errorf("NextOffset = %d, want %d", log.NextOffset(), n)
			}
			if log.EarliestOffset() != 0 {
				t.Errorf("EarliestOffset = %d, want 0", log.EarliestOffset())
			}
		})
	}
}

func TestLog_ReadReturnsAppendedRecords(t *testing.T) {
	for name, newLog := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			log := newLog()
			defer log.Close()

			for i := 0; i < 10; i++ {
				if _, err := log.Append(testRecord(i)); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			tests := []struct {
				name      string
				from      int64
				max       int
				wantFirst int64
				wantCount int
			}{
				{"from start", 0, 3, 0, 3},
				{"middle", 4, 2, 4, 2},
				{"clipped at end", 8, 10, 8, 2},
				{"at log end", 10, 5, 0, 0},
				{"zero max", 3, 0, 0, 0},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					records, err := log.Read(tt.from, tt.max)
					if err != nil {
						t.Fatalf("Read failed: %v", err)
					}
					if len(records) != tt.wantCount {
						t.Fatalf("got %d records, want %d", len(records), tt.wantCount)
					}
					for i, rec := range records {
						want := testRecord(int(tt.wantFirst) + i)
						if rec.Offset != tt.wantFirst+int64(i) {
							t.Errorf("record %d offset = %d", i, rec.Offset)
						}
						if !bytes.Equal(rec.Key, want.Key) || !bytes.Equal(rec.Value, want.Value) {
							t.Errorf("record %d = %q/%q, want %q/%q", i, rec.Key, rec.Value, want.Key, want.Value)
						}
						if rec.ProducedAt.IsZero() {
							t.Errorf("record %d has no ProducedAt", i)
						}
					}
				})
			}
		})
	}
}

func TestLog_ReadOutOfRange(t *testing.T) {
	log := NewMemoryLog()
	for i := 0; i < 5; i++ {
		log.Append(testRecord(i))
	}

	for _, from := range []int64{-1, 6, 100} {
		_, err := log.Read(from, 1)
		if !errors.Is(err, protocol.ErrOffsetOutOfRange) {
			t.Errorf("Read(%d) err = %v, want ErrOffsetOutOfRange", from, err)
		}
	}

	dropped, err := log.TruncateBefore(3)
	if err != nil {
		t.Fatalf("TruncateBefore failed: %v", err)
	}
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
	if log.EarliestOffset() != 3 {
		t.Errorf("EarliestOffset = %d, want 3", log.EarliestOffset())
	}
	if _, err := log.Read(2, 1); !errors.Is(err, protocol.ErrOffsetOutOfRange) {
		t.Errorf("Read below retention err = %v", err)
	}

	records, err := log.Read(3, 10)
	if err != nil {
		t.Fatalf("Read(3) failed: %v", err)
	}
	if len(records) != 2 || records[0].Offset != 3 {
		t.Errorf("Read(3) = %d records starting at %d", len(records), records[0].Offset)
	}

	// Offsets continue after retention; nothing is reused.
	offset, _ := log.Append(testRecord(5))
	if offset != 5 {
		t.Errorf("offset after retention = %d, want 5", offset)
	}
}

func TestLog_NilAndEmptyKeysSurvive(t *testing.T) {
	log := NewMemoryLog()
	log.Append(protocol.Record{Key: nil, Value: []byte("a")})
	log.Append(protocol.Record{Key: []byte{}, Value: []byte("b")})
	log.Append(protocol.Record{Key: []byte("k"), Value: []byte("c"), Headers: map[string]string{"trace": "1"}})

	records, err := log.Read(0, 3)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if records[0].Key != nil {
		t.Errorf("nil key came back as %v", records[0].Key)
	}
	if records[1].Key == nil || len(records[1].Key) != 0 {
		t.Errorf("empty key came back as %v", records[1].Key)
	}
	if records[2].Headers["trace"] != "1" {
		t.Errorf("headers = %v", records[2].Headers)
	}
}

func TestLog_AppendReplicated(t *testing.T) {
	leader := NewMemoryLog()
	follower := NewMemoryLog()

	for i := 0; i < 3; i++ {
		leader.Append(testRecord(i))
	}
	records, _ := leader.Read(0, 3)
	for _, rec := range records {
		if err := follower.AppendReplicated(rec); err != nil {
			t.Fatalf("AppendReplicated(%d) failed: %v", rec.Offset, err)
		}
	}

	if err := follower.AppendReplicated(records[0]); !errors.Is(err, ErrOffsetMismatch) {
		t.Errorf("duplicate replicated append err = %v, want ErrOffsetMismatch", err)
	}

	got, _ := follower.Read(0, 3)
	for i := range got {
		if !got[i].ProducedAt.Equal(records[i].ProducedAt) {
			t.Errorf("record %d ProducedAt differs between leader and follower", i)
		}
	}
}

func TestLog_TruncateTo(t *testing.T) {
	for name, newLog := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			log := newLog()
			defer log.Close()

			for i := 0; i < 6; i++ {
				log.Append(testRecord(i))
			}
			if err := log.TruncateTo(4); err != nil {
				t.Fatalf("TruncateTo failed: %v", err)
			}
			if log.NextOffset() != 4 {
				t.Fatalf("NextOffset = %d, want 4", log.NextOffset())
			}

			offset, _ := log.Append(protocol.Record{Value: []byte("replacement")})
			if offset != 4 {
				t.Errorf("offset after truncate = %d, want 4", offset)
			}
			records, _ := log.Read(4, 1)
			if string(records[0].Value) != "replacement" {
				t.Errorf("value at 4 = %q", records[0].Value)
			}
		})
	}
}

func TestLog_Reset(t *testing.T) {
	for name, newLog := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			log := newLog()
			defer log.Close()

			for i := 0; i < 3; i++ {
				log.Append(testRecord(i))
			}
			if err := log.Reset(10); err != nil {
				t.Fatalf("Reset failed: %v", err)
			}
			if log.EarliestOffset() != 10 || log.NextOffset() != 10 || log.Len() != 0 {
				t.Fatalf("after reset: earliest=%d next=%d len=%d", log.EarliestOffset(), log.NextOffset(), log.Len())
			}
			if _, err := log.Read(2, 1); !errors.Is(err, protocol.ErrOffsetOutOfRange) {
				t.Errorf("read below reset err = %v", err)
			}

			offset, _ := log.Append(testRecord(3))
			if offset != 10 {
				t.Errorf("offset after reset = %d, want 10", offset)
			}
		})
	}
}

func TestLog_OffsetForTime(t *testing.T) {
	log := NewMemoryLog()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		log.Append(protocol.Record{Value: []byte("v"), ProducedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	tests := []struct {
		at   time.Time
		want int64
	}{
		{base.Add(-time.Hour), 0},
		{base, 0},
		{base.Add(90 * time.Second), 2},
		{base.Add(time.Hour), 5},
	}
	for _, tt := range tests {
		if got := log.OffsetForTime(tt.at); got != tt.want {
			t.Errorf("OffsetForTime(%v) = %d, want %d", tt.at, got, tt.want)
		}
	}
}

// Producers choose timestamps. One old timestamp in the middle must not
// pull newer records in front of it below the cutoff.
func TestLog_OffsetForTime_OutOfOrderTimestamps(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{now, now, now.Add(-48 * time.Hour), now, now.Add(-72 * time.Hour), now.Add(time.Minute)}

	for name, newLog := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			log := newLog()
			defer log.Close()
			for _, at := range stamps {
				log.Append(protocol.Record{Value: []byte("v"), ProducedAt: at})
			}

			if got := log.OffsetForTime(now.Add(-time.Hour)); got != 0 {
				t.Errorf("OffsetForTime(now-1h) = %d, want 0", got)
			}
			if got := log.OffsetForTime(now.Add(30 * time.Second)); got != 5 {
				t.Errorf("OffsetForTime(now+30s) = %d, want 5", got)
			}
			if got := log.OffsetForTime(now.Add(time.Hour)); got != 6 {
				t.Errorf("OffsetForTime(now+1h) = %d, want 6", got)
			}
		})
	}
}

func TestOpenLog_KeepsTimeOrderAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	store, _ := OpenFileStore(dir, FileStoreOptions{})
	log := NewLog(store)
	for _, at := range []time.Time{now, now.Add(-48 * time.Hour), now} {
		log.Append(protocol.Record{Value: []byte("v"), ProducedAt: at})
	}
	log.Close()

	store, _ = OpenFileStore(dir, FileStoreOptions{})
	recovered, err := OpenLog(store)
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	defer recovered.Close()
	if got := recovered.OffsetForTime(now.Add(-time.Hour)); got != 0 {
		t.Errorf("OffsetForTime after recovery = %d, want 0", got)
	}
}

// Many goroutines appending to one log get every offset exactly once.
func TestLog_ConcurrentAppenders(t *testing.T) {
	const writers, perWriter = 8, 200

	for name, newLog := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			log := newLog()
			defer log.Close()

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seen = make(map[int64]string)
			)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						value := fmt.Sprintf("w%d-%d", w, i)
						off, err := log.Append(protocol.Record{Value: []byte(value)})
						if err != nil {
							t.Errorf("Append failed: %v", err)
							return
						}
						mu.Lock()
						if prev, dup := seen[off]; dup {
							t.Errorf("offset %d assigned to %s and %s", off, prev, value)
						}
						seen[off] = value
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()

			const total = writers * perWriter
			if len(seen) != total || log.NextOffset() != total {
				t.Fatalf("got %d offsets, NextOffset %d; want %d", len(seen), log.NextOffset(), total)
			}
			records, err := log.Read(0, total)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			lastPerWriter := make(map[string]int)
			for i, rec := range records {
				if rec.Offset != int64(i) {
					t.Fatalf("record %d has offset %d", i, rec.Offset)
				}
				if got := string(rec.Value); got != seen[rec.Offset] {
					t.Fatalf("offset %d holds %q, Append returned it for %q", rec.Offset, got, seen[rec.Offset])
				}
				// Each writer's records keep its submission order.
				var w, seq int
				fmt.Sscanf(string(rec.Value), "w%d-%d", &w, &seq)
				key := fmt.Sprint(w)
				if last, ok := lastPerWriter[key]; ok && seq <= last {
					t.Fatalf("writer %d: sequence %d after %d", w, seq, last)
				}
				lastPerWriter[key] = seq
			}
		})
	}
}

// Logs of different partitions proceed independently.
func TestLog_ParallelPartitions(t *testing.T) {
	const perLog = 300
	logs := []*Log{NewMemoryLog(), NewMemoryLog()}

	var wg sync.WaitGroup
	for p, log := range logs {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(p int, log *Log) {
				defer wg.Done()
				for i := 0; i < perLog; i++ {
					if _, err := log.Append(protocol.Record{Value: []byte(fmt.Sprintf("p%d", p))}); err != nil {
						t.Errorf("Append failed: %v", err)
						return
					}
				}
			}(p, log)
		}
	}
	wg.Wait()

	for p, log := range logs {
		if got := log.NextOffset(); got != 3*perLog {
			t.Errorf("partition %d: NextOffset = %d, want %d", p, got, 3*perLog)
		}
		records, _ := log.Read(0, 3*perLog)
		for i, rec := range records {
			if rec.Offset != int64(i) || string(rec.Value) != fmt.Sprintf("p%d", p) {
				t.Fatalf("partition %d index %d: offset %d value %q", p, i, rec.Offset, rec.Value)
			}
		}
	}
}

func TestLog_ConcurrentReadersSeePrefix(t *testing.T) {
	log := NewMemoryLog()
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, err := log.Append(testRecord(i)); err != nil {
				t.Errorf("Append failed: %v", err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for log.NextOffset() < n {
				records, err := log.Read(0, n)
				if err != nil {
					t.Errorf("Read failed: %v", err)
					return
				}
				for i, rec := range records {
					if rec.Offset != int64(i) {
						t.Errorf("reader saw offset %d at index %d", rec.Offset, i)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestOpenLog_RecoversFromFileStore(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenFileStore(dir, FileStoreOptions{})
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	log := NewLog(store)
	for i := 0; i < 20; i++ {
		log.Append(testRecord(i))
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.Write([]byte{MagicByte1, MagicByte2, FormatVersion, 0, 1, 2})
	f.Close()

	store, err = OpenFileStore(dir, FileStoreOptions{})
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	recovered, err := OpenLog(store)
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	defer recovered.Close()

	if recovered.NextOffset() != 20 {
		t.Fatalf("recovered NextOffset = %d, want 20", recovered.NextOffset())
	}
	records, err := recovered.Read(15, 10)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(records) != 5 || string(records[0].Value) != "value-15" {
		t.Errorf("recovered records = %d, first %q", len(records), records[0].Value)
	}

	offset, err := recovered.Append(testRecord(20))
	if err != nil || offset != 20 {
		t.Errorf("append after recovery = %d, %v", offset, err)
	}
}

func TestLog_ClosedRejectsOperations(t *testing.T) {
	log := NewMemoryLog()
	log.Close()

	if _, err := log.Append(testRecord(0)); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Append after close err = %v", err)
	}
	if _, err := log.Read(0, 1); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Read after close err = %v", err)
	}
}
