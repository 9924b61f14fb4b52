// =============================================================================
// SEGMENT STORE - WHERE RECORD BYTES LIVE
// =============================================================================
//
// The partition log decides offsets; the segment store only keeps bytes.
// Splitting the two keeps the log's ordering rules independent of how (or
// whether) bytes reach disk:
//
//   ┌──────────────────────┐  EncodeRecord   ┌───────────────────────────┐
//   │ Log (offsets, index) │ ──────────────► │ SegmentStore (bytes only) │
//   │ offset → (pos, len)  │ ◄────────────── │ Append / Read / Flush     │
//   └──────────────────────┘     frames      └─────────────┬─────────────┘
//                                                          │
//                                       ┌──────────────────┴────────────┐
//                                       │                               │
//                                 MemoryStore                       FileStore
//                              (tests, replicas)         (buffered, fsync interval)
//
// Swapping one store for the other never changes offset semantics: the same
// sequence of appends yields the same offsets and the same reads.
//
// SEGMENT NAMING:
//   A FileStore writes one file named by the first offset it holds,
//   20-digit zero-padded so lexicographic order equals numeric order:
//     00000000000000000000.log
//
// =============================================================================

package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultSyncInterval is how often a FileStore fsyncs on append.
	// Zero means fsync on every append.
	DefaultSyncInterval = time.Second

	// WriteBufferSize is the FileStore's bufio buffer.
	WriteBufferSize = 64 * 1024
)

var (
	// ErrStoreClosed means the store was used after Close.
	ErrStoreClosed = errors.New("segment store is closed")

	// ErrShortRead means the store holds fewer bytes than requested.
	ErrShortRead = errors.New("segment store short read")
)

// SegmentStore is the byte-level backing of a partition log.
type SegmentStore interface {
	// Append writes data at the end and returns its starting position.
	Append(data []byte) (int64, error)

	// Read returns length bytes starting at position.
	Read(position int64, length int) ([]byte, error)

	// Flush makes every appended byte durable.
	Flush() error

	// Size is the number of bytes appended so far.
	Size() int64

	Close() error
}

// Truncater is implemented by stores that can drop a tail of bytes. The log
// uses it when a follower discards records past a new leader's high
// watermark.
type Truncater interface {
	Truncate(position int64) error
}

// SegmentFileName generates the filename for a segment with a base offset.
func SegmentFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d.log", baseOffset)
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore keeps all bytes in one growing slice.
type MemoryStore struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	pos := int64(len(s.data))
	s.data = append(s.data, data...)
	return pos, nil
}

func (s *MemoryStore) Read(position int64, length int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if position < 0 || length < 0 || position+int64(length) > int64(len(s.data)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d bytes", ErrShortRead, position, position+int64(length), len(s.data))
	}
	out := make([]byte, length)
	copy(out, s.data[position:])
	return out, nil
}

func (s *MemoryStore) Flush() error { return nil }

func (s *MemoryStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data))
}

func (s *MemoryStore) Truncate(position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if position < 0 || position > int64(len(s.data)) {
		return fmt.Errorf("truncate position %d outside [0, %d]", position, len(s.data))
	}
	s.data = s.data[:position]
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// =============================================================================
// FILE STORE
// =============================================================================

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// SyncInterval bounds how long appended bytes may sit without fsync.
	SyncInterval time.Duration
}

// FileStore appends to a single segment file through a buffered writer.
//
// THREAD SAFETY:
//   - Appends and flushes are serialized by mu
//   - Reads take mu only to flush buffered bytes they need, then use
//     pread (os.File.ReadAt), which is safe concurrently
type FileStore struct {
	mu sync.Mutex

	path   string
	file   *os.File
	writer *bufio.Writer

	// size counts buffered bytes too; flushed only what reached the file.
	size    int64
	flushed int64

	syncInterval time.Duration
	lastSync     time.Time
	closed       bool
}

// OpenFileStore opens (or creates) the segment file in dir.
func OpenFileStore(dir string, opts FileStoreOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment dir: %w", err)
	}

	path := filepath.Join(dir, SegmentFileName(0))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	return &FileStore{
		path:         path,
		file:         file,
		writer:       bufio.NewWriterSize(file, WriteBufferSize),
		size:         info.Size(),
		flushed:      info.Size(),
		syncInterval: opts.SyncInterval,
		lastSync:     time.Now(),
	}, nil
}

// Path returns the segment file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	pos := s.size
	if _, err := s.writer.Write(data); err != nil {
		return 0, fmt.Errorf("failed to write segment: %w", err)
	}
	s.size += int64(len(data))

	if s.syncInterval == 0 || time.Since(s.lastSync) >= s.syncInterval {
		if err := s.flushLocked(true); err != nil {
			return 0, err
		}
	}
	return pos, nil
}

func (s *FileStore) Read(position int64, length int) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if position < 0 || length < 0 || position+int64(length) > s.size {
		size := s.size
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: [%d, %d) of %d bytes", ErrShortRead, position, position+int64(length), size)
	}
	if position+int64(length) > s.flushed {
		if err := s.flushLocked(false); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, position)
	if err != nil && !(errors.Is(err, io.EOF) && n == length) {
		return nil, fmt.Errorf("failed to read segment: %w", err)
	}
	return buf, nil
}

func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.flushLocked(true)
}

func (s *FileStore) flushLocked(sync bool) error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment: %w", err)
	}
	s.flushed = s.size
	if sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync segment: %w", err)
		}
		s.lastSync = time.Now()
	}
	return nil
}

func (s *FileStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Truncate drops every byte at or after position.
func (s *FileStore) Truncate(position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if position < 0 || position > s.size {
		return fmt.Errorf("truncate position %d outside [0, %d]", position, s.size)
	}
	if err := s.flushLocked(false); err != nil {
		return err
	}
	if err := s.file.Truncate(position); err != nil {
		return fmt.Errorf("failed to truncate segment: %w", err)
	}
	s.size = position
	s.flushed = position
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.flushLocked(true); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

var (
	_ SegmentStore = (*MemoryStore)(nil)
	_ SegmentStore = (*FileStore)(nil)
	_ Truncater    = (*MemoryStore)(nil)
	_ Truncater    = (*FileStore)(nil)
)
