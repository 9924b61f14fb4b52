// =============================================================================
// OFFSET STORES - WHERE COMMITTED OFFSETS LIVE
// =============================================================================
//
// A committed offset is keyed by (group, topic, partition) and holds the
// LAST PROCESSED offset. A consumer resumes at committed + 1:
//
//   records   0   1   2   3   4   5
//                         ▲
//                 commit(3): "done with 3"  ──►  next poll starts at 4
//
// Each commit overwrites the previous one for its key (last write wins).
//
// IMPLEMENTATIONS:
//   MemoryOffsetStore    map in memory; tests and throwaway clusters
//   FileOffsetStore      one JSON file per group, atomic rename on write
//   PostgresOffsetStore  one row per key, upsert on commit
//
// =============================================================================

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"logq/pkg/protocol"
)

// CommittedOffset is the progress of one group on one partition.
type CommittedOffset struct {
	GroupID     string    `json:"group_id"`
	Topic       string    `json:"topic"`
	Partition   int32     `json:"partition"`
	Offset      int64     `json:"offset"`
	Generation  int32     `json:"generation"`
	CommittedAt time.Time `json:"committed_at"`
}

// OffsetStore persists committed offsets.
type OffsetStore interface {
	Commit(ctx context.Context, offset CommittedOffset) error

	// Fetch returns found=false when the key was never committed.
	Fetch(ctx context.Context, groupID, topic string, partition int32) (CommittedOffset, bool, error)

	// GroupOffsets lists a group's offsets sorted by topic and partition.
	GroupOffsets(ctx context.Context, groupID string) ([]CommittedOffset, error)

	DeleteGroup(ctx context.Context, groupID string) error

	Close() error
}

type offsetKey struct {
	topic     string
	partition int32
}

func sortOffsets(offsets []CommittedOffset) {
	sort.Slice(offsets, func(i, j int) bool {
		if offsets[i].Topic != offsets[j].Topic {
			return offsets[i].Topic < offsets[j].Topic
		}
		return offsets[i].Partition < offsets[j].Partition
	})
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryOffsetStore keeps offsets in a map.
type MemoryOffsetStore struct {
	mu     sync.RWMutex
	groups map[string]map[offsetKey]CommittedOffset
}

// NewMemoryOffsetStore creates an empty store.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{groups: make(map[string]map[offsetKey]CommittedOffset)}
}

func (s *MemoryOffsetStore) Commit(_ context.Context, offset CommittedOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[offset.GroupID]
	if !ok {
		group = make(map[offsetKey]CommittedOffset)
		s.groups[offset.GroupID] = group
	}
	group[offsetKey{offset.Topic, offset.Partition}] = offset
	return nil
}

func (s *MemoryOffsetStore) Fetch(_ context.Context, groupID, topic string, partition int32) (CommittedOffset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset, ok := s.groups[groupID][offsetKey{topic, partition}]
	return offset, ok, nil
}

func (s *MemoryOffsetStore) GroupOffsets(_ context.Context, groupID string) ([]CommittedOffset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CommittedOffset, 0, len(s.groups[groupID]))
	for _, offset := range s.groups[groupID] {
		out = append(out, offset)
	}
	sortOffsets(out)
	return out, nil
}

func (s *MemoryOffsetStore) DeleteGroup(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	return nil
}

func (s *MemoryOffsetStore) Close() error { return nil }

// =============================================================================
// FILE
// =============================================================================
//
// Layout:
//
//   <dir>/
//   ├── billing/offsets.json
//   ├── audit/offsets.json
//   └── eu%2Fbilling/offsets.json     group IDs are path-escaped
//
// A commit rewrites the group's file through a temp file and a rename, so a
// crash leaves either the old or the new file, never half of one.
//
// =============================================================================

// FileOffsetStore persists each group's offsets as a JSON document.
type FileOffsetStore struct {
	dir string
	mem *MemoryOffsetStore

	// writeMu serializes file rewrites.
	writeMu sync.Mutex
}

type groupOffsetsFile struct {
	GroupID string            `json:"group_id"`
	Offsets []CommittedOffset `json:"offsets"`
}

// OpenFileOffsetStore loads every group file under dir.
func OpenFileOffsetStore(dir string) (*FileOffsetStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create offsets directory: %w", err)
	}
	s := &FileOffsetStore{dir: dir, mem: NewMemoryOffsetStore()}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name(), "offsets.json"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read offsets of %s: %w", entry.Name(), err)
		}
		var file groupOffsetsFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse offsets of %s: %w", entry.Name(), err)
		}
		for _, offset := range file.Offsets {
			s.mem.Commit(context.Background(), offset)
		}
	}
	return s, nil
}

func (s *FileOffsetStore) Commit(ctx context.Context, offset CommittedOffset) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.groupDir(offset.GroupID); err != nil {
		return err
	}
	s.mem.Commit(ctx, offset)
	return s.persist(ctx, offset.GroupID)
}

func (s *FileOffsetStore) persist(ctx context.Context, groupID string) error {
	offsets, _ := s.mem.GroupOffsets(ctx, groupID)
	data, err := json.MarshalIndent(groupOffsetsFile{GroupID: groupID, Offsets: offsets}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal offsets: %w", err)
	}

	groupDir, err := s.groupDir(groupID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(groupDir, 0755); err != nil {
		return fmt.Errorf("failed to create group directory: %w", err)
	}
	path := filepath.Join(groupDir, "offsets.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename offset file: %w", err)
	}
	return nil
}

func (s *FileOffsetStore) Fetch(ctx context.Context, groupID, topic string, partition int32) (CommittedOffset, bool, error) {
	return s.mem.Fetch(ctx, groupID, topic, partition)
}

func (s *FileOffsetStore) GroupOffsets(ctx context.Context, groupID string) ([]CommittedOffset, error) {
	return s.mem.GroupOffsets(ctx, groupID)
}

func (s *FileOffsetStore) DeleteGroup(ctx context.Context, groupID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	groupDir, err := s.groupDir(groupID)
	if err != nil {
		return err
	}
	s.mem.DeleteGroup(ctx, groupID)
	if err := os.RemoveAll(groupDir); err != nil {
		return fmt.Errorf("failed to delete offsets of %s: %w", groupID, err)
	}
	return nil
}

func (s *FileOffsetStore) Close() error { return nil }

// groupDir maps a group ID to a directory that is always a direct child of
// the store directory, whatever the ID contains.
func (s *FileOffsetStore) groupDir(groupID string) (string, error) {
	if groupID == "" {
		return "", fmt.Errorf("%w: group id is required", protocol.ErrInvalidRequest)
	}
	name := url.PathEscape(groupID)
	if strings.Trim(name, ".") == "" {
		name = strings.ReplaceAll(name, ".", "%2E")
	}
	return filepath.Join(s.dir, name), nil
}
