package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"logq/pkg/protocol"
)

// offsetBackends returns every store that can run without external
// services, plus Postgres when LOGQ_TEST_POSTGRES_DSN is set.
func offsetBackends(t *testing.T) map[string]func() OffsetStore {
	t.Helper()
	backends := map[string]func() OffsetStore{
		"memory": func() OffsetStore { return NewMemoryOffsetStore() },
		"file": func() OffsetStore {
			s, err := OpenFileOffsetStore(t.TempDir())
			if err != nil {
				t.Fatalf("OpenFileOffsetStore failed: %v", err)
			}
			return s
		},
	}
	if dsn := os.Getenv("LOGQ_TEST_POSTGRES_DSN"); dsn != "" {
		backends["postgres"] = func() OffsetStore {
			s, err := OpenPostgresOffsetStore(context.Background(), dsn)
			if err != nil {
				t.Fatalf("OpenPostgresOffsetStore failed: %v", err)
			}
			return s
		}
	}
	return backends
}

func TestOffsetStore_LastWriteWins(t *testing.T) {
	for name, open := range offsetBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open()
			defer store.Close()
			group := "lww-" + name
			defer store.DeleteGroup(ctx, group)

			for _, offset := range []int64{10, 3, 7} {
				err := store.Commit(ctx, CommittedOffset{GroupID: group, Topic: "orders", Partition: 1, Offset: offset, CommittedAt: time.Now()})
				if err != nil {
					t.Fatalf("Commit(%d) failed: %v", offset, err)
				}
			}

			got, found, err := store.Fetch(ctx, group, "orders", 1)
			if err != nil || !found {
				t.Fatalf("Fetch: found=%v err=%v", found, err)
			}
			if got.Offset != 7 {
				t.Errorf("Offset = %d, want 7", got.Offset)
			}

			if _, found, _ := store.Fetch(ctx, group, "orders", 0); found {
				t.Error("uncommitted partition reported as found")
			}
		})
	}
}

func TestOffsetStore_GroupOffsetsAndDelete(t *testing.T) {
	for name, open := range offsetBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open()
			defer store.Close()
			group := "list-" + name

			commits := []CommittedOffset{
				{GroupID: group, Topic: "orders", Partition: 2, Offset: 5},
				{GroupID: group, Topic: "audit", Partition: 0, Offset: 1},
				{GroupID: group, Topic: "orders", Partition: 0, Offset: 9},
			}
			for _, c := range commits {
				c.CommittedAt = time.Now()
				if err := store.Commit(ctx, c); err != nil {
					t.Fatalf("Commit failed: %v", err)
				}
			}

			offsets, err := store.GroupOffsets(ctx, group)
			if err != nil {
				t.Fatalf("GroupOffsets failed: %v", err)
			}
			var order []string
			for _, o := range offsets {
				order = append(order, o.Topic+"-"+string(rune('0'+o.Partition)))
			}
			want := []string{"audit-0", "orders-0", "orders-2"}
			if len(order) != len(want) {
				t.Fatalf("GroupOffsets = %v, want %v", order, want)
			}
			for i := range want {
				if order[i] != want[i] {
					t.Errorf("GroupOffsets[%d] = %s, want %s", i, order[i], want[i])
				}
			}

			if err := store.DeleteGroup(ctx, group); err != nil {
				t.Fatalf("DeleteGroup failed: %v", err)
			}
			offsets, _ = store.GroupOffsets(ctx, group)
			if len(offsets) != 0 {
				t.Errorf("offsets survived delete: %v", offsets)
			}
		})
	}
}

func TestFileOffsetStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenFileOffsetStore(dir)
	if err != nil {
		t.Fatalf("OpenFileOffsetStore failed: %v", err)
	}
	store.Commit(ctx, CommittedOffset{GroupID: "billing", Topic: "orders", Partition: 0, Offset: 42, Generation: 3})
	store.Close()

	if _, err := os.Stat(filepath.Join(dir, "billing", "offsets.json")); err != nil {
		t.Fatalf("offsets file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "billing", "offsets.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	reopened, err := OpenFileOffsetStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, found, _ := reopened.Fetch(ctx, "billing", "orders", 0)
	if !found || got.Offset != 42 || got.Generation != 3 {
		t.Errorf("after reopen: %+v found=%v", got, found)
	}
}

func TestFileOffsetStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "broken"), 0755)
	os.WriteFile(filepath.Join(dir, "broken", "offsets.json"), []byte("{not json"), 0644)

	if _, err := OpenFileOffsetStore(dir); err == nil {
		t.Error("expected an error for a corrupt offsets file")
	}
}

func TestFileOffsetStore_GroupIDsStayInsideDir(t *testing.T) {
	ctx := context.Background()
	data := t.TempDir()
	segment := filepath.Join(data, "logs", "broker-1", "orders-0", "segment.log")
	os.MkdirAll(filepath.Dir(segment), 0755)
	os.WriteFile(segment, []byte("records"), 0644)

	store, err := OpenFileOffsetStore(filepath.Join(data, "offsets"))
	if err != nil {
		t.Fatalf("OpenFileOffsetStore failed: %v", err)
	}

	for _, group := range []string{"..", ".", "../x", "a/../../b"} {
		if err := store.Commit(ctx, CommittedOffset{GroupID: group, Topic: "orders", Offset: 7}); err != nil {
			t.Fatalf("Commit(%q) failed: %v", group, err)
		}
		if err := store.DeleteGroup(ctx, group); err != nil {
			t.Fatalf("DeleteGroup(%q) failed: %v", group, err)
		}
	}
	if _, err := os.Stat(segment); err != nil {
		t.Fatalf("broker log outside the store was touched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(data, "x")); !os.IsNotExist(err) {
		t.Errorf("offsets written outside the store directory: %v", err)
	}

	// Escaped names round-trip through a reopen.
	store.Commit(ctx, CommittedOffset{GroupID: "eu/billing", Topic: "orders", Offset: 9})
	entries, _ := os.ReadDir(filepath.Join(data, "offsets"))
	if len(entries) != 1 || entries[0].Name() != "eu%2Fbilling" {
		t.Fatalf("store directory = %v, want one eu%%2Fbilling entry", entries)
	}
	reopened, err := OpenFileOffsetStore(filepath.Join(data, "offsets"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got, found, _ := reopened.Fetch(ctx, "eu/billing", "orders", 0); !found || got.Offset != 9 {
		t.Errorf("after reopen: %+v found=%v", got, found)
	}

	if err := store.Commit(ctx, CommittedOffset{Topic: "orders"}); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("empty group id: got %v, want ErrInvalidRequest", err)
	}
}
