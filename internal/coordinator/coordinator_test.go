package coordinator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"logq/internal/metrics"
	"logq/pkg/protocol"
)

type fakeTopics map[string]int

func (f fakeTopics) PartitionCount(topic string) (int, error) {
	n, ok := f[topic]
	if !ok {
		return 0, protocol.ErrTopicNotFound
	}
	return n, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New(Config{
		SessionTimeout: 10 * time.Second,
		Topics:         fakeTopics{"orders": 3, "audit": 2},
		Metrics:        metrics.NewRegistry(metrics.DefaultConfig()).GroupRecorder(),
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func join(t *testing.T, c *Coordinator, req protocol.JoinGroupRequest) protocol.JoinGroupResponse {
	t.Helper()
	resp, err := c.JoinGroup(req)
	if err != nil {
		t.Fatalf("JoinGroup(%+v) failed: %v", req, err)
	}
	return resp
}

func partitionsOf(assignment []protocol.TopicPartition) []int32 {
	out := []int32{}
	for _, tp := range assignment {
		out = append(out, tp.Partition)
	}
	return out
}

func TestNew_RequiresTopics(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("New without topics: got %v, want ErrInvalidRequest", err)
	}
}

func TestJoinGroup_FirstMemberGetsEverything(t *testing.T) {
	c, _ := newTestCoordinator(t)

	resp := join(t, c, protocol.JoinGroupRequest{GroupID: "billing", ClientID: "app", Topic: "orders"})

	if resp.Generation != 1 {
		t.Errorf("Generation = %d, want 1", resp.Generation)
	}
	if got := partitionsOf(resp.Assignment); !reflect.DeepEqual(got, []int32{0, 1, 2}) {
		t.Errorf("Assignment = %v, want [0 1 2]", got)
	}
	if len(resp.MemberID) <= len("app-") || resp.MemberID[:4] != "app-" {
		t.Errorf("MemberID = %q, want app-<uuid>", resp.MemberID)
	}

	desc, err := c.DescribeGroup("billing")
	if err != nil {
		t.Fatalf("DescribeGroup failed: %v", err)
	}
	if desc.State != "stable" {
		t.Errorf("State = %s, want stable", desc.State)
	}
}

func TestJoinGroup_Validation(t *testing.T) {
	c, _ := newTestCoordinator(t)

	tests := []struct {
		name string
		req  protocol.JoinGroupRequest
		want error
	}{
		{"missing group", protocol.JoinGroupRequest{Topic: "orders"}, protocol.ErrInvalidRequest},
		{"missing topic", protocol.JoinGroupRequest{GroupID: "g"}, protocol.ErrInvalidRequest},
		{"unknown topic", protocol.JoinGroupRequest{GroupID: "g", Topic: "nope"}, protocol.ErrTopicNotFound},
		{"unknown member", protocol.JoinGroupRequest{GroupID: "g", MemberID: "ghost", Topic: "orders"}, protocol.ErrUnknownMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.JoinGroup(tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

// Two members are Stable at generation 2; a third joins, the others must
// rejoin before the group is Stable again at generation 3.
func TestJoinGroup_RebalanceFromTwoToThree(t *testing.T) {
	c, _ := newTestCoordinator(t)

	a := join(t, c, protocol.JoinGroupRequest{GroupID: "g", ClientID: "a", Topic: "orders"})
	b := join(t, c, protocol.JoinGroupRequest{GroupID: "g", ClientID: "b", Topic: "orders"})
	a = join(t, c, protocol.JoinGroupRequest{GroupID: "g", MemberID: a.MemberID, Topic: "orders"})

	if a.Generation != 2 || b.Generation != 2 {
		t.Fatalf("generations a=%d b=%d, want 2", a.Generation, b.Generation)
	}
	if desc, _ := c.DescribeGroup("g"); desc.State != "stable" {
		t.Fatalf("State = %s, want stable\n%s", desc.State, spew.Sdump(desc))
	}

	third := join(t, c, protocol.JoinGroupRequest{GroupID: "g", ClientID: "c", Topic: "orders"})
	if third.Generation != 3 {
		t.Fatalf("third Generation = %d, want 3", third.Generation)
	}

	// Old members are fenced until they rejoin.
	err := c.Heartbeat(protocol.HeartbeatRequest{GroupID: "g", MemberID: a.MemberID, Generation: 2})
	if !errors.Is(err, protocol.ErrGroupRebalanceInProgress) {
		t.Errorf("heartbeat at old generation: got %v, want ErrGroupRebalanceInProgress", err)
	}
	err = c.CommitOffset(context.Background(), protocol.CommitOffsetRequest{
		GroupID: "g", MemberID: b.MemberID, Topic: "orders", Partition: 1, Offset: 5, Generation: 2,
	})
	if !errors.Is(err, protocol.ErrGroupRebalanceInProgress) {
		t.Errorf("commit at old generation: got %v, want ErrGroupRebalanceInProgress", err)
	}

	a = join(t, c, protocol.JoinGroupRequest{GroupID: "g", MemberID: a.MemberID, Topic: "orders"})
	b = join(t, c, protocol.JoinGroupRequest{GroupID: "g", MemberID: b.MemberID, Topic: "orders"})
	if a.Generation != 3 || b.Generation != 3 {
		t.Fatalf("rejoined generations a=%d b=%d, want 3", a.Generation, b.Generation)
	}

	desc, _ := c.DescribeGroup("g")
	if desc.State != "stable" {
		t.Fatalf("State = %s, want stable\n%s", desc.State, spew.Sdump(desc))
	}

	// Every partition is owned by exactly one member.
	owners := make(map[int32]string)
	for _, m := range desc.Members {
		if len(m.Assignment) != 1 {
			t.Errorf("member %s owns %d partitions, want 1", m.MemberID, len(m.Assignment))
		}
		for _, tp := range m.Assignment {
			if prev, dup := owners[tp.Partition]; dup {
				t.Errorf("partition %d owned by %s and %s", tp.Partition, prev, m.MemberID)
			}
			owners[tp.Partition] = m.MemberID
		}
	}
	if len(owners) != 3 {
		t.Errorf("assigned %d partitions, want 3\n%s", len(owners), spew.Sdump(desc))
	}
}

func TestJoinGroup_RejoinKeepsGeneration(t *testing.T) {
	c, _ := newTestCoordinator(t)

	first := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})
	again := join(t, c, protocol.JoinGroupRequest{GroupID: "g", MemberID: first.MemberID, Topic: "orders"})

	if again.Generation != first.Generation {
		t.Errorf("rejoin Generation = %d, want %d", again.Generation, first.Generation)
	}
	if !reflect.DeepEqual(again.Assignment, first.Assignment) {
		t.Errorf("rejoin Assignment = %v, want %v", again.Assignment, first.Assignment)
	}
}

func TestJoinGroup_SubscriptionChangeRebalances(t *testing.T) {
	c, _ := newTestCoordinator(t)

	first := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})
	moved := join(t, c, protocol.JoinGroupRequest{GroupID: "g", MemberID: first.MemberID, Topic: "audit"})

	if moved.Generation != first.Generation+1 {
		t.Errorf("Generation = %d, want %d", moved.Generation, first.Generation+1)
	}
	want := []protocol.TopicPartition{{Topic: "audit", Partition: 0}, {Topic: "audit", Partition: 1}}
	if !reflect.DeepEqual(moved.Assignment, want) {
		t.Errorf("Assignment = %v, want %v", moved.Assignment, want)
	}
}

func TestCheckGeneration(t *testing.T) {
	c, _ := newTestCoordinator(t)

	a := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})
	b := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})
	// a is unsynced at generation 2; b is synced.

	tests := []struct {
		name       string
		group      string
		member     string
		generation int32
		want       error
	}{
		{"current generation", "g", b.MemberID, 2, nil},
		{"old generation while rebalancing", "g", a.MemberID, 1, protocol.ErrGroupRebalanceInProgress},
		{"future generation", "g", b.MemberID, 7, protocol.ErrStaleGeneration},
		{"unknown member", "g", "ghost", 2, protocol.ErrUnknownMember},
		{"unknown group", "other", a.MemberID, 1, protocol.ErrUnknownMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.CheckGeneration(tt.group, tt.member, tt.generation)
			if tt.want == nil {
				if err != nil {
					t.Errorf("got %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	// Once everyone rejoined, an old generation is stale rather than
	// rebalancing.
	join(t, c, protocol.JoinGroupRequest{GroupID: "g", MemberID: a.MemberID, Topic: "orders"})
	if err := c.CheckGeneration("g", a.MemberID, 1); !errors.Is(err, protocol.ErrStaleGeneration) {
		t.Errorf("old generation in stable group: got %v, want ErrStaleGeneration", err)
	}
}

func TestLeaveGroup(t *testing.T) {
	c, _ := newTestCoordinator(t)

	a := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})
	b := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})

	if err := c.LeaveGroup(protocol.LeaveGroupRequest{GroupID: "g", MemberID: a.MemberID}); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}
	desc, _ := c.DescribeGroup("g")
	if desc.Generation != 3 || len(desc.Members) != 1 {
		t.Fatalf("after leave: %s", spew.Sdump(desc))
	}

	b = join(t, c, protocol.JoinGroupRequest{GroupID: "g", MemberID: b.MemberID, Topic: "orders"})
	if got := partitionsOf(b.Assignment); !reflect.DeepEqual(got, []int32{0, 1, 2}) {
		t.Errorf("remaining member Assignment = %v, want [0 1 2]", got)
	}

	if err := c.LeaveGroup(protocol.LeaveGroupRequest{GroupID: "g", MemberID: a.MemberID}); !errors.Is(err, protocol.ErrUnknownMember) {
		t.Errorf("second leave: got %v, want ErrUnknownMember", err)
	}

	if err := c.LeaveGroup(protocol.LeaveGroupRequest{GroupID: "g", MemberID: b.MemberID}); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}
	if desc, _ := c.DescribeGroup("g"); desc.State != "empty" {
		t.Errorf("State = %s, want empty", desc.State)
	}
}

func TestExpireSessions(t *testing.T) {
	c, clock := newTestCoordinator(t)

	a := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})
	b := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})

	clock.Advance(6 * time.Second)
	// Heartbeat refreshes the deadline even though a must rejoin.
	if err := c.Heartbeat(protocol.HeartbeatRequest{GroupID: "g", MemberID: a.MemberID, Generation: a.Generation}); !errors.Is(err, protocol.ErrGroupRebalanceInProgress) {
		t.Fatalf("Heartbeat: got %v, want ErrGroupRebalanceInProgress", err)
	}

	clock.Advance(6 * time.Second)
	if removed := c.ExpireSessions(clock.Now()); removed != 1 {
		t.Fatalf("ExpireSessions removed %d, want 1", removed)
	}

	desc, _ := c.DescribeGroup("g")
	if len(desc.Members) != 1 || desc.Members[0].MemberID != a.MemberID {
		t.Fatalf("expected only %s to survive:\n%s", a.MemberID, spew.Sdump(desc))
	}
	if err := c.Heartbeat(protocol.HeartbeatRequest{GroupID: "g", MemberID: b.MemberID, Generation: b.Generation}); !errors.Is(err, protocol.ErrUnknownMember) {
		t.Errorf("expired member heartbeat: got %v, want ErrUnknownMember", err)
	}
}

func TestCommitAndFetchOffset(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	m := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})

	resp, err := c.FetchOffset(ctx, protocol.FetchOffsetRequest{GroupID: "g", Topic: "orders", Partition: 0})
	if err != nil {
		t.Fatalf("FetchOffset failed: %v", err)
	}
	if resp.Found || resp.Offset != -1 {
		t.Errorf("before commit: %+v, want not found at -1", resp)
	}

	for _, offset := range []int64{4, 9} {
		err := c.CommitOffset(ctx, protocol.CommitOffsetRequest{
			GroupID: "g", MemberID: m.MemberID, Topic: "orders", Partition: 0, Offset: offset, Generation: m.Generation,
		})
		if err != nil {
			t.Fatalf("CommitOffset(%d) failed: %v", offset, err)
		}
	}

	resp, _ = c.FetchOffset(ctx, protocol.FetchOffsetRequest{GroupID: "g", Topic: "orders", Partition: 0})
	if !resp.Found || resp.Offset != 9 {
		t.Errorf("after commits: %+v, want 9", resp)
	}
}

func TestCommitOffset_Rejections(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	m := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})

	tests := []struct {
		name string
		req  protocol.CommitOffsetRequest
		want error
	}{
		{"negative offset", protocol.CommitOffsetRequest{GroupID: "g", MemberID: m.MemberID, Topic: "orders", Offset: -1, Generation: 1}, protocol.ErrInvalidRequest},
		{"unknown topic", protocol.CommitOffsetRequest{GroupID: "g", MemberID: m.MemberID, Topic: "nope", Generation: 1}, protocol.ErrTopicNotFound},
		{"partition out of range", protocol.CommitOffsetRequest{GroupID: "g", MemberID: m.MemberID, Topic: "orders", Partition: 3, Generation: 1}, protocol.ErrPartitionNotFound},
		{"stale generation", protocol.CommitOffsetRequest{GroupID: "g", MemberID: m.MemberID, Topic: "orders", Generation: 5}, protocol.ErrStaleGeneration},
		{"admin commit on active group", protocol.CommitOffsetRequest{GroupID: "g", Topic: "orders"}, protocol.ErrUnknownMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.CommitOffset(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCommitOffset_AdminOnEmptyGroup(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	err := c.CommitOffset(ctx, protocol.CommitOffsetRequest{GroupID: "fresh", Topic: "orders", Partition: 2, Offset: 41})
	if err != nil {
		t.Fatalf("admin commit failed: %v", err)
	}
	resp, _ := c.FetchOffset(ctx, protocol.FetchOffsetRequest{GroupID: "fresh", Topic: "orders", Partition: 2})
	if resp.Offset != 41 {
		t.Errorf("Offset = %d, want 41", resp.Offset)
	}
}

func TestDeleteGroup(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	m := join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})
	c.CommitOffset(ctx, protocol.CommitOffsetRequest{GroupID: "g", MemberID: m.MemberID, Topic: "orders", Offset: 3, Generation: m.Generation})

	if err := c.DeleteGroup(ctx, "g"); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Fatalf("delete active group: got %v, want ErrInvalidRequest", err)
	}

	c.LeaveGroup(protocol.LeaveGroupRequest{GroupID: "g", MemberID: m.MemberID})
	if err := c.DeleteGroup(ctx, "g"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if _, err := c.DescribeGroup("g"); !errors.Is(err, protocol.ErrGroupNotFound) {
		t.Errorf("DescribeGroup after delete: got %v, want ErrGroupNotFound", err)
	}
	if resp, _ := c.FetchOffset(ctx, protocol.FetchOffsetRequest{GroupID: "g", Topic: "orders"}); resp.Found {
		t.Errorf("offsets survived DeleteGroup: %+v", resp)
	}
	if got := c.ListGroups(); len(got) != 0 {
		t.Errorf("ListGroups = %v, want empty", got)
	}
}

func TestValidateGroupID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"billing", true},
		{"billing.v2", true},
		{"..x", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../x", false},
		{"a/b", false},
		{`a\b`, false},
		{"tab\tgroup", false},
		{strings.Repeat("g", maxGroupIDLength+1), false},
	}
	for _, tt := range tests {
		err := ValidateGroupID(tt.id)
		if tt.valid && err != nil {
			t.Errorf("ValidateGroupID(%q) = %v, want nil", tt.id, err)
		}
		if !tt.valid && !errors.Is(err, protocol.ErrInvalidRequest) {
			t.Errorf("ValidateGroupID(%q) = %v, want ErrInvalidRequest", tt.id, err)
		}
	}
}

func TestGroupIDsAreCheckedOnEveryWritePath(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.JoinGroup(protocol.JoinGroupRequest{GroupID: "../x", Topic: "orders"}); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("JoinGroup: got %v, want ErrInvalidRequest", err)
	}
	if err := c.CommitOffset(ctx, protocol.CommitOffsetRequest{GroupID: "../x", Topic: "orders"}); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("CommitOffset: got %v, want ErrInvalidRequest", err)
	}
	if err := c.DeleteGroup(ctx, ".."); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("DeleteGroup: got %v, want ErrInvalidRequest", err)
	}
	if got := c.ListGroups(); len(got) != 0 {
		t.Errorf("rejected IDs created groups: %v", got)
	}
}

func TestSessionMonitor_ExpiresInBackground(t *testing.T) {
	c, err := New(Config{
		SessionTimeout: 50 * time.Millisecond,
		CheckInterval:  10 * time.Millisecond,
		Topics:         fakeTopics{"orders": 1},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	c.Start()

	join(t, c, protocol.JoinGroupRequest{GroupID: "g", Topic: "orders"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if desc, _ := c.DescribeGroup("g"); len(desc.Members) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("member was not expired by the session monitor")
}
