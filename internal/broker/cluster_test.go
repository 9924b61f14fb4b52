package broker

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"logq/internal/cluster"
	"logq/internal/metrics"
	"logq/pkg/protocol"
)

func newTestCluster(t *testing.T, brokers int, start bool) *Cluster {
	t.Helper()
	config := ClusterConfig{
		Replication: ReplicationConfig{
			AckTimeout:          2 * time.Second,
			FetchInterval:       5 * time.Millisecond,
			MaintenanceInterval: time.Hour,
		},
		Metrics: metrics.NewRegistry(metrics.DefaultConfig()),
		Logger:  quietLogger(),
	}
	for i := 1; i <= brokers; i++ {
		config.Brokers = append(config.Brokers, BrokerConfig{ID: cluster.BrokerID(i)})
	}
	c, err := NewCluster(config)
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}
	if start {
		c.Start()
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustCreateTopic(t *testing.T, c *Cluster, config cluster.TopicConfig) protocol.MetadataResponse {
	t.Helper()
	meta, err := c.CreateTopic(config)
	if err != nil {
		t.Fatalf("CreateTopic(%s) failed: %v", config.Name, err)
	}
	return meta
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewCluster_Validation(t *testing.T) {
	tests := []struct {
		name    string
		brokers []BrokerConfig
	}{
		{"no brokers", nil},
		{"zero id", []BrokerConfig{{ID: 0}}},
		{"duplicate id", []BrokerConfig{{ID: 1}, {ID: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCluster(ClusterConfig{Brokers: tt.brokers, Logger: quietLogger()})
			if !errors.Is(err, protocol.ErrInvalidRequest) {
				t.Errorf("got %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestCluster_CreateTopic(t *testing.T) {
	c := newTestCluster(t, 3, false)

	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "orders", NumPartitions: 3, ReplicationFactor: 2})
	if meta.NumPartitions != 3 || len(meta.Partitions) != 3 {
		t.Fatalf("metadata = %s", spew.Sdump(meta))
	}
	for _, p := range meta.Partitions {
		if len(p.Replicas) != 2 || p.Leader != p.Replicas[0] {
			t.Errorf("partition %d: %s", p.Partition, spew.Sdump(p))
		}
		for _, id := range p.Replicas {
			node, _ := c.Node(cluster.BrokerID(id))
			role, err := node.Role(protocol.TopicPartition{Topic: "orders", Partition: p.Partition})
			if err != nil {
				t.Fatalf("broker %d does not host partition %d: %v", id, p.Partition, err)
			}
			if (id == p.Leader) != (role == cluster.RoleLeader) {
				t.Errorf("broker %d partition %d role = %s", id, p.Partition, role)
			}
		}
	}

	if _, err := c.CreateTopic(cluster.TopicConfig{Name: "orders", NumPartitions: 1, ReplicationFactor: 1}); !errors.Is(err, protocol.ErrTopicExists) {
		t.Errorf("duplicate topic: got %v, want ErrTopicExists", err)
	}
	if _, err := c.CreateTopic(cluster.TopicConfig{Name: "typed", NumPartitions: 1, ReplicationFactor: 1, ValueSchema: "{"}); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("bad schema: got %v, want ErrInvalidRequest", err)
	}
	if _, err := c.Metadata(context.Background(), protocol.MetadataRequest{Topic: "typed"}); !errors.Is(err, protocol.ErrTopicNotFound) {
		t.Errorf("topic with bad schema was registered: %v", err)
	}
}

// Keys A,B,A,C,B on a three-partition topic: equal keys share a partition
// and each partition's offsets follow send order.
func TestCluster_OrdersScenario(t *testing.T) {
	c := newTestCluster(t, 3, true)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "orders", NumPartitions: 3, ReplicationFactor: 3})
	ctx := context.Background()

	keys := []string{"A", "B", "A", "C", "B"}
	partitionOf := make(map[string]int32)
	lastOffset := make(map[int32]int64)
	for i, key := range keys {
		resp, err := c.Produce(ctx, protocol.ProduceRequest{
			Topic:     "orders",
			Partition: protocol.NoPartition,
			Record:    protocol.Record{Key: []byte(key), Value: []byte{byte('0' + i)}},
			Acks:      protocol.AckAll,
		})
		if err != nil {
			t.Fatalf("produce %s failed: %v", key, err)
		}
		if p, seen := partitionOf[key]; seen && p != resp.Partition {
			t.Errorf("key %s routed to %d and %d", key, p, resp.Partition)
		}
		partitionOf[key] = resp.Partition
		if last, ok := lastOffset[resp.Partition]; ok && resp.Offset <= last {
			t.Errorf("partition %d offsets not increasing: %d after %d", resp.Partition, resp.Offset, last)
		}
		lastOffset[resp.Partition] = resp.Offset
	}

	for _, key := range []string{"A", "B"} {
		fetched, err := c.Fetch(ctx, protocol.FetchRequest{Topic: "orders", Partition: partitionOf[key], MaxRecords: 10})
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		var values []byte
		for _, rec := range fetched.Records {
			if string(rec.Key) == key {
				values = append(values, rec.Value[0])
			}
		}
		want := map[string]string{"A": "02", "B": "14"}[key]
		if string(values) != want {
			t.Errorf("key %s values = %q, want %q", key, values, want)
		}
	}
}

func TestCluster_AckAllVisibleOnEveryISRMember(t *testing.T) {
	c := newTestCluster(t, 3, true)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 3})
	ctx := context.Background()

	resp, err := c.Produce(ctx, protocol.ProduceRequest{
		Topic:  "events",
		Record: protocol.Record{Value: []byte("durable")},
		Acks:   protocol.AckAll,
	})
	if err != nil {
		t.Fatalf("AckAll produce failed: %v", err)
	}

	meta, _ := c.Metadata(ctx, protocol.MetadataRequest{Topic: "events"})
	isr := meta.Partitions[0].ISR
	if len(isr) != 3 {
		t.Fatalf("ISR = %v, want all three brokers", isr)
	}
	for _, id := range isr {
		fetched, err := c.Fetch(ctx, protocol.FetchRequest{Broker: id, Topic: "events", FromOffset: resp.Offset, MaxRecords: 1})
		if err != nil {
			t.Fatalf("fetch from broker %d failed: %v", id, err)
		}
		if len(fetched.Records) != 1 || string(fetched.Records[0].Value) != "durable" {
			t.Errorf("broker %d does not hold offset %d: %s", id, resp.Offset, spew.Sdump(fetched))
		}
	}
}

func TestCluster_AckAllTimesOutWithoutReplication(t *testing.T) {
	c := newTestCluster(t, 2, false)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 2})

	start := time.Now()
	_, err := c.Produce(context.Background(), protocol.ProduceRequest{
		Topic:     "events",
		Record:    protocol.Record{Value: []byte("x")},
		Acks:      protocol.AckAll,
		TimeoutMs: 50,
	})
	if !errors.Is(err, protocol.ErrDeliveryTimeout) {
		t.Fatalf("got %v, want ErrDeliveryTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %s, before the timeout", elapsed)
	}
}

func TestCluster_AckAllFailsFastOnDeadISRMember(t *testing.T) {
	c := newTestCluster(t, 2, true)
	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 2})
	ctx := context.Background()
	leader := cluster.BrokerID(meta.Partitions[0].Leader)
	follower := cluster.BrokerID(meta.Partitions[0].Replicas[1])

	req := protocol.ProduceRequest{Topic: "events", Record: protocol.Record{Value: []byte("x")}, Acks: protocol.AckAll}
	if _, err := c.Produce(ctx, req); err != nil {
		t.Fatalf("AckAll with healthy ISR failed: %v", err)
	}

	if err := c.SetBrokerAlive(follower, false); err != nil {
		t.Fatalf("SetBrokerAlive failed: %v", err)
	}

	start := time.Now()
	if _, err := c.Produce(ctx, req); !errors.Is(err, protocol.ErrInsufficientReplicas) {
		t.Fatalf("got %v, want ErrInsufficientReplicas", err)
	}
	if time.Since(start) > time.Second {
		t.Error("dead ISR member should fail fast, not wait for the ack timeout")
	}

	// acks=leader is unaffected.
	req.Acks = protocol.AckLeader
	if _, err := c.Produce(ctx, req); err != nil {
		t.Errorf("AckLeader failed: %v", err)
	}

	// Once the ISR shrinks the leader alone satisfies acks=all.
	node, _ := c.Node(leader)
	if removed := node.ShrinkISRs(time.Now().Add(time.Minute)); removed != 1 {
		t.Fatalf("ShrinkISRs removed %d, want 1", removed)
	}
	req.Acks = protocol.AckAll
	if _, err := c.Produce(ctx, req); err != nil {
		t.Errorf("AckAll after ISR shrink failed: %v", err)
	}
}

func TestCluster_MinInSyncReplicas(t *testing.T) {
	c := newTestCluster(t, 2, true)
	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "strict", NumPartitions: 1, ReplicationFactor: 2, MinInSyncReplicas: 2})
	leader := cluster.BrokerID(meta.Partitions[0].Leader)
	follower := cluster.BrokerID(meta.Partitions[0].Replicas[1])

	c.SetBrokerAlive(follower, false)
	node, _ := c.Node(leader)
	node.ShrinkISRs(time.Now().Add(time.Minute))

	_, err := c.Produce(context.Background(), protocol.ProduceRequest{
		Topic: "strict", Record: protocol.Record{Value: []byte("x")}, Acks: protocol.AckAll,
	})
	if !errors.Is(err, protocol.ErrInsufficientReplicas) {
		t.Errorf("got %v, want ErrInsufficientReplicas", err)
	}
}

func TestCluster_Addressing(t *testing.T) {
	c := newTestCluster(t, 2, false)
	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 2})
	follower := meta.Partitions[0].Replicas[1]
	ctx := context.Background()

	tests := []struct {
		name string
		req  protocol.ProduceRequest
		want error
	}{
		{"follower", protocol.ProduceRequest{Broker: follower, Topic: "events", Acks: protocol.AckLeader}, protocol.ErrNotLeaderForPartition},
		{"unknown broker", protocol.ProduceRequest{Broker: 99, Topic: "events", Acks: protocol.AckLeader}, protocol.ErrBrokerNotFound},
		{"unknown topic", protocol.ProduceRequest{Topic: "nope", Acks: protocol.AckLeader}, protocol.ErrTopicNotFound},
		{"partition out of range", protocol.ProduceRequest{Topic: "events", Partition: 4, Acks: protocol.AckLeader}, protocol.ErrPartitionNotFound},
		{"bad ack level", protocol.ProduceRequest{Topic: "events", Acks: 7}, protocol.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Record = protocol.Record{Value: []byte("x")}
			if _, err := c.Produce(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCluster_FailoverKeepsAcknowledgedRecords(t *testing.T) {
	c := newTestCluster(t, 3, true)
	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 3})
	ctx := context.Background()
	oldLeader := meta.Partitions[0].Leader

	for i := 0; i < 3; i++ {
		_, err := c.Produce(ctx, protocol.ProduceRequest{Topic: "events", Record: protocol.Record{Value: []byte{byte('a' + i)}}, Acks: protocol.AckAll})
		if err != nil {
			t.Fatalf("produce %d failed: %v", i, err)
		}
	}

	if err := c.SetBrokerAlive(cluster.BrokerID(oldLeader), false); err != nil {
		t.Fatalf("SetBrokerAlive failed: %v", err)
	}

	meta, _ = c.Metadata(ctx, protocol.MetadataRequest{Topic: "events"})
	newLeader := meta.Partitions[0].Leader
	if newLeader == oldLeader || newLeader == int32(cluster.NoBroker) {
		t.Fatalf("leader after failover = %d: %s", newLeader, spew.Sdump(meta))
	}

	fetched, err := c.Fetch(ctx, protocol.FetchRequest{Topic: "events", MaxRecords: 10})
	if err != nil {
		t.Fatalf("fetch from new leader failed: %v", err)
	}
	if len(fetched.Records) != 3 {
		t.Fatalf("new leader holds %d records, want 3", len(fetched.Records))
	}

	resp, err := c.Produce(ctx, protocol.ProduceRequest{Topic: "events", Record: protocol.Record{Value: []byte("d")}, Acks: protocol.AckAll})
	if err != nil {
		t.Fatalf("produce after failover failed: %v", err)
	}
	if resp.Offset != 3 {
		t.Errorf("offset after failover = %d, want 3", resp.Offset)
	}

	if _, err := c.Fetch(ctx, protocol.FetchRequest{Broker: oldLeader, Topic: "events"}); !errors.Is(err, protocol.ErrBrokerNotFound) {
		t.Errorf("fetch from dead broker: got %v, want ErrBrokerNotFound", err)
	}
}

func TestCluster_DemotedLeaderTruncatesToHighWatermark(t *testing.T) {
	// Not started: nothing replicates, so the leader's HW stays at 0.
	c := newTestCluster(t, 2, false)
	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 2})
	ctx := context.Background()
	leader := cluster.BrokerID(meta.Partitions[0].Leader)
	follower := cluster.BrokerID(meta.Partitions[0].Replicas[1])
	tp := protocol.TopicPartition{Topic: "events"}

	for i := 0; i < 3; i++ {
		c.Produce(ctx, protocol.ProduceRequest{Topic: "events", Record: protocol.Record{Value: []byte("x")}, Acks: protocol.AckLeader})
	}
	leaderNode, _ := c.Node(leader)
	if end, _ := leaderNode.LogEndOffset(tp); end != 3 {
		t.Fatalf("leader log end = %d, want 3", end)
	}

	if err := c.Directory().SetLeader("events", 0, follower); err != nil {
		t.Fatalf("SetLeader failed: %v", err)
	}

	if role, _ := leaderNode.Role(tp); role != cluster.RoleReplica {
		t.Errorf("old leader role = %s, want replica", role)
	}
	if end, _ := leaderNode.LogEndOffset(tp); end != 0 {
		t.Errorf("old leader log end = %d, want 0 (unreplicated records dropped)", end)
	}
	followerNode, _ := c.Node(follower)
	if role, _ := followerNode.Role(tp); role != cluster.RoleLeader {
		t.Errorf("new leader role = %s, want leader", role)
	}
}

func TestCluster_RevivedBrokerCatchesUp(t *testing.T) {
	c := newTestCluster(t, 2, true)
	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 2})
	ctx := context.Background()
	follower := cluster.BrokerID(meta.Partitions[0].Replicas[1])
	tp := protocol.TopicPartition{Topic: "events"}

	c.SetBrokerAlive(follower, false)
	for i := 0; i < 5; i++ {
		if _, err := c.Produce(ctx, protocol.ProduceRequest{Topic: "events", Record: protocol.Record{Value: []byte("x")}, Acks: protocol.AckLeader}); err != nil {
			t.Fatalf("produce %d failed: %v", i, err)
		}
	}

	node, _ := c.Node(follower)
	if end, _ := node.LogEndOffset(tp); end != 0 {
		t.Fatalf("dead follower replicated %d records", end)
	}

	if err := c.SetBrokerAlive(follower, true); err != nil {
		t.Fatalf("SetBrokerAlive failed: %v", err)
	}
	waitFor(t, "follower to catch up", func() bool {
		end, _ := node.LogEndOffset(tp)
		return end == 5
	})
}

func TestCluster_FetchFencedByGeneration(t *testing.T) {
	c := newTestCluster(t, 1, false)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 2, ReplicationFactor: 1})
	ctx := context.Background()

	first, err := c.JoinGroup(ctx, protocol.JoinGroupRequest{GroupID: "g", Topic: "events"})
	if err != nil {
		t.Fatalf("JoinGroup failed: %v", err)
	}
	fetch := protocol.FetchRequest{Topic: "events", GroupID: "g", MemberID: first.MemberID, Generation: first.Generation}
	if _, err := c.Fetch(ctx, fetch); err != nil {
		t.Fatalf("fetch at current generation failed: %v", err)
	}

	if _, err := c.JoinGroup(ctx, protocol.JoinGroupRequest{GroupID: "g", Topic: "events"}); err != nil {
		t.Fatalf("second JoinGroup failed: %v", err)
	}
	if _, err := c.Fetch(ctx, fetch); !errors.Is(err, protocol.ErrGroupRebalanceInProgress) {
		t.Errorf("fetch at old generation: got %v, want ErrGroupRebalanceInProgress", err)
	}
}

// checkAssignment verifies the members split every partition of a
// numPartitions topic between them, disjointly, with the given sizes.
func checkAssignment(t *testing.T, numPartitions int, wantSizes []int, members ...protocol.JoinGroupResponse) {
	t.Helper()
	owner := make(map[int32]string)
	sizes := make([]int, 0, len(members))
	for _, m := range members {
		sizes = append(sizes, len(m.Assignment))
		for _, tp := range m.Assignment {
			if prev, ok := owner[tp.Partition]; ok {
				t.Fatalf("partition %d assigned to %s and %s\n%s", tp.Partition, prev, m.MemberID, spew.Sdump(members))
			}
			owner[tp.Partition] = m.MemberID
		}
	}
	if len(owner) != numPartitions {
		t.Fatalf("%d of %d partitions assigned\n%s", len(owner), numPartitions, spew.Sdump(members))
	}
	sort.Ints(sizes)
	if !reflect.DeepEqual(sizes, wantSizes) {
		t.Fatalf("assignment sizes = %v, want %v\n%s", sizes, wantSizes, spew.Sdump(members))
	}
}

// Two consumers share four partitions 2+2. A third joins: the generation
// moves on, both original members are fenced on fetch and commit until they
// rejoin, and the group settles at 2+1+1.
func TestCluster_GroupRebalanceTwoToThreeConsumers(t *testing.T) {
	c := newTestCluster(t, 1, false)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 4, ReplicationFactor: 1})
	ctx := context.Background()

	join := func(memberID string) protocol.JoinGroupResponse {
		t.Helper()
		resp, err := c.JoinGroup(ctx, protocol.JoinGroupRequest{GroupID: "g", MemberID: memberID, Topic: "events"})
		if err != nil {
			t.Fatalf("JoinGroup(%q) failed: %v", memberID, err)
		}
		return resp
	}
	fetch := func(m protocol.JoinGroupResponse, generation int32) error {
		_, err := c.Fetch(ctx, protocol.FetchRequest{
			Topic: "events", Partition: m.Assignment[0].Partition, MaxRecords: 10,
			GroupID: "g", MemberID: m.MemberID, Generation: generation,
		})
		return err
	}

	a := join("")
	b := join("")
	a = join(a.MemberID)
	if a.Generation != b.Generation {
		t.Fatalf("members disagree on generation: %d vs %d", a.Generation, b.Generation)
	}
	checkAssignment(t, 4, []int{2, 2}, a, b)
	for _, m := range []protocol.JoinGroupResponse{a, b} {
		if err := fetch(m, m.Generation); err != nil {
			t.Fatalf("fetch by %s at generation %d failed: %v", m.MemberID, m.Generation, err)
		}
	}
	old := a.Generation

	cm := join("")
	if cm.Generation != old+1 {
		t.Fatalf("generation after third join = %d, want %d", cm.Generation, old+1)
	}
	for _, m := range []protocol.JoinGroupResponse{a, b} {
		if err := fetch(m, old); !errors.Is(err, protocol.ErrGroupRebalanceInProgress) {
			t.Errorf("fetch by %s at old generation: got %v, want ErrGroupRebalanceInProgress", m.MemberID, err)
		}
		err := c.CommitOffset(ctx, protocol.CommitOffsetRequest{
			GroupID: "g", MemberID: m.MemberID, Topic: "events",
			Partition: m.Assignment[0].Partition, Offset: 0, Generation: old,
		})
		if !errors.Is(err, protocol.ErrGroupRebalanceInProgress) {
			t.Errorf("commit by %s at old generation: got %v, want ErrGroupRebalanceInProgress", m.MemberID, err)
		}
	}

	a = join(a.MemberID)
	b = join(b.MemberID)
	for _, m := range []protocol.JoinGroupResponse{a, b, cm} {
		if m.Generation != old+1 {
			t.Fatalf("%s is at generation %d, want %d", m.MemberID, m.Generation, old+1)
		}
	}
	checkAssignment(t, 4, []int{1, 1, 2}, a, b, cm)
	for _, m := range []protocol.JoinGroupResponse{a, b, cm} {
		if err := fetch(m, m.Generation); err != nil {
			t.Errorf("fetch by %s after rejoin failed: %v", m.MemberID, err)
		}
	}
	desc, err := c.Coordinator().DescribeGroup("g")
	if err != nil || desc.State != "stable" {
		t.Errorf("group state = %q (err %v), want stable", desc.State, err)
	}
}
