package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"logq/internal/broker"
	"logq/internal/cluster"
	"logq/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCluster starts an in-process cluster of n brokers.
func newTestCluster(t *testing.T, n int) *broker.Cluster {
	t.Helper()
	config := broker.ClusterConfig{
		Replication: broker.ReplicationConfig{
			AckTimeout:          2 * time.Second,
			FetchInterval:       5 * time.Millisecond,
			MaintenanceInterval: time.Hour,
		},
		Logger: quietLogger(),
	}
	for i := 1; i <= n; i++ {
		config.Brokers = append(config.Brokers, broker.BrokerConfig{ID: cluster.BrokerID(i)})
	}
	c, err := broker.NewCluster(config)
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}
	c.Start()
	t.Cleanup(func() { c.Close() })
	return c
}

func mustCreateTopic(t *testing.T, c *broker.Cluster, config cluster.TopicConfig) protocol.MetadataResponse {
	t.Helper()
	meta, err := c.CreateTopic(config)
	if err != nil {
		t.Fatalf("CreateTopic(%s) failed: %v", config.Name, err)
	}
	return meta
}

func newTestProducer(t *testing.T, conn Conn, mutate func(*ProducerConfig)) *Producer {
	t.Helper()
	config := DefaultProducerConfig()
	config.Logger = quietLogger()
	if mutate != nil {
		mutate(&config)
	}
	p, err := NewProducer(conn, config)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func readAll(t *testing.T, c *broker.Cluster, topic string, partition int32) []protocol.Record {
	t.Helper()
	resp, err := c.Fetch(context.Background(), protocol.FetchRequest{Topic: topic, Partition: partition, MaxRecords: 1000})
	if err != nil {
		t.Fatalf("Fetch %s-%d failed: %v", topic, partition, err)
	}
	return resp.Records
}

func TestNewProducer_Validation(t *testing.T) {
	c := newTestCluster(t, 1)

	if _, err := NewProducer(nil, DefaultProducerConfig()); err == nil {
		t.Error("expected an error for a nil connection")
	}

	config := DefaultProducerConfig()
	config.Acks = protocol.AckLevel(7)
	if _, err := NewProducer(c, config); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("invalid acks: got %v, want ErrInvalidRequest", err)
	}

	p := newTestProducer(t, c, nil)
	if p.ID() == "" {
		t.Error("producer id not generated")
	}
}

func TestProducer_OrdersScenario(t *testing.T) {
	c := newTestCluster(t, 3)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "orders", NumPartitions: 3, ReplicationFactor: 3})
	p := newTestProducer(t, c, func(cfg *ProducerConfig) { cfg.Acks = protocol.AckAll })
	ctx := context.Background()

	keys := []string{"A", "B", "A", "C", "B"}
	results := make([]ProducerResult, len(keys))
	for i, key := range keys {
		results[i] = p.SendSync(ctx, ProducerRecord{Topic: "orders", Key: []byte(key), Value: []byte(fmt.Sprintf("%s%d", key, i))})
		if results[i].Error != nil {
			t.Fatalf("send %d failed: %v", i, results[i].Error)
		}
	}

	partitionOf := map[string]int32{}
	for i, key := range keys {
		if prev, ok := partitionOf[key]; ok && prev != results[i].Partition {
			t.Errorf("key %s landed on %d and %d", key, prev, results[i].Partition)
		}
		partitionOf[key] = results[i].Partition
	}

	// Per partition, values appear in the order they were sent.
	for partition := int32(0); partition < 3; partition++ {
		var want []string
		for i, key := range keys {
			if results[i].Partition == partition {
				want = append(want, fmt.Sprintf("%s%d", key, i))
			}
		}
		records := readAll(t, c, "orders", partition)
		if len(records) != len(want) {
			t.Fatalf("partition %d holds %d records, want %d", partition, len(records), len(want))
		}
		for i, rec := range records {
			if string(rec.Value) != want[i] || rec.Offset != int64(i) {
				t.Errorf("partition %d[%d] = (%d, %s), want (%d, %s)", partition, i, rec.Offset, rec.Value, i, want[i])
			}
		}
	}
}

func TestProducer_BatchKeepsSubmissionOrder(t *testing.T) {
	c := newTestCluster(t, 1)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 2, ReplicationFactor: 1})
	p := newTestProducer(t, c, func(cfg *ProducerConfig) {
		cfg.Linger = time.Hour
		cfg.BatchSize = 1000
	})
	ctx := context.Background()

	var results []<-chan ProducerResult
	for i := 0; i < 20; i++ {
		ch, err := p.Send(ctx, ProducerRecord{Topic: "events", Partition: 1, Pinned: true, Value: []byte(fmt.Sprintf("m%02d", i))})
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		results = append(results, ch)
	}

	// Nothing leaves the batch before the flush.
	if got := len(readAll(t, c, "events", 1)); got != 0 {
		t.Fatalf("%d records sent before Flush", got)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	for i, ch := range results {
		r := <-ch
		if r.Error != nil || r.Offset != int64(i) || r.Partition != 1 {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	records := readAll(t, c, "events", 1)
	for i, rec := range records {
		if want := fmt.Sprintf("m%02d", i); string(rec.Value) != want {
			t.Errorf("offset %d = %s, want %s", i, rec.Value, want)
		}
	}

	stats := p.Stats()
	if stats.BatchesSent != 1 || stats.RecordsAcked != 20 {
		t.Errorf("stats = %+v, want one batch of 20", stats)
	}
}

func TestProducer_BatchSizeTriggersSend(t *testing.T) {
	c := newTestCluster(t, 1)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 1})
	p := newTestProducer(t, c, func(cfg *ProducerConfig) {
		cfg.Linger = time.Hour
		cfg.BatchSize = 3
	})
	ctx := context.Background()

	var last <-chan ProducerResult
	for i := 0; i < 3; i++ {
		ch, err := p.Send(ctx, ProducerRecord{Topic: "events", Value: []byte("x")})
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		last = ch
	}
	select {
	case r := <-last:
		if r.Error != nil || r.Offset != 2 {
			t.Errorf("third result = %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("full batch was not sent")
	}
}

func TestProducer_UnknownTopic(t *testing.T) {
	c := newTestCluster(t, 1)
	p := newTestProducer(t, c, nil)

	r := p.SendSync(context.Background(), ProducerRecord{Topic: "missing", Value: []byte("x")})
	if !errors.Is(r.Error, protocol.ErrTopicNotFound) {
		t.Errorf("got %v, want ErrTopicNotFound", r.Error)
	}
	if r.Offset != -1 {
		t.Errorf("Offset = %d, want -1", r.Offset)
	}

	r = p.SendSync(context.Background(), ProducerRecord{Value: []byte("x")})
	if !errors.Is(r.Error, protocol.ErrInvalidRequest) {
		t.Errorf("no topic: got %v, want ErrInvalidRequest", r.Error)
	}
}

func TestProducer_PinnedPartitionOutOfRange(t *testing.T) {
	c := newTestCluster(t, 1)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 2, ReplicationFactor: 1})
	p := newTestProducer(t, c, nil)

	r := p.SendSync(context.Background(), ProducerRecord{Topic: "events", Partition: 5, Pinned: true, Value: []byte("x")})
	if !errors.Is(r.Error, protocol.ErrPartitionNotFound) {
		t.Errorf("got %v, want ErrPartitionNotFound", r.Error)
	}
}

func TestProducer_AckNone(t *testing.T) {
	c := newTestCluster(t, 1)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 1})
	p := newTestProducer(t, c, func(cfg *ProducerConfig) { cfg.Acks = protocol.AckNone })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := p.SendSync(ctx, ProducerRecord{Topic: "events", Value: []byte{byte('a' + i)}})
		if r.Error != nil || r.Offset != -1 {
			t.Fatalf("send %d = %+v, want success with unknown offset", i, r)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readAll(t, c, "events", 0)
	if len(records) != 5 {
		t.Fatalf("log holds %d records, want 5", len(records))
	}
	for i, rec := range records {
		if rec.Value[0] != byte('a'+i) {
			t.Errorf("offset %d = %s, out of order", i, rec.Value)
		}
	}
}

func TestProducer_AckAllInsufficientReplicas(t *testing.T) {
	c := newTestCluster(t, 2)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 2, MinInSyncReplicas: 2})
	p := newTestProducer(t, c, func(cfg *ProducerConfig) { cfg.Acks = protocol.AckAll })
	ctx := context.Background()

	meta, _ := c.Metadata(ctx, protocol.MetadataRequest{Topic: "events"})
	var follower int32
	for _, id := range meta.Partitions[0].Replicas {
		if id != meta.Partitions[0].Leader {
			follower = id
		}
	}
	if err := c.SetBrokerAlive(cluster.BrokerID(follower), false); err != nil {
		t.Fatalf("SetBrokerAlive failed: %v", err)
	}

	r := p.SendSync(ctx, ProducerRecord{Topic: "events", Value: []byte("x")})
	if !errors.Is(r.Error, protocol.ErrInsufficientReplicas) {
		t.Errorf("got %v, want ErrInsufficientReplicas", r.Error)
	}
	if p.Stats().Retries != 0 {
		t.Error("a durability error must not be retried")
	}
}

func TestProducer_RefreshesStaleLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	meta := mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 3})
	// AckAll so the first record is on every replica before the failover.
	p := newTestProducer(t, c, func(cfg *ProducerConfig) { cfg.Acks = protocol.AckAll })
	ctx := context.Background()

	if r := p.SendSync(ctx, ProducerRecord{Topic: "events", Value: []byte("before")}); r.Error != nil {
		t.Fatalf("first send failed: %v", r.Error)
	}

	// The producer still points at the old leader.
	if err := c.SetBrokerAlive(cluster.BrokerID(meta.Partitions[0].Leader), false); err != nil {
		t.Fatalf("SetBrokerAlive failed: %v", err)
	}

	r := p.SendSync(ctx, ProducerRecord{Topic: "events", Value: []byte("after")})
	if r.Error != nil {
		t.Fatalf("send after failover failed: %v", r.Error)
	}
	if r.Offset != 1 {
		t.Errorf("Offset = %d, want 1", r.Offset)
	}
	if stats := p.Stats(); stats.Retries != 1 || stats.MetadataRefreshes != 2 {
		t.Errorf("stats = %+v, want 1 retry and 2 metadata loads", stats)
	}
}

// lostAckConn appends the first produce but reports it as sent to a stale
// leader, the way a lost acknowledgement looks to the producer.
type lostAckConn struct {
	Conn
	mu   sync.Mutex
	lost bool
}

func (c *lostAckConn) Produce(ctx context.Context, req protocol.ProduceRequest) (protocol.ProduceResponse, error) {
	resp, err := c.Conn.Produce(ctx, req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && !c.lost {
		c.lost = true
		return protocol.ProduceResponse{}, protocol.ErrNotLeaderForPartition
	}
	return resp, err
}

func TestProducer_RetryIsDeduplicated(t *testing.T) {
	c := newTestCluster(t, 1)
	mustCreateTopic(t, c, cluster.TopicConfig{Name: "events", NumPartitions: 1, ReplicationFactor: 1})
	p := newTestProducer(t, &lostAckConn{Conn: c}, nil)
	ctx := context.Background()

	r := p.SendSync(ctx, ProducerRecord{Topic: "events", Value: []byte("once")})
	if r.Error != nil {
		t.Fatalf("send failed: %v", r.Error)
	}
	if !r.Duplicate || r.Offset != 0 {
		t.Errorf("result = %+v, want duplicate of offset 0", r)
	}
	if got := len(readAll(t, c, "events", 0)); got != 1 {
		t.Errorf("log holds %d records, want 1", got)
	}

	next := p.SendSync(ctx, ProducerRecord{Topic: "events", Value: []byte("twice")})
	if next.Error != nil || next.Offset != 1 || next.Duplicate {
		t.Errorf("next result = %+v", next)
	}
}

func TestProducer_Closed(t *testing.T) {
	c := newTestCluster(t, 1)
	p := newTestProducer(t, c, nil)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := p.Send(context.Background(), ProducerRecord{Topic: "events"}); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Send after Close: got %v, want ErrProducerClosed", err)
	}
	if err := p.Flush(context.Background()); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Flush after Close: got %v, want ErrProducerClosed", err)
	}
}
