// =============================================================================
// BROKER NODE - HOSTS PARTITION REPLICAS, SERVES PRODUCE AND FETCH
// =============================================================================
//
// A Node is one broker of the cluster. It hosts replicas of partitions, each
// either the LEADER or a follower (REPLICA):
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                             NODE (broker 1)                             │
//   │                                                                         │
//   │   orders-0  LEADER   log [0..120)  HW 118  ISR {1,2}                    │
//   │   orders-2  REPLICA  log [0..97)   HW 97   ◄── replicator pulls from 3  │
//   │                                                                         │
//   │   Produce(tp)  ── leader only ──► dedup ──► schema ──► log.Append       │
//   │   Fetch(tp)    ── any role    ──► log.Read (HW travels with records)    │
//   │   ReplicaFetch ── leader only ──► log.Read + follower progress → ISR/HW │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// LEADERSHIP:
// The node never decides who leads. HostPartition, Promote and Demote are
// administrative calls made by whoever runs leader election. Promote builds
// an ISR tracker from the directory; Demote drops it, truncates the log to
// the high watermark and starts following the current leader.
//
// ERRORS:
//   - partition not hosted here          ErrPartitionNotFound
//   - produce to a follower              ErrNotLeaderForPartition
//   - acks=all, ISR too small or dead    ErrInsufficientReplicas
//   - acks=all, no ISR ack in time       ErrDeliveryTimeout
//
// =============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"logq/internal/cluster"
	"logq/internal/metrics"
	"logq/internal/storage"
	"logq/pkg/protocol"
)

const defaultMaxFetchRecords = 500

// ReplicationConfig tunes replication and acks=all.
type ReplicationConfig struct {
	// AckTimeout bounds an acks=all wait when the request carries none.
	AckTimeout time.Duration

	// ISR membership bounds.
	MaxLagRecords int64
	MaxLagTime    time.Duration

	// FetchInterval is how often an idle follower polls its leader.
	FetchInterval time.Duration

	// FetchMaxRecords caps records per replica fetch.
	FetchMaxRecords int

	// MaintenanceInterval is how often the node shrinks lagging ISRs and
	// enforces retention.
	MaintenanceInterval time.Duration

	// ProducerStateTTL forgets idle producers' sequences.
	ProducerStateTTL time.Duration
}

// DefaultReplicationConfig returns the defaults used by logq serve.
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		AckTimeout:          5 * time.Second,
		MaxLagRecords:       4000,
		MaxLagTime:          10 * time.Second,
		FetchInterval:       50 * time.Millisecond,
		FetchMaxRecords:     500,
		MaintenanceInterval: time.Second,
		ProducerStateTTL:    time.Hour,
	}
}

func (c ReplicationConfig) withDefaults() ReplicationConfig {
	d := DefaultReplicationConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxLagRecords <= 0 {
		c.MaxLagRecords = d.MaxLagRecords
	}
	if c.MaxLagTime <= 0 {
		c.MaxLagTime = d.MaxLagTime
	}
	if c.FetchInterval <= 0 {
		c.FetchInterval = d.FetchInterval
	}
	if c.FetchMaxRecords <= 0 {
		c.FetchMaxRecords = d.FetchMaxRecords
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.ProducerStateTTL <= 0 {
		c.ProducerStateTTL = d.ProducerStateTTL
	}
	return c
}

// Peer is the leader side of replication as a follower sees it.
type Peer interface {
	ReplicaFetch(ctx context.Context, req protocol.ReplicaFetchRequest) (protocol.FetchResponse, error)
}

// PeerResolver finds the node a follower should fetch from.
type PeerResolver func(id cluster.BrokerID) (Peer, error)

// LogOpener creates or recovers the log of a hosted partition.
type LogOpener func(tp protocol.TopicPartition) (*storage.Log, error)

// NodeConfig configures a Node.
type NodeConfig struct {
	ID cluster.BrokerID

	// Directory is where the node looks up topic configs, replica lists,
	// leaders and broker liveness, and where leaders publish their ISR.
	Directory *cluster.Directory

	// OpenLog defaults to an in-memory log.
	OpenLog LogOpener

	// Peers enables background replication. Without it followers only move
	// when ReplicateOnce is called.
	Peers PeerResolver

	// OnAppend is called after a leader append, outside all locks.
	OnAppend func(tp protocol.TopicPartition)

	Replication ReplicationConfig

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Node is a broker hosting partition replicas.
type Node struct {
	id        cluster.BrokerID
	directory *cluster.Directory
	config    NodeConfig
	repl      ReplicationConfig

	mu          sync.RWMutex
	replicas    map[protocol.TopicPartition]*replica
	replicators map[protocol.TopicPartition]*Replicator

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	brokerMetrics  *metrics.BrokerMetrics
	replMetrics    *metrics.ReplicationMetrics
	storageMetrics *metrics.StorageMetrics

	logger *slog.Logger
}

// HostedPartition describes one replica hosted by a node.
type HostedPartition struct {
	TopicPartition protocol.TopicPartition
	Role           cluster.Role
	LogStartOffset int64
	LogEndOffset   int64
	HighWatermark  int64
	ISR            []cluster.BrokerID
}

// NewNode creates a node with no hosted partitions.
func NewNode(config NodeConfig) (*Node, error) {
	if config.Directory == nil {
		return nil, errors.New("broker node requires a directory")
	}
	if config.OpenLog == nil {
		config.OpenLog = func(protocol.TopicPartition) (*storage.Log, error) {
			return storage.NewMemoryLog(), nil
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Node{
		id:             config.ID,
		directory:      config.Directory,
		config:         config,
		repl:           config.Replication.withDefaults(),
		replicas:       make(map[protocol.TopicPartition]*replica),
		replicators:    make(map[protocol.TopicPartition]*Replicator),
		brokerMetrics:  config.Metrics.BrokerRecorder(),
		replMetrics:    config.Metrics.ReplicationRecorder(),
		storageMetrics: config.Metrics.StorageRecorder(),
		logger:         logger.With("component", "broker", "broker", config.ID),
	}, nil
}

// ID returns the broker id.
func (n *Node) ID() cluster.BrokerID {
	return n.id
}

func (n *Node) replica(tp protocol.TopicPartition) (*replica, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	r, ok := n.replicas[tp]
	if !ok {
		return nil, fmt.Errorf("%w: %s not hosted on %s", protocol.ErrPartitionNotFound, tp, n.id)
	}
	return r, nil
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// HostPartition starts hosting a replica of tp in the given role. Hosting
// an already hosted partition only changes its role.
func (n *Node) HostPartition(tp protocol.TopicPartition, role cluster.Role) error {
	info, err := n.directory.Partition(tp.Topic, tp.Partition)
	if err != nil {
		return err
	}
	if !info.HasReplica(n.id) {
		return fmt.Errorf("%w: %s is not a replica of %s", protocol.ErrInvalidRequest, n.id, tp)
	}
	config, err := n.directory.Topic(tp.Topic)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if _, ok := n.replicas[tp]; ok {
		n.mu.Unlock()
		return n.setRole(tp, role)
	}

	schema, err := NewSchemaValidator(config.ValueSchema)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	log, err := n.config.OpenLog(tp)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to open log for %s: %w", tp, err)
	}
	r := newReplica(tp, log, config, schema)
	r.leaderEpoch = info.LeaderEpoch
	if err := r.rebuildProducersLocked(); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to rebuild producer state for %s: %w", tp, err)
	}
	n.replicas[tp] = r
	n.mu.Unlock()

	n.logger.Info("hosting partition",
		"partition", tp.String(),
		"role", role,
		"log_end", log.NextOffset(),
	)
	if err := n.setRole(tp, role); err != nil {
		return err
	}
	n.publishHosted()
	return nil
}

func (n *Node) setRole(tp protocol.TopicPartition, role cluster.Role) error {
	if role == cluster.RoleLeader {
		return n.Promote(tp)
	}
	return n.Demote(tp)
}

// Promote makes this node the leader of tp.
func (n *Node) Promote(tp protocol.TopicPartition) error {
	r, err := n.replica(tp)
	if err != nil {
		return err
	}
	info, err := n.directory.Partition(tp.Topic, tp.Partition)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.role == cluster.RoleLeader && r.leaderEpoch == info.LeaderEpoch {
		r.mu.Unlock()
		return nil
	}
	r.role = cluster.RoleLeader
	r.leaderEpoch = info.LeaderEpoch
	r.isr = newISRTracker(tp, n.id, info.Replicas, info.ISR, r.highWatermark,
		ISRConfig{MaxLagRecords: n.repl.MaxLagRecords, MaxLagTime: n.repl.MaxLagTime},
		time.Now(), n.logger)
	r.setHighWatermarkLocked(r.isr.highWatermark(r.log.NextOffset()))
	r.signalLocked()
	isr := r.isr.members()
	hw := r.highWatermark
	r.mu.Unlock()

	n.stopReplicator(tp)
	n.replMetrics.SetISR(tp.Topic, tp.Partition, len(isr), len(info.Replicas))
	n.logger.Info("became leader",
		"partition", tp.String(),
		"epoch", info.LeaderEpoch,
		"isr", isr,
		"high_watermark", hw,
	)
	n.publishHosted()
	return nil
}

// Demote makes this node a follower of tp's current leader. When it used to
// lead, or leadership moved since it last looked, records past the high
// watermark are discarded: the new leader may never have had them.
func (n *Node) Demote(tp protocol.TopicPartition) error {
	r, err := n.replica(tp)
	if err != nil {
		return err
	}
	info, err := n.directory.Partition(tp.Topic, tp.Partition)
	if err != nil {
		return err
	}

	r.mu.Lock()
	wasLeader := r.role == cluster.RoleLeader
	truncate := wasLeader || r.leaderEpoch != info.LeaderEpoch
	r.role = cluster.RoleReplica
	r.leaderEpoch = info.LeaderEpoch
	r.isr = nil
	if truncate && r.log.NextOffset() > r.highWatermark {
		dropped := r.log.NextOffset() - r.highWatermark
		if err := r.log.TruncateTo(r.highWatermark); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to truncate %s to high watermark: %w", tp, err)
		}
		if err := r.rebuildProducersLocked(); err != nil {
			r.mu.Unlock()
			return err
		}
		n.logger.Warn("truncated divergent records",
			"partition", tp.String(),
			"high_watermark", r.highWatermark,
			"dropped", dropped,
		)
	}
	r.signalLocked()
	r.mu.Unlock()

	if wasLeader {
		n.logger.Info("became follower", "partition", tp.String(), "leader", info.Leader, "epoch", info.LeaderEpoch)
	}
	n.startReplicator(tp)
	n.publishHosted()
	return nil
}

// Role reports the role of a hosted partition.
func (n *Node) Role(tp protocol.TopicPartition) (cluster.Role, error) {
	r, err := n.replica(tp)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role, nil
}

// Hosted lists hosted partitions sorted by topic and partition.
func (n *Node) Hosted() []HostedPartition {
	n.mu.RLock()
	replicas := make([]*replica, 0, len(n.replicas))
	for _, r := range n.replicas {
		replicas = append(replicas, r)
	}
	n.mu.RUnlock()

	out := make([]HostedPartition, 0, len(replicas))
	for _, r := range replicas {
		r.mu.Lock()
		h := HostedPartition{
			TopicPartition: r.tp,
			Role:           r.role,
			LogStartOffset: r.log.EarliestOffset(),
			LogEndOffset:   r.log.NextOffset(),
			HighWatermark:  r.highWatermark,
		}
		if r.isr != nil {
			h.ISR = r.isr.members()
		}
		r.mu.Unlock()
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].TopicPartition, out[j].TopicPartition
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		return a.Partition < b.Partition
	})
	return out
}

func (n *Node) publishHosted() {
	if n.brokerMetrics == nil {
		return
	}
	leaders, followers := 0, 0
	for _, h := range n.Hosted() {
		if h.Role == cluster.RoleLeader {
			leaders++
		} else {
			followers++
		}
	}
	n.brokerMetrics.SetHostedPartitions(n.id.String(), leaders, followers)
}

// =============================================================================
// PRODUCE
// =============================================================================

// Produce appends rec to tp if this node leads it and returns the offset.
// A retried record (same producer id and sequence) returns its original
// offset without a second append.
func (n *Node) Produce(ctx context.Context, tp protocol.TopicPartition, rec protocol.Record) (int64, error) {
	offset, _, err := n.produce(ctx, tp, rec, protocol.AckLeader)
	return offset, err
}

func (n *Node) produce(ctx context.Context, tp protocol.TopicPartition, rec protocol.Record, acks protocol.AckLevel) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	r, err := n.replica(tp)
	if err != nil {
		return 0, false, err
	}

	r.mu.Lock()
	if r.role != cluster.RoleLeader {
		r.mu.Unlock()
		n.brokerMetrics.RecordNotLeader(tp.Topic)
		return 0, false, fmt.Errorf("%w: %s follows %s", protocol.ErrNotLeaderForPartition, n.id, tp)
	}
	if acks == protocol.AckAll {
		// Refuse before appending what could never be acknowledged.
		if err := r.checkMinISRLocked(); err != nil {
			r.mu.Unlock()
			return 0, false, err
		}
	}
	if err := r.schema.Validate(rec.Value); err != nil {
		r.mu.Unlock()
		return 0, false, err
	}
	if offset, dup, err := r.producers.check(rec); err != nil || dup {
		r.mu.Unlock()
		if dup {
			n.brokerMetrics.RecordDuplicate(tp.Topic)
		}
		return offset, dup, err
	}

	offset, err := r.log.Append(rec)
	if err != nil {
		r.mu.Unlock()
		return 0, false, fmt.Errorf("failed to append to %s: %w", tp, err)
	}
	r.producers.record(rec, offset)
	r.setHighWatermarkLocked(r.isr.highWatermark(r.log.NextOffset()))
	r.mu.Unlock()

	n.storageMetrics.RecordAppend(tp.Topic, "leader", 1, rec.Size())
	if n.config.OnAppend != nil {
		n.config.OnAppend(tp)
	}
	return offset, false, nil
}

// HandleProduce serves a produce request whose partition is already
// resolved, including the acknowledgement wait it asks for.
func (n *Node) HandleProduce(ctx context.Context, req protocol.ProduceRequest) (protocol.ProduceResponse, error) {
	start := time.Now()
	tp := protocol.TopicPartition{Topic: req.Topic, Partition: req.Partition}

	offset, dup, err := n.produce(ctx, tp, req.Record, req.Acks)
	if err != nil {
		n.brokerMetrics.RecordProduceError(tp.Topic, string(protocol.CodeOf(err)))
		return protocol.ProduceResponse{}, err
	}
	resp := protocol.ProduceResponse{Partition: req.Partition, Offset: offset, Duplicate: dup}

	if req.Acks == protocol.AckAll {
		timeout := n.repl.AckTimeout
		if req.TimeoutMs > 0 {
			timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}
		if err := n.WaitForISR(ctx, tp, offset, timeout); err != nil {
			n.brokerMetrics.RecordProduceError(tp.Topic, string(protocol.CodeOf(err)))
			return resp, err
		}
	}

	n.brokerMetrics.RecordProduce(tp.Topic, req.Acks.String(), req.Record.Size(), metrics.Since(start))
	return resp, nil
}

// WaitForISR blocks until every in-sync replica holds offset, which is the
// moment the high watermark passes it.
//
//	ISR below MinInSyncReplicas  ──► ErrInsufficientReplicas (fail fast)
//	an ISR member's broker dead  ──► ErrInsufficientReplicas (fail fast)
//	timeout elapses first        ──► ErrDeliveryTimeout
//	leadership lost meanwhile    ──► ErrNotLeaderForPartition
func (n *Node) WaitForISR(ctx context.Context, tp protocol.TopicPartition, offset int64, timeout time.Duration) error {
	r, err := n.replica(tp)
	if err != nil {
		return err
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if r.role != cluster.RoleLeader {
			r.mu.Unlock()
			return fmt.Errorf("%w: lost leadership of %s while waiting for offset %d",
				protocol.ErrNotLeaderForPartition, tp, offset)
		}
		if err := r.checkMinISRLocked(); err != nil {
			r.mu.Unlock()
			n.replMetrics.RecordAckFailure(tp.Topic, "insufficient_replicas")
			return err
		}
		if r.highWatermark > offset {
			r.mu.Unlock()
			n.replMetrics.RecordAckWait(tp.Topic, metrics.Since(start))
			return nil
		}
		if err := n.checkLiveISRLocked(r); err != nil {
			r.mu.Unlock()
			n.replMetrics.RecordAckFailure(tp.Topic, "insufficient_replicas")
			return err
		}
		wake := r.hwCh
		r.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			n.replMetrics.RecordAckFailure(tp.Topic, "timeout")
			return fmt.Errorf("%w: offset %d of %s not replicated to the ISR within %s",
				protocol.ErrDeliveryTimeout, offset, tp, timeout)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				n.replMetrics.RecordAckFailure(tp.Topic, "timeout")
				return fmt.Errorf("%w: %v", protocol.ErrDeliveryTimeout, ctx.Err())
			}
			return ctx.Err()
		}
	}
}

func (r *replica) checkMinISRLocked() error {
	if r.isr == nil {
		return nil
	}
	if members := r.isr.members(); len(members) < r.minInSync() {
		return fmt.Errorf("%w: %s has %d in-sync replicas, needs %d",
			protocol.ErrInsufficientReplicas, r.tp, len(members), r.minInSync())
	}
	return nil
}

func (n *Node) checkLiveISRLocked(r *replica) error {
	for _, id := range r.isr.members() {
		if id != n.id && !n.directory.IsAlive(id) {
			return fmt.Errorf("%w: in-sync replica %s of %s is unreachable",
				protocol.ErrInsufficientReplicas, id, r.tp)
		}
	}
	return nil
}

// Nudge wakes every acks=all waiter so it re-checks broker liveness.
func (n *Node) Nudge() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, r := range n.replicas {
		r.mu.Lock()
		r.signalLocked()
		r.mu.Unlock()
	}
}

// =============================================================================
// FETCH
// =============================================================================

// Fetch reads up to maxRecords from tp starting at fromOffset, on a leader
// or a follower, and returns them with the partition's high watermark.
func (n *Node) Fetch(tp protocol.TopicPartition, fromOffset int64, maxRecords int) ([]protocol.Record, int64, error) {
	resp, err := n.HandleFetch(protocol.FetchRequest{
		Topic:      tp.Topic,
		Partition:  tp.Partition,
		FromOffset: fromOffset,
		MaxRecords: maxRecords,
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Records, resp.HighWatermark, nil
}

// HandleFetch serves a consumer fetch. ReadCommitted stops at the high
// watermark; ReadUncommitted reads to the local log end.
func (n *Node) HandleFetch(req protocol.FetchRequest) (protocol.FetchResponse, error) {
	tp := protocol.TopicPartition{Topic: req.Topic, Partition: req.Partition}
	r, err := n.replica(tp)
	if err != nil {
		return protocol.FetchResponse{}, err
	}
	max := req.MaxRecords
	if max <= 0 {
		max = defaultMaxFetchRecords
	}

	r.mu.Lock()
	hw := r.highWatermark
	r.mu.Unlock()

	upTo := int64(-1)
	if req.Isolation == protocol.ReadCommitted {
		upTo = hw
	}
	from := req.FromOffset
	switch from {
	case protocol.OffsetEarliest:
		from = r.log.EarliestOffset()
	case protocol.OffsetLatest:
		from = r.log.NextOffset()
		if upTo >= 0 && upTo < from {
			from = upTo
		}
	}
	records, err := r.log.ReadUpTo(from, max, upTo)
	if err != nil {
		return protocol.FetchResponse{}, err
	}

	bytes := 0
	for _, rec := range records {
		bytes += rec.Size()
	}
	n.brokerMetrics.RecordFetch(tp.Topic, len(records), bytes)

	return protocol.FetchResponse{
		Records:        records,
		HighWatermark:  hw,
		LogStartOffset: r.log.EarliestOffset(),
		LogEndOffset:   r.log.NextOffset(),
	}, nil
}

// HighWatermark returns the high watermark of a hosted partition.
func (n *Node) HighWatermark(tp protocol.TopicPartition) (int64, error) {
	r, err := n.replica(tp)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highWatermark, nil
}

// LogEndOffset returns the next offset of a hosted partition's log.
func (n *Node) LogEndOffset(tp protocol.TopicPartition) (int64, error) {
	r, err := n.replica(tp)
	if err != nil {
		return 0, err
	}
	return r.log.NextOffset(), nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches follower replication and the maintenance loop.
func (n *Node) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.ctx, n.cancel = context.WithCancel(context.Background())
	var followers []protocol.TopicPartition
	for tp, r := range n.replicas {
		r.mu.Lock()
		if r.role == cluster.RoleReplica {
			followers = append(followers, tp)
		}
		r.mu.Unlock()
	}
	n.mu.Unlock()

	for _, tp := range followers {
		n.startReplicator(tp)
	}

	n.wg.Add(1)
	go n.maintenanceLoop()

	n.logger.Info("broker node started", "partitions", len(followers))
}

// Stop halts replication and maintenance. Hosted logs stay open.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.cancel()
	replicators := n.replicators
	n.replicators = make(map[protocol.TopicPartition]*Replicator)
	n.mu.Unlock()

	for _, rp := range replicators {
		rp.Stop()
	}
	n.wg.Wait()
	n.logger.Info("broker node stopped")
}

// Running reports whether Start was called without a matching Stop.
func (n *Node) Running() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Close stops the node and closes every hosted log.
func (n *Node) Close() error {
	n.Stop()

	n.mu.Lock()
	defer n.mu.Unlock()

	var firstErr error
	for tp, r := range n.replicas {
		if err := r.log.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", tp, err)
		}
	}
	return firstErr
}

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.repl.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-ticker.C:
			n.ShrinkISRs(now)
			n.EnforceRetention(now)
			n.expireProducers(now)
		}
	}
}

func (n *Node) expireProducers(now time.Time) {
	cutoff := now.Add(-n.repl.ProducerStateTTL)
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, r := range n.replicas {
		r.mu.Lock()
		r.producers.expire(cutoff)
		r.mu.Unlock()
	}
}
