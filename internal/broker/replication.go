// =============================================================================
// REPLICATION - FOLLOWERS PULL FROM THE LEADER
// =============================================================================
//
// Replication is pull based, like Kafka:
//
//   ┌──────────────┐  ReplicaFetch(from = my LEO)   ┌──────────────┐
//   │   FOLLOWER   │ ──────────────────────────────►│    LEADER    │
//   │              │                                │              │
//   │  append      │ ◄────────────────────────────── │  records,    │
//   │  records,    │   records [from, ...), HW,      │  follower    │
//   │  HW = min(   │   log start, log end            │  progress →  │
//   │   leader HW, │                                 │  ISR, HW     │
//   │   my LEO)    │                                 │              │
//   └──────────────┘                                └──────────────┘
//
// The fetch offset doubles as the acknowledgement: a follower asking for
// offset 42 holds everything below 42. That is how the leader's high
// watermark advances and how acks=all waiters are released.
//
// DIVERGENCE:
//   - follower log end past the leader's   ──► follower truncates to the
//                                              leader's log end
//   - follower log end before leader start ──► follower resets its log to the
//                                              leader's log start
//
// =============================================================================

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logq/internal/cluster"
	"logq/pkg/protocol"
)

// ReplicaFetch serves a follower's fetch and records its progress.
func (n *Node) ReplicaFetch(ctx context.Context, req protocol.ReplicaFetchRequest) (protocol.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return protocol.FetchResponse{}, err
	}
	tp := protocol.TopicPartition{Topic: req.Topic, Partition: req.Partition}
	r, err := n.replica(tp)
	if err != nil {
		return protocol.FetchResponse{}, err
	}
	follower := cluster.BrokerID(req.FollowerID)

	r.mu.Lock()
	if r.role != cluster.RoleLeader {
		r.mu.Unlock()
		return protocol.FetchResponse{}, fmt.Errorf("%w: %s follows %s", protocol.ErrNotLeaderForPartition, n.id, tp)
	}
	if !r.isr.isFollower(follower) {
		r.mu.Unlock()
		return protocol.FetchResponse{}, fmt.Errorf("%w: %s is not a follower of %s", protocol.ErrBrokerNotFound, follower, tp)
	}

	leo := r.log.NextOffset()
	start := r.log.EarliestOffset()
	if req.FromOffset >= start && req.FromOffset <= leo {
		n.recordFollowerLocked(r, follower, req.FromOffset, leo)
	}
	resp := protocol.FetchResponse{
		HighWatermark:  r.highWatermark,
		LogStartOffset: start,
		LogEndOffset:   leo,
		Records:        []protocol.Record{},
	}
	r.mu.Unlock()

	if req.FromOffset < start || req.FromOffset >= leo {
		return resp, nil
	}

	max := req.MaxRecords
	if max <= 0 {
		max = n.repl.FetchMaxRecords
	}
	records, err := r.log.Read(req.FromOffset, max)
	if err != nil {
		return protocol.FetchResponse{}, err
	}
	resp.Records = records
	return resp, nil
}

// recordFollowerLocked folds a follower fetch into the ISR and HW.
func (n *Node) recordFollowerLocked(r *replica, follower cluster.BrokerID, logEnd, leo int64) {
	expanded := r.isr.recordFetch(follower, logEnd, leo, r.highWatermark, time.Now())
	if expanded {
		n.publishISRLocked(r, "expand")
	}
	r.setHighWatermarkLocked(r.isr.highWatermark(leo))
	n.replMetrics.SetFollowerLag(r.tp.Topic, r.tp.Partition, r.isr.maxLag(leo))
}

// publishISRLocked writes the tracker's ISR to the directory and wakes
// waiters, whose outcome may depend on the ISR.
func (n *Node) publishISRLocked(r *replica, change string) {
	members := r.isr.members()
	if err := n.directory.SetISR(r.tp.Topic, r.tp.Partition, members); err != nil {
		n.logger.Error("failed to publish ISR", "partition", r.tp.String(), "error", err)
	}
	n.replMetrics.RecordISRChange(r.tp.Topic, change)
	n.replMetrics.SetISR(r.tp.Topic, r.tp.Partition, len(members), len(r.isr.replicas))
	r.signalLocked()
}

// ShrinkISRs drops lagging followers from every led partition's ISR and
// returns how many were removed.
func (n *Node) ShrinkISRs(now time.Time) int {
	n.mu.RLock()
	replicas := make([]*replica, 0, len(n.replicas))
	for _, r := range n.replicas {
		replicas = append(replicas, r)
	}
	n.mu.RUnlock()

	total := 0
	for _, r := range replicas {
		r.mu.Lock()
		if r.role == cluster.RoleLeader {
			leo := r.log.NextOffset()
			if removed := r.isr.shrink(leo, now); len(removed) > 0 {
				total += len(removed)
				n.publishISRLocked(r, "shrink")
				r.setHighWatermarkLocked(r.isr.highWatermark(leo))
			}
		}
		r.mu.Unlock()
	}
	return total
}

// ReplicateOnce pulls one batch for a follower partition from its leader and
// returns how many records were appended.
func (n *Node) ReplicateOnce(ctx context.Context, tp protocol.TopicPartition) (int, error) {
	r, err := n.replica(tp)
	if err != nil {
		return 0, err
	}
	if n.config.Peers == nil {
		return 0, fmt.Errorf("%w: %s has no replication peers", protocol.ErrInvalidRequest, n.id)
	}

	r.mu.Lock()
	role := r.role
	r.mu.Unlock()
	if role != cluster.RoleReplica {
		return 0, nil
	}

	leader, err := n.directory.GetLeader(tp.Topic, tp.Partition)
	if err != nil {
		return 0, err
	}
	if leader == cluster.NoBroker {
		return 0, fmt.Errorf("%w: %s has no leader", protocol.ErrNotLeaderForPartition, tp)
	}
	if leader == n.id {
		// Promotion is on its way.
		return 0, nil
	}
	peer, err := n.config.Peers(leader)
	if err != nil {
		return 0, err
	}

	from := r.log.NextOffset()
	resp, err := peer.ReplicaFetch(ctx, protocol.ReplicaFetchRequest{
		Topic:      tp.Topic,
		Partition:  tp.Partition,
		FollowerID: int32(n.id),
		FromOffset: from,
		MaxRecords: n.repl.FetchMaxRecords,
	})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.role != cluster.RoleReplica || r.log.NextOffset() != from {
		return 0, nil
	}

	switch {
	case resp.LogEndOffset < from:
		n.logger.Warn("follower ahead of leader, truncating",
			"partition", tp.String(),
			"local_end", from,
			"leader_end", resp.LogEndOffset,
		)
		if err := r.log.TruncateTo(resp.LogEndOffset); err != nil {
			return 0, err
		}
		return 0, r.rebuildProducersLocked()

	case from < resp.LogStartOffset:
		n.logger.Warn("follower behind leader retention, resetting log",
			"partition", tp.String(),
			"local_end", from,
			"leader_start", resp.LogStartOffset,
		)
		if err := r.log.Reset(resp.LogStartOffset); err != nil {
			return 0, err
		}
		r.producers = newProducerTable()
		if r.highWatermark < resp.LogStartOffset {
			r.highWatermark = resp.LogStartOffset
		}
		return 0, nil
	}

	bytes := 0
	for _, rec := range resp.Records {
		if err := r.log.AppendReplicated(rec); err != nil {
			return 0, fmt.Errorf("failed to apply replicated offset %d of %s: %w", rec.Offset, tp, err)
		}
		r.producers.record(rec, rec.Offset)
		bytes += rec.Size()
	}
	r.setHighWatermarkLocked(resp.HighWatermark)

	if len(resp.Records) > 0 {
		n.storageMetrics.RecordAppend(tp.Topic, "replica", len(resp.Records), bytes)
	}
	return len(resp.Records), nil
}

// =============================================================================
// REPLICATOR - BACKGROUND FETCH LOOP OF ONE FOLLOWER PARTITION
// =============================================================================

// Replicator keeps one follower partition caught up with its leader.
type Replicator struct {
	node     *Node
	tp       protocol.TopicPartition
	interval time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats ReplicatorStats

	logger *slog.Logger
}

// ReplicatorStats describe a replicator's activity.
type ReplicatorStats struct {
	Fetches           int64
	RecordsReplicated int64
	Errors            int64
	LastError         string
	LastErrorTime     time.Time
}

func newReplicator(n *Node, tp protocol.TopicPartition) *Replicator {
	return &Replicator{
		node:     n,
		tp:       tp,
		interval: n.repl.FetchInterval,
		wake:     make(chan struct{}, 1),
		logger:   n.logger.With("component", "replicator", "partition", tp.String()),
	}
}

func (rp *Replicator) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	rp.cancel = cancel
	rp.wg.Add(1)
	go rp.run(ctx)
}

// Stop ends the fetch loop and waits for it.
func (rp *Replicator) Stop() {
	rp.cancel()
	rp.wg.Wait()
}

// Wake makes the loop fetch now instead of at the next tick.
func (rp *Replicator) Wake() {
	select {
	case rp.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the replicator's counters.
func (rp *Replicator) Stats() ReplicatorStats {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.stats
}

func (rp *Replicator) run(ctx context.Context) {
	defer rp.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-rp.wake:
		case <-timer.C:
		}

		n, err := rp.node.ReplicateOnce(ctx, rp.tp)

		rp.mu.Lock()
		rp.stats.Fetches++
		rp.stats.RecordsReplicated += int64(n)
		if err != nil {
			rp.stats.Errors++
			rp.stats.LastError = err.Error()
			rp.stats.LastErrorTime = time.Now()
		}
		rp.mu.Unlock()

		next := rp.interval
		switch {
		case err != nil && ctx.Err() == nil:
			consecutiveErrors++
			if consecutiveErrors == 1 {
				rp.logger.Warn("replica fetch failed", "error", err)
			}
			backoff := consecutiveErrors
			if backoff > 10 {
				backoff = 10
			}
			next = rp.interval * time.Duration(backoff)
		case n > 0:
			// Fetch again right away: the next fetch offset reports our
			// progress to the leader.
			consecutiveErrors = 0
			next = 0
		default:
			consecutiveErrors = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

func (n *Node) startReplicator(tp protocol.TopicPartition) {
	if n.config.Peers == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}
	if _, ok := n.replicators[tp]; ok {
		return
	}
	rp := newReplicator(n, tp)
	rp.start(n.ctx)
	n.replicators[tp] = rp
}

func (n *Node) stopReplicator(tp protocol.TopicPartition) {
	n.mu.Lock()
	rp, ok := n.replicators[tp]
	delete(n.replicators, tp)
	n.mu.Unlock()

	if ok {
		rp.Stop()
	}
}

// WakeReplicator asks the follower loop of tp to fetch immediately.
func (n *Node) WakeReplicator(tp protocol.TopicPartition) {
	n.mu.RLock()
	rp, ok := n.replicators[tp]
	n.mu.RUnlock()
	if ok {
		rp.Wake()
	}
}

// Replicator returns the running replicator of a follower partition.
func (n *Node) Replicator(tp protocol.TopicPartition) (*Replicator, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rp, ok := n.replicators[tp]
	return rp, ok
}
