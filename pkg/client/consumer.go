// =============================================================================
// LOGQ CONSUMER - GROUP MEMBERSHIP, POLLING, COMMITS
// =============================================================================
//
// A Consumer is one member of a consumer group reading one topic. The group
// coordinator splits the topic's partitions between the members; a member
// only reads the partitions it was assigned for the current generation.
//
//   Before Rebalance:           After Rebalance (C3 joins):
//   ┌─────────┬─────────┐       ┌─────────┬─────────┬─────────┐
//   │   C1    │   C2    │       │   C1    │   C2    │   C3    │
//   │ P0 P2   │ P1      │  ──►  │ P0      │ P1      │ P2      │
//   └─────────┴─────────┘       └─────────┴─────────┴─────────┘
//      generation 2                 generation 3
//
// READ POSITION of an assigned partition, in order of preference:
//   1. the position this consumer reached in the current generation
//   2. committed offset + 1 (the commit is the last processed record)
//   3. AutoOffsetReset: earliest retained record, or the log end
//
// REBALANCES:
//   Any call answered with GROUP_REBALANCE_IN_PROGRESS, STALE_GENERATION or
//   UNKNOWN_MEMBER means this member's view is out of date. Poll rejoins
//   by itself; the heartbeat loop flags the rejoin for the next Poll.
//   Commit surfaces the error: a commit from an old generation must not be
//   replayed blindly.
//
// DELIVERY:
//   Commit after processing for at-least-once, before for at-most-once.
//   Positions are dropped on rejoin, so uncommitted progress is read again.
//
// =============================================================================

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"logq/pkg/protocol"
)

// OffsetReset decides where a partition without a committed offset starts.
type OffsetReset string

const (
	ResetEarliest OffsetReset = "earliest"
	ResetLatest   OffsetReset = "latest"
)

// ParseOffsetReset accepts "earliest" and "latest".
func ParseOffsetReset(s string) (OffsetReset, error) {
	switch OffsetReset(s) {
	case ResetEarliest, ResetLatest:
		return OffsetReset(s), nil
	}
	return "", fmt.Errorf("%w: offset reset %q, want earliest or latest", protocol.ErrInvalidRequest, s)
}

// =============================================================================
// CONSUMER CONFIGURATION
// =============================================================================

// ConsumerConfig configures a Consumer.
//
//	HeartbeatInterval: keep well below the coordinator's session timeout.
//	Zero disables the background loop; call Heartbeat yourself.
//	AutoCommitInterval: commit the polled position periodically. Zero
//	disables auto commit; call Commit or CommitPosition.
type ConsumerConfig struct {
	GroupID  string
	Topic    string
	ClientID string

	AutoOffsetReset OffsetReset
	Isolation       protocol.IsolationLevel

	// MaxPollRecords caps one Poll across all assigned partitions.
	MaxPollRecords int

	HeartbeatInterval  time.Duration
	AutoCommitInterval time.Duration

	// RequestTimeout bounds background heartbeats and commits.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConsumerConfig returns a configuration with sensible defaults.
func DefaultConsumerConfig(groupID, topic string) ConsumerConfig {
	return ConsumerConfig{
		GroupID:           groupID,
		Topic:             topic,
		ClientID:          "consumer",
		AutoOffsetReset:   ResetEarliest,
		Isolation:         protocol.ReadUncommitted,
		MaxPollRecords:    500,
		HeartbeatInterval: 3 * time.Second,
		RequestTimeout:    10 * time.Second,
	}
}

// ConsumedRecord is a record plus the partition it was read from.
type ConsumedRecord struct {
	Topic     string
	Partition int32
	protocol.Record
}

// =============================================================================
// CONSUMER STRUCT
// =============================================================================

// Consumer is a group member reading one topic.
//
//	consumer, _ := client.NewConsumer(conn, client.DefaultConsumerConfig("billing", "orders"))
//	defer consumer.Close()
//	consumer.Join(ctx)
//	for {
//	    records, err := consumer.Poll(ctx, 0)
//	    ... process ...
//	    consumer.CommitPosition(ctx)
//	}
type Consumer struct {
	conn   Conn
	config ConsumerConfig
	logger *slog.Logger

	// mu guards the membership and position state. Poll holds it for the
	// whole poll so positions move in step with the records returned.
	mu          sync.Mutex
	memberID    string
	generation  int32
	assignment  []protocol.TopicPartition
	positions   map[protocol.TopicPartition]int64
	committed   map[protocol.TopicPartition]int64
	joined      bool
	needsRejoin bool
	closed      bool

	startOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer builds a consumer. Nothing is sent until Join.
func NewConsumer(conn Conn, config ConsumerConfig) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("consumer needs a connection")
	}
	if config.GroupID == "" || config.Topic == "" {
		return nil, fmt.Errorf("%w: consumer needs a group id and a topic", protocol.ErrInvalidRequest)
	}
	defaults := DefaultConsumerConfig(config.GroupID, config.Topic)
	if config.AutoOffsetReset == "" {
		config.AutoOffsetReset = defaults.AutoOffsetReset
	}
	if _, err := ParseOffsetReset(string(config.AutoOffsetReset)); err != nil {
		return nil, err
	}
	if config.ClientID == "" {
		config.ClientID = defaults.ClientID
	}
	if config.MaxPollRecords <= 0 {
		config.MaxPollRecords = defaults.MaxPollRecords
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:      conn,
		config:    config,
		logger:    logger.With("component", "consumer", "group", config.GroupID, "topic", config.Topic),
		positions: make(map[protocol.TopicPartition]int64),
		committed: make(map[protocol.TopicPartition]int64),
		stopCh:    make(chan struct{}),
	}, nil
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// Join joins (or rejoins) the group and adopts the returned assignment and
// generation. The first successful Join starts the background loops.
func (c *Consumer) Join(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConsumerClosed
	}
	if err := c.joinLocked(ctx); err != nil {
		return err
	}
	c.startOnce.Do(c.startLoops)
	return nil
}

func (c *Consumer) joinLocked(ctx context.Context) error {
	resp, err := c.conn.JoinGroup(ctx, protocol.JoinGroupRequest{
		GroupID:  c.config.GroupID,
		MemberID: c.memberID,
		ClientID: c.config.ClientID,
		Topic:    c.config.Topic,
	})
	if errors.Is(err, protocol.ErrUnknownMember) && c.memberID != "" {
		// Expired by the coordinator: join as a new member.
		c.memberID = ""
		return c.joinLocked(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to join group %s: %w", c.config.GroupID, err)
	}

	c.memberID = resp.MemberID
	c.generation = resp.Generation
	c.assignment = append([]protocol.TopicPartition(nil), resp.Assignment...)
	sort.Slice(c.assignment, func(i, j int) bool { return c.assignment[i].Partition < c.assignment[j].Partition })
	c.positions = make(map[protocol.TopicPartition]int64)
	c.committed = make(map[protocol.TopicPartition]int64)
	c.joined = true
	c.needsRejoin = false

	c.logger.Info("joined group",
		"member", c.memberID,
		"generation", c.generation,
		"partitions", len(c.assignment),
	)
	return nil
}

// Heartbeat tells the coordinator this member is alive. A rejoin error is
// returned and remembered so the next Poll rejoins.
func (c *Consumer) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	req := protocol.HeartbeatRequest{GroupID: c.config.GroupID, MemberID: c.memberID, Generation: c.generation}
	c.mu.Unlock()

	err := c.conn.Heartbeat(ctx, req)
	if protocol.NeedsRejoin(err) {
		c.mu.Lock()
		if c.generation == req.Generation {
			c.needsRejoin = true
		}
		c.mu.Unlock()
	}
	return err
}

// Leave removes this member from the group at once, which triggers a
// rebalance for the others instead of waiting for the session timeout.
func (c *Consumer) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveLocked(ctx)
}

func (c *Consumer) leaveLocked(ctx context.Context) error {
	if !c.joined {
		return nil
	}
	err := c.conn.LeaveGroup(ctx, protocol.LeaveGroupRequest{GroupID: c.config.GroupID, MemberID: c.memberID})
	c.joined = false
	c.memberID = ""
	c.generation = 0
	c.assignment = nil
	c.positions = make(map[protocol.TopicPartition]int64)
	if err != nil && !errors.Is(err, protocol.ErrUnknownMember) {
		return fmt.Errorf("failed to leave group %s: %w", c.config.GroupID, err)
	}
	return nil
}

// =============================================================================
// POLLING
// =============================================================================

// Poll fetches up to maxRecords (MaxPollRecords when <= 0) from the
// assigned partitions. It never waits for new records; an empty result is
// normal.
func (c *Consumer) Poll(ctx context.Context, maxRecords int) ([]ConsumedRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConsumerClosed
	}
	if !c.joined {
		return nil, ErrNotJoined
	}
	if c.needsRejoin {
		if err := c.joinLocked(ctx); err != nil {
			return nil, err
		}
	}
	if maxRecords <= 0 {
		maxRecords = c.config.MaxPollRecords
	}

	// A partition that cannot be read (no live leader, broker gone) is
	// skipped for this poll. The error surfaces only when nothing could be
	// read at all.
	var (
		out      []ConsumedRecord
		fetched  int
		firstErr error
	)
	advanced := make(map[protocol.TopicPartition]int64)
	for _, tp := range c.assignment {
		if len(out) >= maxRecords {
			break
		}
		records, next, err := c.fetchLocked(ctx, tp, maxRecords-len(out))
		if protocol.NeedsRejoin(err) {
			// What was read under the old generation is dropped with it.
			c.logger.Info("rejoining after fetch was fenced", "error", err)
			if err := c.joinLocked(ctx); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				firstErr = ctxErr
				break
			}
			c.logger.Warn("skipping partition for this poll",
				"topic", tp.Topic, "partition", tp.Partition, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fetched++
		advanced[tp] = next
		for _, rec := range records {
			out = append(out, ConsumedRecord{Topic: tp.Topic, Partition: tp.Partition, Record: rec})
		}
	}

	for tp, next := range advanced {
		c.positions[tp] = next
	}
	if fetched == 0 && firstErr != nil {
		return out, firstErr
	}
	return out, nil
}

// fetchLocked reads one partition and returns the next position.
func (c *Consumer) fetchLocked(ctx context.Context, tp protocol.TopicPartition, max int) ([]protocol.Record, int64, error) {
	from, err := c.positionLocked(ctx, tp)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.fetch(ctx, tp, from, max)
	if errors.Is(err, protocol.ErrOffsetOutOfRange) && from >= 0 {
		c.logger.Warn("position out of range, resetting",
			"partition", tp.Partition, "position", from, "policy", c.config.AutoOffsetReset)
		from = c.resetOffset()
		resp, err = c.fetch(ctx, tp, from, max)
	}
	if err != nil {
		return nil, 0, err
	}

	switch {
	case len(resp.Records) > 0:
		return resp.Records, resp.Records[len(resp.Records)-1].Offset + 1, nil
	case from == protocol.OffsetEarliest:
		return nil, resp.LogStartOffset, nil
	case from == protocol.OffsetLatest:
		if c.config.Isolation == protocol.ReadCommitted {
			return nil, resp.HighWatermark, nil
		}
		return nil, resp.LogEndOffset, nil
	}
	return nil, from, nil
}

func (c *Consumer) fetch(ctx context.Context, tp protocol.TopicPartition, from int64, max int) (protocol.FetchResponse, error) {
	return c.conn.Fetch(ctx, protocol.FetchRequest{
		Broker:     protocol.AnyBroker,
		Topic:      tp.Topic,
		Partition:  tp.Partition,
		FromOffset: from,
		MaxRecords: max,
		Isolation:  c.config.Isolation,
		GroupID:    c.config.GroupID,
		MemberID:   c.memberID,
		Generation: c.generation,
	})
}

// positionLocked returns where tp is read next. A partition seen for the
// first time in this generation starts after its committed offset, or at
// the reset position when nothing was committed.
func (c *Consumer) positionLocked(ctx context.Context, tp protocol.TopicPartition) (int64, error) {
	if pos, ok := c.positions[tp]; ok {
		return pos, nil
	}
	resp, err := c.conn.FetchOffset(ctx, protocol.FetchOffsetRequest{
		GroupID:   c.config.GroupID,
		Topic:     tp.Topic,
		Partition: tp.Partition,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch committed offset of %s: %w", tp, err)
	}
	if resp.Found {
		c.committed[tp] = resp.Offset
		return resp.Offset + 1, nil
	}
	return c.resetOffset(), nil
}

func (c *Consumer) resetOffset() int64 {
	if c.config.AutoOffsetReset == ResetLatest {
		return protocol.OffsetLatest
	}
	return protocol.OffsetEarliest
}

// =============================================================================
// COMMITS
// =============================================================================

// Commit records offset as the last processed record of partition, under
// the current generation.
func (c *Consumer) Commit(ctx context.Context, partition int32, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return ErrNotJoined
	}
	return c.commitLocked(ctx, protocol.TopicPartition{Topic: c.config.Topic, Partition: partition}, offset)
}

func (c *Consumer) commitLocked(ctx context.Context, tp protocol.TopicPartition, offset int64) error {
	err := c.conn.CommitOffset(ctx, protocol.CommitOffsetRequest{
		GroupID:    c.config.GroupID,
		MemberID:   c.memberID,
		Topic:      tp.Topic,
		Partition:  tp.Partition,
		Offset:     offset,
		Generation: c.generation,
	})
	if err != nil {
		if protocol.NeedsRejoin(err) {
			c.needsRejoin = true
		}
		return err
	}
	c.committed[tp] = offset
	return nil
}

// CommitPosition commits everything returned by Poll so far.
func (c *Consumer) CommitPosition(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.joined {
		return ErrNotJoined
	}
	for _, tp := range c.assignment {
		pos, ok := c.positions[tp]
		if !ok || pos <= 0 {
			continue
		}
		if last, ok := c.committed[tp]; ok && last >= pos-1 {
			continue
		}
		if err := c.commitLocked(ctx, tp, pos-1); err != nil {
			return fmt.Errorf("failed to commit %s: %w", tp, err)
		}
	}
	return nil
}

// =============================================================================
// BACKGROUND LOOPS
// =============================================================================

func (c *Consumer) startLoops() {
	if c.config.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	if c.config.AutoCommitInterval > 0 {
		c.wg.Add(1)
		go c.autoCommitLoop()
	}
}

func (c *Consumer) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
			err := c.Heartbeat(ctx)
			cancel()
			if err != nil && !errors.Is(err, ErrNotJoined) {
				c.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *Consumer) autoCommitLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.AutoCommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
			err := c.CommitPosition(ctx)
			cancel()
			if err != nil && !errors.Is(err, ErrNotJoined) {
				c.logger.Warn("auto commit failed", "error", err)
			}
		}
	}
}

// =============================================================================
// LIFECYCLE AND INTROSPECTION
// =============================================================================

// Close stops the background loops, commits the polled position when auto
// commit is on, and leaves the group.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.AutoCommitInterval > 0 && c.joined {
		for tp, pos := range c.positions {
			if last, ok := c.committed[tp]; pos > 0 && (!ok || last < pos-1) {
				if err := c.commitLocked(ctx, tp, pos-1); err != nil {
					c.logger.Warn("final commit failed", "partition", tp.Partition, "error", err)
				}
			}
		}
	}
	return c.leaveLocked(ctx)
}

// Assignment returns the partitions of the current generation.
func (c *Consumer) Assignment() []protocol.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.TopicPartition(nil), c.assignment...)
}

// Generation returns the generation this member last joined.
func (c *Consumer) Generation() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// MemberID returns the id the coordinator assigned.
func (c *Consumer) MemberID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberID
}

// Position returns the next offset Poll reads from partition, if known.
func (c *Consumer) Position(partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[protocol.TopicPartition{Topic: c.config.Topic, Partition: partition}]
	return pos, ok
}
