// =============================================================================
// GROUP COORDINATOR - MEMBERSHIP, ASSIGNMENT AND COMMITTED OFFSETS
// =============================================================================
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │                            Coordinator                               │
//   │                                                                      │
//   │   groups ──► Group "billing"   gen 4  Stable       {a: p0 p2, b: p1} │
//   │          ──► Group "audit"     gen 9  Rebalancing  {c*: p0, d: p1}   │
//   │                                                                      │
//   │   assignor      RoundRobinAssignor                                   │
//   │   store         OffsetStore (memory | file | postgres)               │
//   │   session monitor   every CheckInterval: drop members whose          │
//   │                     heartbeat deadline passed, rebalance             │
//   └──────────────────────────────────────────────────────────────────────┘
//
// One mutex guards every group. Offset store I/O happens outside it: the
// generation is checked under the lock, then the commit is written.
//
// =============================================================================

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"logq/internal/metrics"
	"logq/pkg/protocol"
)

// TopicLookup resolves a topic's partition count.
type TopicLookup interface {
	PartitionCount(topic string) (int, error)
}

// Config configures a Coordinator.
type Config struct {
	// SessionTimeout is how long a member survives without a heartbeat.
	SessionTimeout time.Duration

	// CheckInterval is how often the session monitor runs.
	CheckInterval time.Duration

	Assignor Assignor
	Store    OffsetStore
	Topics   TopicLookup
	Metrics  *metrics.GroupMetrics
	Logger   *slog.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a 30s session timeout checked every second.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 30 * time.Second,
		CheckInterval:  time.Second,
	}
}

// Coordinator manages every consumer group of the cluster.
type Coordinator struct {
	config Config

	mu     sync.Mutex
	groups map[string]*Group

	logger *slog.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a coordinator. Missing fields take their defaults; Topics is
// required.
func New(config Config) (*Coordinator, error) {
	if config.Topics == nil {
		return nil, fmt.Errorf("%w: coordinator needs a topic lookup", protocol.ErrInvalidRequest)
	}
	defaults := DefaultConfig()
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = defaults.SessionTimeout
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.Assignor == nil {
		config.Assignor = RoundRobinAssignor{}
	}
	if config.Store == nil {
		config.Store = NewMemoryOffsetStore()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		config: config,
		groups: make(map[string]*Group),
		logger: logger.With("component", "coordinator"),
		stopCh: make(chan struct{}),
	}, nil
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// JoinGroup adds a member (empty MemberID) or rejoins an existing one. A new
// member starts a new generation; a rejoin returns the current assignment
// and marks the member synced without changing the generation.
func (c *Coordinator) JoinGroup(req protocol.JoinGroupRequest) (protocol.JoinGroupResponse, error) {
	if err := ValidateGroupID(req.GroupID); err != nil {
		return protocol.JoinGroupResponse{}, err
	}
	if req.Topic == "" {
		return protocol.JoinGroupResponse{}, fmt.Errorf("%w: topic is required", protocol.ErrInvalidRequest)
	}
	if _, err := c.config.Topics.PartitionCount(req.Topic); err != nil {
		return protocol.JoinGroupResponse{}, err
	}

	now := c.config.Clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[req.GroupID]
	if !ok {
		group = newGroup(req.GroupID, now)
		c.groups[req.GroupID] = group
	}

	if req.MemberID != "" {
		member, ok := group.Members[req.MemberID]
		if !ok {
			return protocol.JoinGroupResponse{}, fmt.Errorf("%w: %s", protocol.ErrUnknownMember, req.MemberID)
		}
		member.deadline = now.Add(c.config.SessionTimeout)
		if member.Topic != req.Topic {
			member.Topic = req.Topic
			c.rebalanceLocked(group, "subscription changed", member.ID)
		} else {
			member.synced = true
			group.updateState()
		}
		return c.joinResponseLocked(group, member), nil
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = "consumer"
	}
	member := &Member{
		ID:       clientID + "-" + uuid.New().String(),
		ClientID: clientID,
		Topic:    req.Topic,
		JoinedAt: now,
		deadline: now.Add(c.config.SessionTimeout),
	}
	group.Members[member.ID] = member
	c.rebalanceLocked(group, "member joined", member.ID)

	c.logger.Info("member joined",
		"group", group.ID,
		"member", member.ID,
		"generation", group.Generation,
		"members", len(group.Members),
	)
	return c.joinResponseLocked(group, member), nil
}

func (c *Coordinator) joinResponseLocked(group *Group, member *Member) protocol.JoinGroupResponse {
	return protocol.JoinGroupResponse{
		MemberID:   member.ID,
		Generation: group.Generation,
		Assignment: append([]protocol.TopicPartition(nil), member.Assignment...),
		Members:    group.memberIDs(),
	}
}

// rebalanceLocked recomputes the assignment and starts a new generation.
func (c *Coordinator) rebalanceLocked(group *Group, reason, causedBy string) {
	subscriptions := make(map[string]string, len(group.Members))
	for id, m := range group.Members {
		subscriptions[id] = m.Topic
	}
	counts := make(map[string]int)
	for _, topic := range group.topics() {
		n, err := c.config.Topics.PartitionCount(topic)
		if err != nil {
			c.logger.Warn("subscribed topic unavailable", "group", group.ID, "topic", topic, "error", err)
			continue
		}
		counts[topic] = n
	}
	assignment := c.config.Assignor.Assign(subscriptions, counts)
	for id, m := range group.Members {
		m.Assignment = assignment[id]
	}

	group.bump(reason, causedBy)
	c.config.Metrics.RecordRebalance(group.ID, reason, group.Generation, len(group.Members))
	c.config.Metrics.SetActiveGroups(c.activeGroupsLocked())
}

func (c *Coordinator) activeGroupsLocked() int {
	n := 0
	for _, g := range c.groups {
		if len(g.Members) > 0 {
			n++
		}
	}
	return n
}

// Heartbeat extends the member's session. It refreshes the deadline even
// when the generation check fails, so a member that is about to rejoin is
// not expired in the meantime.
func (c *Coordinator) Heartbeat(req protocol.HeartbeatRequest) error {
	now := c.config.Clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[req.GroupID]
	if !ok {
		return fmt.Errorf("%w: group %s", protocol.ErrUnknownMember, req.GroupID)
	}
	member, ok := group.Members[req.MemberID]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownMember, req.MemberID)
	}
	member.deadline = now.Add(c.config.SessionTimeout)
	return group.checkGeneration(req.MemberID, req.Generation)
}

// LeaveGroup removes a member immediately and rebalances the rest.
func (c *Coordinator) LeaveGroup(req protocol.LeaveGroupRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[req.GroupID]
	if !ok {
		return fmt.Errorf("%w: group %s", protocol.ErrUnknownMember, req.GroupID)
	}
	if !group.removeMember(req.MemberID) {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownMember, req.MemberID)
	}
	c.rebalanceLocked(group, "member left", "")

	c.logger.Info("member left", "group", group.ID, "member", req.MemberID, "generation", group.Generation)
	return nil
}

// CheckGeneration validates a member's generation without side effects.
// Fetches that carry a group are gated on it.
func (c *Coordinator) CheckGeneration(groupID, memberID string, generation int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s", protocol.ErrUnknownMember, groupID)
	}
	return group.checkGeneration(memberID, generation)
}

// =============================================================================
// OFFSETS
// =============================================================================

// CommitOffset stores the last processed offset of a partition. Members must
// carry the current generation. A commit without a member ID is an
// administrative write and is only accepted while the group has no members.
func (c *Coordinator) CommitOffset(ctx context.Context, req protocol.CommitOffsetRequest) error {
	if err := ValidateGroupID(req.GroupID); err != nil {
		return err
	}
	if req.Topic == "" {
		return fmt.Errorf("%w: topic is required", protocol.ErrInvalidRequest)
	}
	if req.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", protocol.ErrInvalidRequest, req.Offset)
	}
	count, err := c.config.Topics.PartitionCount(req.Topic)
	if err != nil {
		return err
	}
	if req.Partition < 0 || int(req.Partition) >= count {
		return fmt.Errorf("%w: %s-%d", protocol.ErrPartitionNotFound, req.Topic, req.Partition)
	}

	if err := c.checkCommit(req); err != nil {
		c.config.Metrics.RecordCommitError(req.GroupID, string(protocol.CodeOf(err)))
		return err
	}

	err = c.config.Store.Commit(ctx, CommittedOffset{
		GroupID:     req.GroupID,
		Topic:       req.Topic,
		Partition:   req.Partition,
		Offset:      req.Offset,
		Generation:  req.Generation,
		CommittedAt: c.config.Clock(),
	})
	if err != nil {
		c.config.Metrics.RecordCommitError(req.GroupID, string(protocol.CodeOf(err)))
		return err
	}
	c.config.Metrics.RecordCommit(req.GroupID)
	return nil
}

func (c *Coordinator) checkCommit(req protocol.CommitOffsetRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[req.GroupID]
	if req.MemberID == "" {
		if ok && len(group.Members) > 0 {
			return fmt.Errorf("%w: group %s has active members", protocol.ErrUnknownMember, req.GroupID)
		}
		if req.Generation > 0 && (!ok || req.Generation != group.Generation) {
			return protocol.ErrStaleGeneration
		}
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: group %s", protocol.ErrUnknownMember, req.GroupID)
	}
	return group.checkGeneration(req.MemberID, req.Generation)
}

// FetchOffset returns the committed offset, Found=false and Offset=-1 when
// the group never committed for the partition.
func (c *Coordinator) FetchOffset(ctx context.Context, req protocol.FetchOffsetRequest) (protocol.FetchOffsetResponse, error) {
	if req.GroupID == "" || req.Topic == "" {
		return protocol.FetchOffsetResponse{}, fmt.Errorf("%w: group id and topic are required", protocol.ErrInvalidRequest)
	}
	offset, found, err := c.config.Store.Fetch(ctx, req.GroupID, req.Topic, req.Partition)
	if err != nil {
		return protocol.FetchOffsetResponse{}, err
	}
	if !found {
		return protocol.FetchOffsetResponse{Offset: -1}, nil
	}
	return protocol.FetchOffsetResponse{Offset: offset.Offset, Found: true}, nil
}

// GroupOffsets lists everything a group committed.
func (c *Coordinator) GroupOffsets(ctx context.Context, groupID string) ([]CommittedOffset, error) {
	return c.config.Store.GroupOffsets(ctx, groupID)
}

// =============================================================================
// ADMIN
// =============================================================================

// DescribeGroup snapshots a group.
func (c *Coordinator) DescribeGroup(groupID string) (GroupDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[groupID]
	if !ok {
		return GroupDescription{}, fmt.Errorf("%w: %s", protocol.ErrGroupNotFound, groupID)
	}
	return group.describe(), nil
}

// ListGroups returns the known group IDs, sorted.
func (c *Coordinator) ListGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteGroup removes an empty group and its committed offsets.
func (c *Coordinator) DeleteGroup(ctx context.Context, groupID string) error {
	if err := ValidateGroupID(groupID); err != nil {
		return err
	}
	c.mu.Lock()
	group, ok := c.groups[groupID]
	if ok {
		if len(group.Members) > 0 {
			c.mu.Unlock()
			return fmt.Errorf("%w: group %s has active members", protocol.ErrInvalidRequest, groupID)
		}
		group.State = GroupDead
		delete(c.groups, groupID)
	}
	c.mu.Unlock()

	if err := c.config.Store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	c.logger.Info("group deleted", "group", groupID)
	return nil
}

// =============================================================================
// SESSION MONITOR
// =============================================================================

// ExpireSessions removes members whose heartbeat deadline passed before now
// and rebalances their groups. Returns the number of members removed.
func (c *Coordinator) ExpireSessions(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, group := range c.groups {
		expired := group.expired(now)
		if len(expired) == 0 {
			continue
		}
		for _, id := range expired {
			group.removeMember(id)
			c.config.Metrics.RecordSessionTimeout(group.ID)
			c.logger.Warn("member session expired", "group", group.ID, "member", id)
		}
		removed += len(expired)
		c.rebalanceLocked(group, "session timeout", "")
	}
	return removed
}

// Start launches the session monitor.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.sessionMonitor()
	})
}

func (c *Coordinator) sessionMonitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.ExpireSessions(c.config.Clock())
		}
	}
}

// Close stops the session monitor and closes the offset store.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		err = c.config.Store.Close()
	})
	return err
}
