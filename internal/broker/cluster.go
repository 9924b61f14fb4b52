// =============================================================================
// CLUSTER - THE CONTEXT EVERY CLIENT REQUEST GOES THROUGH
// =============================================================================
//
// A Cluster wires the pieces of a logq deployment together inside one
// process:
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │                               CLUSTER                                │
//   │                                                                      │
//   │   Directory ◄─── FailoverElector (broker dead ─► new leader)         │
//   │      │                                                               │
//   │      │ OnLeaderChange ─► new leader Promote, other replicas Demote   │
//   │      ▼                                                               │
//   │   Node 1     Node 2     Node 3        each hosts replicas and pulls  │
//   │     ▲          ▲          ▲           from the leader via Peers      │
//   │     └──────────┴──────────┘                                          │
//   │          Produce / Fetch routed by Broker (AnyBroker = leader)       │
//   │                                                                      │
//   │   Coordinator                 consumer groups, committed offsets     │
//   └──────────────────────────────────────────────────────────────────────┘
//
// Cluster implements the request surface shared by the HTTP and gRPC
// servers and by in-process clients, so the same client code runs against
// a remote server or a Cluster value in a test.
//
// ADDRESSING:
//   Requests carry Broker. AnyBroker routes to the current leader; a
//   concrete id goes to that node, which answers ErrNotLeaderForPartition
//   when it does not lead. A client that cached stale metadata sees that
//   error, refreshes, and retries once.
//
// =============================================================================

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"logq/internal/cluster"
	"logq/internal/coordinator"
	"logq/internal/metrics"
	"logq/internal/storage"
	"logq/pkg/protocol"
)

// BrokerConfig names one broker of the cluster.
type BrokerConfig struct {
	ID      cluster.BrokerID `yaml:"id" json:"id"`
	Address string           `yaml:"address" json:"address,omitempty"`
}

// ClusterConfig configures a Cluster.
type ClusterConfig struct {
	Brokers []BrokerConfig

	// Placement assigns replicas to brokers. Defaults to round robin.
	Placement cluster.Placement

	// UncleanElection lets a replica outside the ISR take over a partition
	// when no in-sync replica is alive.
	UncleanElection bool

	Replication ReplicationConfig

	// Groups configures the group coordinator. Topics, Metrics and Logger
	// are filled in by the cluster.
	Groups coordinator.Config

	// OpenLog builds the log opener of one broker. Defaults to in-memory
	// logs; FileLogOpener persists them.
	OpenLog func(id cluster.BrokerID) LogOpener

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// FileLogOpener stores each replica under
// <dataDir>/broker-<id>/<topic>-<partition>/.
func FileLogOpener(dataDir string, opts storage.FileStoreOptions) func(id cluster.BrokerID) LogOpener {
	return func(id cluster.BrokerID) LogOpener {
		return func(tp protocol.TopicPartition) (*storage.Log, error) {
			dir := filepath.Join(dataDir, fmt.Sprintf("broker-%d", id), tp.String())
			store, err := storage.OpenFileStore(dir, opts)
			if err != nil {
				return nil, err
			}
			return storage.OpenLog(store)
		}
	}
}

// Cluster owns the directory, the nodes and the group coordinator.
type Cluster struct {
	directory   *cluster.Directory
	elector     *cluster.FailoverElector
	coordinator *coordinator.Coordinator
	nodes       map[cluster.BrokerID]*Node

	// routes caches the routing view of each topic.
	routesMu sync.RWMutex
	routes   map[string]*cluster.Topic

	replMetrics *metrics.ReplicationMetrics
	logger      *slog.Logger

	closeOnce sync.Once
}

// NewCluster builds the cluster described by config. Call Start to begin
// replication and session monitoring.
func NewCluster(config ClusterConfig) (*Cluster, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("%w: a cluster needs at least one broker", protocol.ErrInvalidRequest)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cluster{
		directory: cluster.NewDirectory(cluster.DirectoryConfig{
			Placement: config.Placement,
			Logger:    logger,
		}),
		nodes:       make(map[cluster.BrokerID]*Node, len(config.Brokers)),
		routes:      make(map[string]*cluster.Topic),
		replMetrics: config.Metrics.ReplicationRecorder(),
		logger:      logger.With("component", "cluster"),
	}

	for _, b := range config.Brokers {
		if b.ID <= 0 {
			return nil, fmt.Errorf("%w: broker ids start at 1, got %d", protocol.ErrInvalidRequest, b.ID)
		}
		if _, dup := c.nodes[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate broker id %d", protocol.ErrInvalidRequest, b.ID)
		}
		var openLog LogOpener
		if config.OpenLog != nil {
			openLog = config.OpenLog(b.ID)
		}
		node, err := NewNode(NodeConfig{
			ID:          b.ID,
			Directory:   c.directory,
			OpenLog:     openLog,
			Peers:       c.peer,
			OnAppend:    c.wakeFollowers,
			Replication: config.Replication,
			Metrics:     config.Metrics,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		c.nodes[b.ID] = node
		c.directory.RegisterBroker(b.ID, b.Address)
	}

	c.elector = cluster.NewFailoverElector(c.directory, cluster.ElectorConfig{
		UncleanElection: config.UncleanElection,
		Logger:          logger,
	})
	c.directory.OnLeaderChange(c.handleLeaderChange)

	groups := config.Groups
	groups.Topics = c.directory
	groups.Metrics = config.Metrics.GroupRecorder()
	groups.Logger = logger
	coord, err := coordinator.New(groups)
	if err != nil {
		return nil, err
	}
	c.coordinator = coord

	return c, nil
}

// Start begins replication on every live node and the session monitor.
func (c *Cluster) Start() {
	for id, node := range c.nodes {
		if c.directory.IsAlive(id) {
			node.Start()
		}
	}
	c.coordinator.Start()
	c.logger.Info("cluster started", "brokers", len(c.nodes))
}

// Close stops everything and closes every log and the offset store.
func (c *Cluster) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		if err := c.coordinator.Close(); err != nil {
			firstErr = err
		}
		for _, node := range c.nodes {
			if err := node.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Directory exposes the cluster metadata.
func (c *Cluster) Directory() *cluster.Directory {
	return c.directory
}

// Coordinator exposes the group coordinator.
func (c *Cluster) Coordinator() *coordinator.Coordinator {
	return c.coordinator
}

// Node returns one broker's node.
func (c *Cluster) Node(id cluster.BrokerID) (*Node, error) {
	node, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", protocol.ErrBrokerNotFound, id)
	}
	return node, nil
}

// BrokerIDs lists broker ids in ascending order.
func (c *Cluster) BrokerIDs() []cluster.BrokerID {
	ids := make([]cluster.BrokerID, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// CreateTopic registers a topic and has every replica start hosting its
// partitions. The first replica of each partition leads.
func (c *Cluster) CreateTopic(config cluster.TopicConfig) (protocol.MetadataResponse, error) {
	if _, err := NewSchemaValidator(config.ValueSchema); err != nil {
		return protocol.MetadataResponse{}, err
	}
	partitions, err := c.directory.RegisterTopic(config)
	if err != nil {
		return protocol.MetadataResponse{}, err
	}

	for _, info := range partitions {
		tp := info.TopicPartition()
		for _, id := range info.Replicas {
			role := cluster.RoleReplica
			if id == info.Leader {
				role = cluster.RoleLeader
			}
			if err := c.nodes[id].HostPartition(tp, role); err != nil {
				return protocol.MetadataResponse{}, fmt.Errorf("failed to host %s on %s: %w", tp, id, err)
			}
		}
	}

	c.routesMu.Lock()
	c.routes[config.Name] = cluster.NewTopic(config)
	c.routesMu.Unlock()

	c.logger.Info("topic created",
		"topic", config.Name,
		"partitions", config.NumPartitions,
		"replication_factor", config.ReplicationFactor,
	)
	return c.directory.Metadata(config.Name)
}

// Topics lists topic names.
func (c *Cluster) Topics() []string {
	return c.directory.Topics()
}

// SetBrokerAlive is the membership hook. A broker marked dead stops
// replicating and serving; its partitions fail over to surviving in-sync
// replicas. A broker marked alive resumes as a follower and catches up.
func (c *Cluster) SetBrokerAlive(id cluster.BrokerID, alive bool) error {
	node, err := c.Node(id)
	if err != nil {
		return err
	}
	if alive {
		node.Start()
		if err := c.directory.SetBrokerAlive(id, true); err != nil {
			return err
		}
	} else {
		node.Stop()
		if err := c.directory.SetBrokerAlive(id, false); err != nil {
			return err
		}
	}

	// acks=all waiters re-check ISR liveness.
	for _, n := range c.nodes {
		n.Nudge()
	}
	return nil
}

func (c *Cluster) handleLeaderChange(change cluster.LeaderChange) {
	tp := change.TopicPartition
	c.replMetrics.RecordLeaderChange(tp.Topic)

	// The new leader goes first so followers that start fetching find it.
	if node, ok := c.nodes[change.Leader]; ok {
		if err := node.Promote(tp); err != nil {
			c.logger.Error("promote failed", "partition", tp.String(), "broker", change.Leader, "error", err)
		}
	}
	for _, id := range change.Replicas {
		if id == change.Leader {
			continue
		}
		if err := c.nodes[id].Demote(tp); err != nil {
			c.logger.Error("demote failed", "partition", tp.String(), "broker", id, "error", err)
		}
	}
}

// peer resolves the leader a follower fetches from. Dead brokers are
// unreachable.
func (c *Cluster) peer(id cluster.BrokerID) (Peer, error) {
	node, ok := c.nodes[id]
	if !ok || !c.directory.IsAlive(id) || !node.Running() {
		return nil, fmt.Errorf("%w: %d is unreachable", protocol.ErrBrokerNotFound, id)
	}
	return node, nil
}

// wakeFollowers shortens replication latency after a leader append.
func (c *Cluster) wakeFollowers(tp protocol.TopicPartition) {
	replicas, err := c.directory.Replicas(tp.Topic, tp.Partition)
	if err != nil {
		return
	}
	for _, id := range replicas {
		if node, ok := c.nodes[id]; ok {
			node.WakeReplicator(tp)
		}
	}
}

// =============================================================================
// REQUEST SURFACE
// =============================================================================

func (c *Cluster) route(topic string) (*cluster.Topic, error) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()

	t, ok := c.routes[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrTopicNotFound, topic)
	}
	return t, nil
}

// target picks the node a partition request is addressed to.
func (c *Cluster) target(broker int32, tp protocol.TopicPartition) (*Node, error) {
	id := cluster.BrokerID(broker)
	if broker == protocol.AnyBroker {
		leader, err := c.directory.GetLeader(tp.Topic, tp.Partition)
		if err != nil {
			return nil, err
		}
		if leader == cluster.NoBroker {
			return nil, fmt.Errorf("%w: %s has no live leader", protocol.ErrNotLeaderForPartition, tp)
		}
		id = leader
	}
	node, ok := c.nodes[id]
	if !ok || !c.directory.IsAlive(id) {
		return nil, fmt.Errorf("%w: %d is unreachable", protocol.ErrBrokerNotFound, id)
	}
	return node, nil
}

// Produce appends one record. NoPartition routes by key.
func (c *Cluster) Produce(ctx context.Context, req protocol.ProduceRequest) (protocol.ProduceResponse, error) {
	if !req.Acks.Valid() {
		return protocol.ProduceResponse{}, fmt.Errorf("%w: ack level %d", protocol.ErrInvalidRequest, req.Acks)
	}
	topic, err := c.route(req.Topic)
	if err != nil {
		return protocol.ProduceResponse{}, err
	}
	if req.Partition == protocol.NoPartition {
		req.Partition = topic.RouteToPartition(req.Record.Key)
	}
	if req.Partition < 0 || int(req.Partition) >= topic.NumPartitions() {
		return protocol.ProduceResponse{}, fmt.Errorf("%w: %s-%d", protocol.ErrPartitionNotFound, req.Topic, req.Partition)
	}
	if req.Record.ProducedAt.IsZero() {
		req.Record.ProducedAt = time.Now().UTC()
	}

	node, err := c.target(req.Broker, protocol.TopicPartition{Topic: req.Topic, Partition: req.Partition})
	if err != nil {
		return protocol.ProduceResponse{}, err
	}
	return node.HandleProduce(ctx, req)
}

// Fetch reads from one partition. A request that names a group is fenced
// on the member's generation first.
func (c *Cluster) Fetch(ctx context.Context, req protocol.FetchRequest) (protocol.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return protocol.FetchResponse{}, err
	}
	if req.GroupID != "" {
		if err := c.coordinator.CheckGeneration(req.GroupID, req.MemberID, req.Generation); err != nil {
			return protocol.FetchResponse{}, err
		}
	}
	if _, err := c.route(req.Topic); err != nil {
		return protocol.FetchResponse{}, err
	}
	node, err := c.target(req.Broker, protocol.TopicPartition{Topic: req.Topic, Partition: req.Partition})
	if err != nil {
		return protocol.FetchResponse{}, err
	}
	return node.HandleFetch(req)
}

// Metadata describes a topic's partitions, leaders and ISRs.
func (c *Cluster) Metadata(_ context.Context, req protocol.MetadataRequest) (protocol.MetadataResponse, error) {
	return c.directory.Metadata(req.Topic)
}

func (c *Cluster) JoinGroup(_ context.Context, req protocol.JoinGroupRequest) (protocol.JoinGroupResponse, error) {
	return c.coordinator.JoinGroup(req)
}

func (c *Cluster) Heartbeat(_ context.Context, req protocol.HeartbeatRequest) error {
	return c.coordinator.Heartbeat(req)
}

func (c *Cluster) LeaveGroup(_ context.Context, req protocol.LeaveGroupRequest) error {
	return c.coordinator.LeaveGroup(req)
}

func (c *Cluster) CommitOffset(ctx context.Context, req protocol.CommitOffsetRequest) error {
	return c.coordinator.CommitOffset(ctx, req)
}

func (c *Cluster) FetchOffset(ctx context.Context, req protocol.FetchOffsetRequest) (protocol.FetchOffsetResponse, error) {
	return c.coordinator.FetchOffset(ctx, req)
}
