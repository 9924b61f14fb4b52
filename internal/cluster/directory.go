// =============================================================================
// CLUSTER DIRECTORY - TOPIC, PARTITION AND BROKER METADATA
// =============================================================================
//
// The directory is the single owner of partition metadata. Everything else
// looks partitions up by (topic, partition) through it:
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │                           DIRECTORY                                  │
//   │                                                                      │
//   │   topics:  "orders" → config + [p0, p1, p2]                          │
//   │                         p0: leader=1 epoch=0 replicas=[1 2] isr=[1 2]│
//   │                                                                      │
//   │   brokers: 1 → alive   2 → alive   3 → dead                          │
//   │                                                                      │
//   │   listeners: OnLeaderChange(fn)  OnBrokerChange(fn)                  │
//   └──────────────────────────────────────────────────────────────────────┘
//
// WHO WRITES WHAT:
//   - RegisterTopic / RegisterBroker       administrative setup
//   - SetLeader                            the external leader elector only
//   - SetISR                               the partition leader's ISR tracker
//   - SetBrokerAlive                       the membership / failure detector
//
// The directory never decides leadership. It records leadership facts and
// tells listeners about them.
//
// =============================================================================

package cluster

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"logq/pkg/protocol"
)

// LeaderLookup is the read side of leader election that the core consumes.
type LeaderLookup interface {
	GetLeader(topic string, partition int32) (BrokerID, error)
	OnLeaderChange(fn func(LeaderChange))
}

// DirectoryConfig configures a Directory.
type DirectoryConfig struct {
	// Placement assigns replicas for new topics. Defaults to round robin.
	Placement Placement

	Logger *slog.Logger
}

type topicEntry struct {
	config     TopicConfig
	partitions []*PartitionInfo
	createdAt  time.Time
}

// Directory holds cluster metadata. Safe for concurrent use.
type Directory struct {
	mu sync.RWMutex

	brokers map[BrokerID]*BrokerInfo
	topics  map[string]*topicEntry

	placement Placement

	listenerMu      sync.RWMutex
	leaderListeners []func(LeaderChange)
	brokerListeners []func(BrokerInfo)

	logger *slog.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory(config DirectoryConfig) *Directory {
	if config.Placement == nil {
		config.Placement = RoundRobinPlacement{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		brokers:   make(map[BrokerID]*BrokerInfo),
		topics:    make(map[string]*topicEntry),
		placement: config.Placement,
		logger:    logger.With("component", "directory"),
	}
}

// =============================================================================
// BROKERS
// =============================================================================

// RegisterBroker adds a live broker. Re-registering updates the address.
func (d *Directory) RegisterBroker(id BrokerID, address string) {
	d.mu.Lock()
	info, ok := d.brokers[id]
	if !ok {
		info = &BrokerInfo{ID: id}
		d.brokers[id] = info
	}
	info.Address = address
	wasAlive := info.Alive
	info.Alive = true
	if !wasAlive {
		info.Since = time.Now()
	}
	snapshot := *info
	d.mu.Unlock()

	d.logger.Info("broker registered", "broker", id, "address", address)
	if !wasAlive && ok {
		d.notifyBroker(snapshot)
	}
}

// SetBrokerAlive records a liveness change reported by the membership layer.
func (d *Directory) SetBrokerAlive(id BrokerID, alive bool) error {
	d.mu.Lock()
	info, ok := d.brokers[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", protocol.ErrBrokerNotFound, id)
	}
	if info.Alive == alive {
		d.mu.Unlock()
		return nil
	}
	info.Alive = alive
	info.Since = time.Now()
	snapshot := *info
	d.mu.Unlock()

	d.logger.Info("broker liveness changed", "broker", id, "alive", alive)
	d.notifyBroker(snapshot)
	return nil
}

// IsAlive reports whether a registered broker is alive.
func (d *Directory) IsAlive(id BrokerID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.brokers[id]
	return ok && info.Alive
}

// Broker returns one broker's info.
func (d *Directory) Broker(id BrokerID) (BrokerInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.brokers[id]
	if !ok {
		return BrokerInfo{}, fmt.Errorf("%w: %d", protocol.ErrBrokerNotFound, id)
	}
	return *info, nil
}

// Brokers lists all brokers sorted by id.
func (d *Directory) Brokers() []BrokerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]BrokerInfo, 0, len(d.brokers))
	for _, info := range d.brokers {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) liveBrokersLocked() []BrokerID {
	ids := make([]BrokerID, 0, len(d.brokers))
	for id, info := range d.brokers {
		if info.Alive {
			ids = append(ids, id)
		}
	}
	return ids
}

// =============================================================================
// TOPICS
// =============================================================================

// RegisterTopic creates a topic and places its replicas on live brokers.
// The first replica of each partition starts as leader; every replica
// starts in the ISR.
func (d *Directory) RegisterTopic(config TopicConfig) ([]PartitionInfo, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, exists := d.topics[config.Name]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", protocol.ErrTopicExists, config.Name)
	}

	layout, err := d.placement.Place(config.Name, config.NumPartitions, config.ReplicationFactor, d.liveBrokersLocked())
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to place topic %s: %w", config.Name, err)
	}

	entry := &topicEntry{
		config:     config,
		partitions: make([]*PartitionInfo, config.NumPartitions),
		createdAt:  time.Now(),
	}
	out := make([]PartitionInfo, config.NumPartitions)
	for p, replicas := range layout {
		info := &PartitionInfo{
			Topic:     config.Name,
			Partition: int32(p),
			Leader:    replicas[0],
			Replicas:  replicas,
			ISR:       append([]BrokerID(nil), replicas...),
		}
		entry.partitions[p] = info
		out[p] = info.Clone()
	}
	d.topics[config.Name] = entry
	d.mu.Unlock()

	d.logger.Info("topic registered",
		"topic", config.Name,
		"partitions", config.NumPartitions,
		"replication_factor", config.ReplicationFactor,
	)
	return out, nil
}

// Topic returns a topic's config.
func (d *Directory) Topic(name string) (TopicConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.topics[name]
	if !ok {
		return TopicConfig{}, fmt.Errorf("%w: %s", protocol.ErrTopicNotFound, name)
	}
	return entry.config, nil
}

// PartitionCount returns how many partitions a topic has.
func (d *Directory) PartitionCount(topic string) (int, error) {
	config, err := d.Topic(topic)
	if err != nil {
		return 0, err
	}
	return config.NumPartitions, nil
}

// Topics lists topic names in sorted order.
func (d *Directory) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.topics))
	for name := range d.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Directory) partitionLocked(topic string, partition int32) (*PartitionInfo, error) {
	entry, ok := d.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrTopicNotFound, topic)
	}
	if partition < 0 || int(partition) >= len(entry.partitions) {
		return nil, fmt.Errorf("%w: %s-%d", protocol.ErrPartitionNotFound, topic, partition)
	}
	return entry.partitions[partition], nil
}

// Partition returns a copy of one partition's metadata.
func (d *Directory) Partition(topic string, partition int32) (PartitionInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, err := d.partitionLocked(topic, partition)
	if err != nil {
		return PartitionInfo{}, err
	}
	return info.Clone(), nil
}

// Partitions returns copies of every partition of a topic.
func (d *Directory) Partitions(topic string) ([]PartitionInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrTopicNotFound, topic)
	}
	out := make([]PartitionInfo, len(entry.partitions))
	for i, info := range entry.partitions {
		out[i] = info.Clone()
	}
	return out, nil
}

// PartitionsOf lists every partition a broker is a replica of.
func (d *Directory) PartitionsOf(id BrokerID) []PartitionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []PartitionInfo
	for _, entry := range d.topics {
		for _, info := range entry.partitions {
			if info.HasReplica(id) {
				out = append(out, info.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// =============================================================================
// LEADERSHIP & ISR
// =============================================================================

// GetLeader returns the current leader of a partition.
func (d *Directory) GetLeader(topic string, partition int32) (BrokerID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, err := d.partitionLocked(topic, partition)
	if err != nil {
		return NoBroker, err
	}
	return info.Leader, nil
}

// Replicas returns the ordered replica list of a partition.
func (d *Directory) Replicas(topic string, partition int32) ([]BrokerID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, err := d.partitionLocked(topic, partition)
	if err != nil {
		return nil, err
	}
	return append([]BrokerID(nil), info.Replicas...), nil
}

// ISR returns the in-sync replica set of a partition.
func (d *Directory) ISR(topic string, partition int32) ([]BrokerID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, err := d.partitionLocked(topic, partition)
	if err != nil {
		return nil, err
	}
	return append([]BrokerID(nil), info.ISR...), nil
}

// SetLeader records a leadership decision made by the external elector.
// The new leader must be one of the partition's replicas; the leader epoch
// increases on every change.
func (d *Directory) SetLeader(topic string, partition int32, leader BrokerID) error {
	d.mu.Lock()
	info, err := d.partitionLocked(topic, partition)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if leader != NoBroker && !info.HasReplica(leader) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s is not a replica of %s-%d", protocol.ErrBrokerNotFound, leader, topic, partition)
	}
	if info.Leader == leader {
		d.mu.Unlock()
		return nil
	}

	change := LeaderChange{
		TopicPartition: info.TopicPartition(),
		Previous:       info.Leader,
		Leader:         leader,
		Epoch:          info.LeaderEpoch + 1,
		Replicas:       append([]BrokerID(nil), info.Replicas...),
	}
	info.Leader = leader
	info.LeaderEpoch = change.Epoch
	if leader != NoBroker && !info.InISR(leader) {
		info.ISR = append(info.ISR, leader)
	}
	d.mu.Unlock()

	d.logger.Info("partition leader changed",
		"topic", topic,
		"partition", partition,
		"previous", change.Previous,
		"leader", leader,
		"epoch", change.Epoch,
	)
	d.notifyLeader(change)
	return nil
}

// SetISR replaces the in-sync replica set. Every member must be a replica.
func (d *Directory) SetISR(topic string, partition int32, isr []BrokerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, err := d.partitionLocked(topic, partition)
	if err != nil {
		return err
	}
	for _, id := range isr {
		if !info.HasReplica(id) {
			return fmt.Errorf("%w: %s is not a replica of %s-%d", protocol.ErrBrokerNotFound, id, topic, partition)
		}
	}
	info.ISR = append([]BrokerID(nil), isr...)
	return nil
}

// Metadata builds the wire description of a topic.
func (d *Directory) Metadata(topic string) (protocol.MetadataResponse, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.topics[topic]
	if !ok {
		return protocol.MetadataResponse{}, fmt.Errorf("%w: %s", protocol.ErrTopicNotFound, topic)
	}

	resp := protocol.MetadataResponse{
		Topic:             topic,
		NumPartitions:     int32(entry.config.NumPartitions),
		ReplicationFactor: int32(entry.config.ReplicationFactor),
		Partitions:        make([]protocol.PartitionMetadata, len(entry.partitions)),
	}
	for i, info := range entry.partitions {
		resp.Partitions[i] = protocol.PartitionMetadata{
			Partition: info.Partition,
			Leader:    int32(info.Leader),
			Replicas:  toInt32s(info.Replicas),
			ISR:       toInt32s(info.ISR),
		}
	}
	return resp, nil
}

// =============================================================================
// LISTENERS
// =============================================================================

// OnLeaderChange registers a callback for leadership changes. Callbacks run
// synchronously after the directory lock is released.
func (d *Directory) OnLeaderChange(fn func(LeaderChange)) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.leaderListeners = append(d.leaderListeners, fn)
}

// OnBrokerChange registers a callback for broker liveness changes.
func (d *Directory) OnBrokerChange(fn func(BrokerInfo)) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.brokerListeners = append(d.brokerListeners, fn)
}

func (d *Directory) notifyLeader(change LeaderChange) {
	d.listenerMu.RLock()
	listeners := append([]func(LeaderChange){}, d.leaderListeners...)
	d.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

func (d *Directory) notifyBroker(info BrokerInfo) {
	d.listenerMu.RLock()
	listeners := append([]func(BrokerInfo){}, d.brokerListeners...)
	d.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(info)
	}
}

var _ LeaderLookup = (*Directory)(nil)
