// =============================================================================
// CLUSTER TYPES
// =============================================================================
//
// Identifiers and metadata records shared by the cluster directory, the broker
// nodes and the clients.
//
//   ┌──────────────┐   owns   ┌───────────────────────────────────────────┐
//   │  Directory   │ ───────► │ topic → []PartitionInfo                   │
//   │              │          │   leader, leaderEpoch, replicas, isr      │
//   │              │ ───────► │ broker → BrokerInfo (alive?)              │
//   └──────────────┘          └───────────────────────────────────────────┘
//           ▲
//           │ lookup by (topic, partition)
//   ┌───────┴──────┐
//   │ Broker Node  │  holds TopicPartition keys, never *PartitionInfo
//   └──────────────┘
//
// =============================================================================

package cluster

import (
	"fmt"
	"strings"
	"time"

	"logq/pkg/protocol"
)

// BrokerID identifies a broker node. IDs are small positive integers.
type BrokerID int32

// NoBroker marks a partition without a leader.
const NoBroker BrokerID = -1

func (id BrokerID) String() string {
	return fmt.Sprintf("broker-%d", int32(id))
}

// Role is how a broker hosts a partition.
type Role int

const (
	RoleReplica Role = iota
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "LEADER"
	case RoleReplica:
		return "REPLICA"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// TopicConfig describes a topic at creation time. NumPartitions and
// ReplicationFactor never change afterwards.
type TopicConfig struct {
	Name              string        `yaml:"name" json:"name"`
	NumPartitions     int           `yaml:"partitions" json:"partitions"`
	ReplicationFactor int           `yaml:"replication_factor" json:"replication_factor"`
	Retention         time.Duration `yaml:"retention" json:"retention"`

	// MinInSyncReplicas overrides the cluster default for ack=all produces.
	// Zero means "use the default".
	MinInSyncReplicas int `yaml:"min_insync_replicas" json:"min_insync_replicas,omitempty"`

	// ValueSchema is an optional JSON schema every record value must match.
	ValueSchema string `yaml:"value_schema" json:"value_schema,omitempty"`
}

// Validate checks the static constraints of a topic config.
func (c TopicConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name must not be empty")
	}
	if strings.ContainsAny(c.Name, " /\\\t\n") {
		problems = append(problems, fmt.Sprintf("name %q contains whitespace or slashes", c.Name))
	}
	if c.NumPartitions <= 0 {
		problems = append(problems, fmt.Sprintf("partitions must be > 0, got %d", c.NumPartitions))
	}
	if c.ReplicationFactor <= 0 {
		problems = append(problems, fmt.Sprintf("replication_factor must be > 0, got %d", c.ReplicationFactor))
	}
	if c.MinInSyncReplicas < 0 || c.MinInSyncReplicas > c.ReplicationFactor {
		problems = append(problems, fmt.Sprintf("min_insync_replicas %d outside [0, %d]", c.MinInSyncReplicas, c.ReplicationFactor))
	}
	if c.Retention < 0 {
		problems = append(problems, "retention must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: topic %q: %s", protocol.ErrInvalidRequest, c.Name, strings.Join(problems, "; "))
	}
	return nil
}

// BrokerInfo is the directory's view of one broker.
type BrokerInfo struct {
	ID      BrokerID  `json:"id"`
	Address string    `json:"address,omitempty"`
	Alive   bool      `json:"alive"`
	Since   time.Time `json:"since"`
}

// PartitionInfo is the directory's record of one partition.
type PartitionInfo struct {
	Topic       string     `json:"topic"`
	Partition   int32      `json:"partition"`
	Leader      BrokerID   `json:"leader"`
	LeaderEpoch int32      `json:"leader_epoch"`
	Replicas    []BrokerID `json:"replicas"`
	ISR         []BrokerID `json:"isr"`
}

// TopicPartition returns the lookup key of the partition.
func (p PartitionInfo) TopicPartition() protocol.TopicPartition {
	return protocol.TopicPartition{Topic: p.Topic, Partition: p.Partition}
}

// Clone returns a deep copy safe to hand out of the directory lock.
func (p PartitionInfo) Clone() PartitionInfo {
	p.Replicas = append([]BrokerID(nil), p.Replicas...)
	p.ISR = append([]BrokerID(nil), p.ISR...)
	return p
}

// HasReplica reports whether id is in the replica set.
func (p PartitionInfo) HasReplica(id BrokerID) bool {
	return containsBroker(p.Replicas, id)
}

// InISR reports whether id is in the in-sync replica set.
func (p PartitionInfo) InISR(id BrokerID) bool {
	return containsBroker(p.ISR, id)
}

// LeaderChange is delivered to OnLeaderChange listeners.
type LeaderChange struct {
	TopicPartition protocol.TopicPartition
	Previous       BrokerID
	Leader         BrokerID
	Epoch          int32
	Replicas       []BrokerID
}

func containsBroker(ids []BrokerID, id BrokerID) bool {
	for _, b := range ids {
		if b == id {
			return true
		}
	}
	return false
}

func toInt32s(ids []BrokerID) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}
