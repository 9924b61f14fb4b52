package protocol

import "fmt"

// NoPartition asks the broker side to route by the record key.
const NoPartition int32 = -1

// AnyBroker lets the server send a request to the partition's current
// leader. Broker IDs start at 1.
const AnyBroker int32 = 0

// Symbolic fetch positions. A fetch from OffsetEarliest starts at the oldest
// retained record; OffsetLatest starts at the end of what the isolation
// level can see, so it returns nothing until new records arrive.
const (
	OffsetLatest   int64 = -1
	OffsetEarliest int64 = -2
)

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// -----------------------------------------------------------------------------
// Produce
// -----------------------------------------------------------------------------

// ProduceRequest appends one record. Partition may be NoPartition, in which
// case the broker routes by Record.Key.
type ProduceRequest struct {
	// Broker addresses one node of the cluster; AnyBroker means the leader.
	Broker    int32    `json:"broker,omitempty"`
	Topic     string   `json:"topic"`
	Partition int32    `json:"partition"`
	Record    Record   `json:"record"`
	Acks      AckLevel `json:"acks"`

	// TimeoutMs bounds the AckAll wait. Zero uses the broker default.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// ProduceResponse reports where the record landed.
type ProduceResponse struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// -----------------------------------------------------------------------------
// Fetch
// -----------------------------------------------------------------------------

// FetchRequest reads records from one partition. When GroupID is set the
// generation is checked against the group coordinator first. FromOffset may
// be OffsetEarliest or OffsetLatest.
type FetchRequest struct {
	Broker     int32          `json:"broker,omitempty"`
	Topic      string         `json:"topic"`
	Partition  int32          `json:"partition"`
	FromOffset int64          `json:"from_offset"`
	MaxRecords int            `json:"max_records"`
	Isolation  IsolationLevel `json:"isolation,omitempty"`

	GroupID    string `json:"group_id,omitempty"`
	MemberID   string `json:"member_id,omitempty"`
	Generation int32  `json:"generation,omitempty"`
}

// FetchResponse carries records and the partition's high watermark.
type FetchResponse struct {
	Records        []Record `json:"records"`
	HighWatermark  int64    `json:"high_watermark"`
	LogStartOffset int64    `json:"log_start_offset"`
	LogEndOffset   int64    `json:"log_end_offset"`
}

// ReplicaFetchRequest is a follower pulling from its leader. FromOffset is
// the follower's log end, which is how the leader learns its progress.
type ReplicaFetchRequest struct {
	Topic      string `json:"topic"`
	Partition  int32  `json:"partition"`
	FollowerID int32  `json:"follower_id"`
	FromOffset int64  `json:"from_offset"`
	MaxRecords int    `json:"max_records"`
}

// -----------------------------------------------------------------------------
// Metadata
// -----------------------------------------------------------------------------

// MetadataRequest asks for the layout of one topic.
type MetadataRequest struct {
	Topic string `json:"topic"`
}

// PartitionMetadata is the routing view of one partition.
type PartitionMetadata struct {
	Partition int32   `json:"partition"`
	Leader    int32   `json:"leader"`
	Replicas  []int32 `json:"replicas"`
	ISR       []int32 `json:"isr"`
}

// MetadataResponse describes a topic.
type MetadataResponse struct {
	Topic             string              `json:"topic"`
	NumPartitions     int32               `json:"num_partitions"`
	ReplicationFactor int32               `json:"replication_factor"`
	Partitions        []PartitionMetadata `json:"partitions"`
}

// -----------------------------------------------------------------------------
// Consumer groups
// -----------------------------------------------------------------------------

// JoinGroupRequest adds (or re-adds) a member. An empty MemberID asks the
// coordinator to assign one.
type JoinGroupRequest struct {
	GroupID  string `json:"group_id"`
	MemberID string `json:"member_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Topic    string `json:"topic"`
}

// JoinGroupResponse returns the member's assignment for Generation.
type JoinGroupResponse struct {
	MemberID   string           `json:"member_id"`
	Generation int32            `json:"generation"`
	Assignment []TopicPartition `json:"assignment"`
	Members    []string         `json:"members,omitempty"`
}

// HeartbeatRequest keeps a member alive.
type HeartbeatRequest struct {
	GroupID    string `json:"group_id"`
	MemberID   string `json:"member_id"`
	Generation int32  `json:"generation"`
}

// LeaveGroupRequest removes a member immediately.
type LeaveGroupRequest struct {
	GroupID  string `json:"group_id"`
	MemberID string `json:"member_id"`
}

// CommitOffsetRequest stores the last processed offset of a partition.
type CommitOffsetRequest struct {
	GroupID    string `json:"group_id"`
	MemberID   string `json:"member_id,omitempty"`
	Topic      string `json:"topic"`
	Partition  int32  `json:"partition"`
	Offset     int64  `json:"offset"`
	Generation int32  `json:"generation"`
}

// FetchOffsetRequest reads a committed offset.
type FetchOffsetRequest struct {
	GroupID   string `json:"group_id"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

// FetchOffsetResponse has Found=false when nothing was committed yet.
type FetchOffsetResponse struct {
	Offset int64 `json:"offset"`
	Found  bool  `json:"found"`
}

// Ack is the empty success response.
type Ack struct{}

// ErrorResponse is the body of a failed HTTP call.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"error"`
}
