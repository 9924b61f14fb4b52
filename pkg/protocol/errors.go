// =============================================================================
// ERROR TAXONOMY - ERRORS THAT CROSS THE WIRE
// =============================================================================
//
// Every error a client can observe from a broker is one of the sentinels
// below. Inside a process they are compared with errors.Is; across HTTP and
// gRPC they travel as a stable ErrorCode string and are turned back into the
// same sentinel on the client side.
//
//   ┌──────────────────────────────┬───────────────┬─────────────────────────┐
//   │ Error                        │ Retriable?    │ Caller action           │
//   ├──────────────────────────────┼───────────────┼─────────────────────────┤
//   │ TOPIC_NOT_FOUND              │ no            │ create topic / fix name │
//   │ PARTITION_NOT_FOUND          │ once          │ refresh metadata        │
//   │ NOT_LEADER_FOR_PARTITION     │ once          │ refresh metadata, retry │
//   │ OFFSET_OUT_OF_RANGE          │ no            │ reset read position     │
//   │ INSUFFICIENT_REPLICAS        │ no            │ surface to producer     │
//   │ DELIVERY_TIMEOUT             │ no            │ surface to producer     │
//   │ GROUP_REBALANCE_IN_PROGRESS  │ after rejoin  │ rejoin group            │
//   │ STALE_GENERATION             │ after rejoin  │ rejoin group            │
//   └──────────────────────────────┴───────────────┴─────────────────────────┘
//
// Durability and generation errors are never retried automatically: a blind
// retry could duplicate a produce or reorder a commit.
//
// =============================================================================

package protocol

import (
	"errors"
)

var (
	// ErrTopicNotFound means the topic is not registered in the directory.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrTopicExists is returned when registering a topic name twice.
	ErrTopicExists = errors.New("topic already exists")

	// ErrPartitionNotFound means the partition does not exist, or is not
	// hosted by the broker that received the request.
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrNotLeaderForPartition means the broker hosts the partition only as
	// a replica. Retriable after a metadata refresh.
	ErrNotLeaderForPartition = errors.New("not leader for partition")

	// ErrOffsetOutOfRange means the requested offset is negative, past the
	// log end, or below the oldest retained offset.
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// ErrInsufficientReplicas means an ack=all produce cannot be satisfied
	// by the current in-sync replica set.
	ErrInsufficientReplicas = errors.New("insufficient in-sync replicas")

	// ErrDeliveryTimeout means the ack=all wait exceeded its timeout.
	ErrDeliveryTimeout = errors.New("delivery timeout waiting for replicas")

	// ErrGroupRebalanceInProgress means the request carried a generation
	// older than the one the group is currently rebalancing to.
	ErrGroupRebalanceInProgress = errors.New("group rebalance in progress")

	// ErrStaleGeneration means the request carried a generation older than
	// the group's current stable generation.
	ErrStaleGeneration = errors.New("stale group generation")

	// ErrUnknownMember means the member is not (or no longer) in the group.
	ErrUnknownMember = errors.New("unknown group member")

	// ErrGroupNotFound means no member ever joined the group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrBrokerNotFound means the broker id is not registered.
	ErrBrokerNotFound = errors.New("broker not found")

	// ErrInvalidRecord means the record failed validation on the leader.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidRequest means a request is missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorCode is the wire name of an error.
type ErrorCode string

const (
	CodeNone                     ErrorCode = ""
	CodeTopicNotFound            ErrorCode = "TOPIC_NOT_FOUND"
	CodeTopicExists              ErrorCode = "TOPIC_ALREADY_EXISTS"
	CodePartitionNotFound        ErrorCode = "PARTITION_NOT_FOUND"
	CodeNotLeaderForPartition    ErrorCode = "NOT_LEADER_FOR_PARTITION"
	CodeOffsetOutOfRange         ErrorCode = "OFFSET_OUT_OF_RANGE"
	CodeInsufficientReplicas     ErrorCode = "INSUFFICIENT_REPLICAS"
	CodeDeliveryTimeout          ErrorCode = "DELIVERY_TIMEOUT"
	CodeGroupRebalanceInProgress ErrorCode = "GROUP_REBALANCE_IN_PROGRESS"
	CodeStaleGeneration          ErrorCode = "STALE_GENERATION"
	CodeUnknownMember            ErrorCode = "UNKNOWN_MEMBER"
	CodeGroupNotFound            ErrorCode = "GROUP_NOT_FOUND"
	CodeBrokerNotFound           ErrorCode = "BROKER_NOT_FOUND"
	CodeInvalidRecord            ErrorCode = "INVALID_RECORD"
	CodeInvalidRequest           ErrorCode = "INVALID_REQUEST"
	CodeUnknown                  ErrorCode = "UNKNOWN"
)

var codeTable = []struct {
	code ErrorCode
	err  error
}{
	{CodeTopicNotFound, ErrTopicNotFound},
	{CodeTopicExists, ErrTopicExists},
	{CodePartitionNotFound, ErrPartitionNotFound},
	{CodeNotLeaderForPartition, ErrNotLeaderForPartition},
	{CodeOffsetOutOfRange, ErrOffsetOutOfRange},
	{CodeInsufficientReplicas, ErrInsufficientReplicas},
	{CodeDeliveryTimeout, ErrDeliveryTimeout},
	{CodeGroupRebalanceInProgress, ErrGroupRebalanceInProgress},
	{CodeStaleGeneration, ErrStaleGeneration},
	{CodeUnknownMember, ErrUnknownMember},
	{CodeGroupNotFound, ErrGroupNotFound},
	{CodeBrokerNotFound, ErrBrokerNotFound},
	{CodeInvalidRecord, ErrInvalidRecord},
	{CodeInvalidRequest, ErrInvalidRequest},
}

// CodeOf returns the wire code for err. Wrapped sentinels resolve to their
// sentinel's code; anything else is CodeUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

// Err returns the sentinel for a code, or nil for CodeNone and unknown codes.
func (c ErrorCode) Err() error {
	for _, entry := range codeTable {
		if entry.code == c {
			return entry.err
		}
	}
	return nil
}

// ErrorForCode rebuilds an error received over the wire. Known codes wrap
// their sentinel so errors.Is keeps working on the client side.
func ErrorForCode(code ErrorCode, message string) error {
	if code == CodeNone {
		return nil
	}
	sentinel := code.Err()
	if sentinel == nil {
		if message == "" {
			message = string(code)
		}
		return errors.New(message)
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return &wireError{sentinel: sentinel, message: message}
}

type wireError struct {
	sentinel error
	message  string
}

func (e *wireError) Error() string { return e.message }
func (e *wireError) Unwrap() error { return e.sentinel }

// IsRetriable reports whether a client may retry after refreshing metadata.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrNotLeaderForPartition) ||
		errors.Is(err, ErrPartitionNotFound)
}

// NeedsRejoin reports whether a consumer must rejoin its group.
func NeedsRejoin(err error) bool {
	return errors.Is(err, ErrGroupRebalanceInProgress) ||
		errors.Is(err, ErrStaleGeneration) ||
		errors.Is(err, ErrUnknownMember)
}
