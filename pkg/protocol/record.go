package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Record is one entry of a partition log.
//
// Key is optional: a nil key means "no key" and the record is spread across
// partitions without ordering guarantees. Offset is assigned by the leader on
// append and never changes afterwards.
type Record struct {
	Key        []byte            `json:"key,omitempty"`
	Value      []byte            `json:"value"`
	Headers    map[string]string `json:"headers,omitempty"`
	ProducedAt time.Time         `json:"produced_at"`
	Offset     int64             `json:"offset"`

	// ProducerID and Sequence form the idempotency key of a retried send.
	// Zero values disable deduplication for the record.
	ProducerID string `json:"producer_id,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
}

// HasKey reports whether the record carries a routing key.
func (r Record) HasKey() bool {
	return r.Key != nil
}

// Size is the approximate payload size used for batching and metrics.
func (r Record) Size() int {
	n := len(r.Key) + len(r.Value)
	for k, v := range r.Headers {
		n += len(k) + len(v)
	}
	return n
}

// =============================================================================
// ACK LEVELS
// =============================================================================
//
//   AckNone    producer returns as soon as the request is handed to the
//              transport. A leader crash before append loses the record.
//   AckLeader  producer waits for the leader's local append.
//   AckAll     producer waits until every in-sync replica holds the offset.
//
// =============================================================================

// AckLevel is the durability contract a producer asks for.
type AckLevel int8

const (
	AckNone   AckLevel = 0
	AckLeader AckLevel = 1
	AckAll    AckLevel = -1
)

func (a AckLevel) String() string {
	switch a {
	case AckNone:
		return "none"
	case AckLeader:
		return "leader"
	case AckAll:
		return "all"
	default:
		return fmt.Sprintf("unknown(%d)", int8(a))
	}
}

// Valid reports whether a is one of the three defined levels.
func (a AckLevel) Valid() bool {
	return a == AckNone || a == AckLeader || a == AckAll
}

// ParseAckLevel accepts the names used in config files and CLI flags.
func ParseAckLevel(s string) (AckLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "none":
		return AckNone, nil
	case "1", "leader", "":
		return AckLeader, nil
	case "-1", "all":
		return AckAll, nil
	default:
		return AckLeader, fmt.Errorf("unknown ack level %q (supported: none, leader, all)", s)
	}
}

// MarshalText lets ack levels appear by name in YAML and JSON.
func (a AckLevel) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid ack level %d", int8(a))
	}
	return []byte(a.String()), nil
}

func (a *AckLevel) UnmarshalText(text []byte) error {
	level, err := ParseAckLevel(string(text))
	if err != nil {
		return err
	}
	*a = level
	return nil
}

// IsolationLevel controls how far a fetch may read.
type IsolationLevel int8

const (
	// ReadUncommitted reads up to the leader's log end.
	ReadUncommitted IsolationLevel = 0

	// ReadCommitted reads only up to the high watermark.
	ReadCommitted IsolationLevel = 1
)

func (l IsolationLevel) String() string {
	if l == ReadCommitted {
		return "read_committed"
	}
	return "read_uncommitted"
}
