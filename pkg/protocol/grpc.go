package protocol

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// =============================================================================
// GRPC BINDING
// =============================================================================
//
// The wire structs above are plain Go structs, so the gRPC binding uses a JSON
// codec registered under the "json" content subtype instead of generated
// protobuf stubs. Clients select it per call with
// grpc.CallContentSubtype(JSONCodecName); the server finds it by subtype.
//
//   /logq.LogService/Produce       ProduceRequest      → ProduceResponse
//   /logq.LogService/Fetch         FetchRequest        → FetchResponse
//   /logq.LogService/Metadata      MetadataRequest     → MetadataResponse
//   /logq.LogService/JoinGroup     JoinGroupRequest    → JoinGroupResponse
//   /logq.LogService/Heartbeat     HeartbeatRequest    → Ack
//   /logq.LogService/LeaveGroup    LeaveGroupRequest   → Ack
//   /logq.LogService/CommitOffset  CommitOffsetRequest → Ack
//   /logq.LogService/FetchOffset   FetchOffsetRequest  → FetchOffsetResponse
//
// =============================================================================

const (
	// JSONCodecName is the content subtype of the logq gRPC service.
	JSONCodecName = "json"

	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "logq.LogService"

	MethodProduce      = "Produce"
	MethodFetch        = "Fetch"
	MethodMetadata     = "Metadata"
	MethodJoinGroup    = "JoinGroup"
	MethodHeartbeat    = "Heartbeat"
	MethodLeaveGroup   = "LeaveGroup"
	MethodCommitOffset = "CommitOffset"
	MethodFetchOffset  = "FetchOffset"

	// ErrorCodeTrailer carries the ErrorCode of a failed call in the gRPC
	// trailer; the status message carries the error text.
	ErrorCodeTrailer = "logq-error-code"
)

// FullMethod returns "/logq.LogService/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// JSONCodec marshals wire structs as JSON for gRPC.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string {
	return JSONCodecName
}

func init() {
	encoding.RegisterCodec(JSONCodec{})
}
