package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"logq/pkg/protocol"
)

// =============================================================================
// LOG SERVICE
// =============================================================================
//
// There is no .proto file: the request and response types are the structs
// in pkg/protocol, carried by the JSON codec registered there. The service
// descriptor below is what protoc-gen-go-grpc would have generated, with one
// generic handler instead of eight copies.
//
// =============================================================================

// Backend is what the service calls into. broker.Cluster implements it.
type Backend interface {
	Produce(ctx context.Context, req protocol.ProduceRequest) (protocol.ProduceResponse, error)
	Fetch(ctx context.Context, req protocol.FetchRequest) (protocol.FetchResponse, error)
	Metadata(ctx context.Context, req protocol.MetadataRequest) (protocol.MetadataResponse, error)
	JoinGroup(ctx context.Context, req protocol.JoinGroupRequest) (protocol.JoinGroupResponse, error)
	Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error
	LeaveGroup(ctx context.Context, req protocol.LeaveGroupRequest) error
	CommitOffset(ctx context.Context, req protocol.CommitOffsetRequest) error
	FetchOffset(ctx context.Context, req protocol.FetchOffsetRequest) (protocol.FetchOffsetResponse, error)
}

// RegisterLogService registers logq.LogService on s.
func RegisterLogService(s *grpc.Server, backend Backend) {
	s.RegisterService(&logServiceDesc, backend)
}

var logServiceDesc = grpc.ServiceDesc{
	ServiceName: protocol.ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		unary(protocol.MethodProduce, Backend.Produce),
		unary(protocol.MethodFetch, Backend.Fetch),
		unary(protocol.MethodMetadata, Backend.Metadata),
		unary(protocol.MethodJoinGroup, Backend.JoinGroup),
		unary(protocol.MethodHeartbeat, ackOnly(Backend.Heartbeat)),
		unary(protocol.MethodLeaveGroup, ackOnly(Backend.LeaveGroup)),
		unary(protocol.MethodCommitOffset, ackOnly(Backend.CommitOffset)),
		unary(protocol.MethodFetchOffset, Backend.FetchOffset),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "logq/pkg/protocol",
}

// unary builds the method descriptor of one request/response call.
func unary[Req, Resp any](method string, call func(Backend, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
			}
			handler := func(ctx context.Context, r interface{}) (interface{}, error) {
				resp, err := call(srv.(Backend), ctx, *r.(*Req))
				if err != nil {
					return nil, toStatus(ctx, err)
				}
				return &resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: protocol.FullMethod(method),
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// ackOnly adapts a call without a response body.
func ackOnly[Req any](call func(Backend, context.Context, Req) error) func(Backend, context.Context, Req) (protocol.Ack, error) {
	return func(b Backend, ctx context.Context, req Req) (protocol.Ack, error) {
		return protocol.Ack{}, call(b, ctx, req)
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// toStatus sets the error code trailer and converts err to a status.
func toStatus(ctx context.Context, err error) error {
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return err
	}
	code := protocol.CodeOf(err)
	if code == protocol.CodeUnknown {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
		return status.Error(codes.Internal, err.Error())
	}

	// Only fails when ctx is not a server call context.
	_ = grpc.SetTrailer(ctx, metadata.Pairs(protocol.ErrorCodeTrailer, string(code)))
	return status.Error(codeFor(code), err.Error())
}

// codeFor picks the closest gRPC status code for generic tooling.
func codeFor(code protocol.ErrorCode) codes.Code {
	switch code {
	case protocol.CodeTopicNotFound, protocol.CodePartitionNotFound,
		protocol.CodeGroupNotFound, protocol.CodeBrokerNotFound:
		return codes.NotFound
	case protocol.CodeTopicExists:
		return codes.AlreadyExists
	case protocol.CodeNotLeaderForPartition, protocol.CodeUnknownMember:
		return codes.FailedPrecondition
	case protocol.CodeGroupRebalanceInProgress, protocol.CodeStaleGeneration:
		return codes.Aborted
	case protocol.CodeOffsetOutOfRange:
		return codes.OutOfRange
	case protocol.CodeInsufficientReplicas:
		return codes.Unavailable
	case protocol.CodeDeliveryTimeout:
		return codes.DeadlineExceeded
	case protocol.CodeInvalidRecord, protocol.CodeInvalidRequest:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}
