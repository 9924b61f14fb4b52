// =============================================================================
// LOGQ GO CLIENT - CONNECTIONS
// =============================================================================
//
// Producer and Consumer never talk to a transport directly. They are built
// on a Conn, the eight calls a logq server answers:
//
//   ┌────────────────────────────────────────────────────────────────────────┐
//   │                          Application Layer                             │
//   │                                                                        │
//   │        ┌─────────────────┐                ┌─────────────────┐          │
//   │        │    Producer     │                │    Consumer     │          │
//   │        └────────┬────────┘                └────────┬────────┘          │
//   │                 └─────────────────┬────────────────┘                   │
//   │                          ┌────────▼────────┐                           │
//   │                          │      Conn       │                           │
//   │                          └────────┬────────┘                           │
//   └───────────────────────────────────┼────────────────────────────────────┘
//                  ┌────────────────────┴─────────────────────┐
//         ┌────────▼────────┐                        ┌────────▼────────┐
//         │    GRPCConn     │  /logq.LogService/*    │ broker.Cluster  │
//         │  (remote, JSON) │                        │  (in process)   │
//         └─────────────────┘                        └─────────────────┘
//
// broker.Cluster satisfies Conn as is, so the same client code runs against
// a server over gRPC or against a cluster embedded in a test.
//
// ERRORS:
//   A broker error crosses gRPC as a status plus the logq-error-code
//   trailer. GRPCConn turns it back into the protocol sentinel, so callers
//   use errors.Is(err, protocol.ErrNotLeaderForPartition) on both paths.
//
// =============================================================================

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"logq/pkg/protocol"
)

var (
	// ErrClientClosed is returned by calls on a closed connection.
	ErrClientClosed = errors.New("client is closed")

	// ErrProducerClosed is returned by Send after Close.
	ErrProducerClosed = errors.New("producer is closed")

	// ErrConsumerClosed is returned by consumer calls after Close.
	ErrConsumerClosed = errors.New("consumer is closed")

	// ErrNotJoined is returned by Poll and Commit before Join succeeded.
	ErrNotJoined = errors.New("consumer has not joined its group")

	// ErrBufferFull is returned by Send when BlockOnFull is off.
	ErrBufferFull = errors.New("producer buffer is full")
)

// Conn is the request surface of a logq server.
type Conn interface {
	Produce(ctx context.Context, req protocol.ProduceRequest) (protocol.ProduceResponse, error)
	Fetch(ctx context.Context, req protocol.FetchRequest) (protocol.FetchResponse, error)
	Metadata(ctx context.Context, req protocol.MetadataRequest) (protocol.MetadataResponse, error)
	JoinGroup(ctx context.Context, req protocol.JoinGroupRequest) (protocol.JoinGroupResponse, error)
	Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error
	LeaveGroup(ctx context.Context, req protocol.LeaveGroupRequest) error
	CommitOffset(ctx context.Context, req protocol.CommitOffsetRequest) error
	FetchOffset(ctx context.Context, req protocol.FetchOffsetRequest) (protocol.FetchOffsetResponse, error)
}

// =============================================================================
// GRPC CONNECTION
// =============================================================================

// Config holds the gRPC connection settings.
//
//	KeepAliveTime: ping interval on an idle connection; finds dead servers
//	that never closed the socket.
//	KeepAliveTimeout: how long a ping may go unanswered.
//	MaxRetries / RetryBackoff: retries of calls that never reached the
//	server (codes.Unavailable). Broker errors are not retried here.
type Config struct {
	// Address is the gRPC server address (host:port)
	Address string

	// DialTimeout bounds the health check done by Dial.
	DialTimeout time.Duration

	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration

	MaxRetries   int
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(address string) Config {
	return Config{
		Address:          address,
		DialTimeout:      10 * time.Second,
		KeepAliveTime:    30 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
	}
}

// GRPCConn is a Conn to a remote logq server.
type GRPCConn struct {
	conn   *grpc.ClientConn
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Conn = (*GRPCConn)(nil)

// Dial connects to a logq server and checks that it serves the log
// service before returning.
func Dial(cfg Config) (*GRPCConn, error) {
	defaults := DefaultConfig(cfg.Address)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.KeepAliveTime <= 0 {
		cfg.KeepAliveTime = defaults.KeepAliveTime
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = defaults.KeepAliveTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The codec is chosen per call by content subtype, so every call on
	// this connection speaks JSON.
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepAliveTime,
			Timeout:             cfg.KeepAliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.JSONCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	// Health checks are protobuf, not JSON.
	health, err := grpc_health_v1.NewHealthClient(conn).Check(ctx,
		&grpc_health_v1.HealthCheckRequest{Service: protocol.ServiceName},
		grpc.CallContentSubtype("proto"))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if health.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		conn.Close()
		return nil, fmt.Errorf("server not ready: status=%s", health.GetStatus())
	}

	logger.Info("connected to logq", "address", cfg.Address)
	return &GRPCConn{conn: conn, config: cfg, logger: logger}, nil
}

// Close closes the connection. Safe to call more than once.
func (c *GRPCConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// invoke runs one unary call, retrying only calls the server never saw.
func (c *GRPCConn) invoke(ctx context.Context, method string, req, resp any) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClientClosed
	}

	var err error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		var trailer metadata.MD
		err = c.conn.Invoke(ctx, protocol.FullMethod(method), req, resp, grpc.Trailer(&trailer))
		if err == nil {
			return nil
		}
		if code := trailer.Get(protocol.ErrorCodeTrailer); len(code) > 0 {
			return protocol.ErrorForCode(protocol.ErrorCode(code[0]), status.Convert(err).Message())
		}
		if status.Code(err) != codes.Unavailable || attempt == c.config.MaxRetries {
			break
		}

		backoff := c.config.RetryBackoff * time.Duration(1<<attempt)
		c.logger.Debug("retrying unavailable server", "method", method, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fromStatus(err)
}

// fromStatus maps a status without a logq error code. Context errors keep
// their identity so callers can test for them.
func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, status.Convert(err).Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, status.Convert(err).Message())
	}
	return err
}

func (c *GRPCConn) Produce(ctx context.Context, req protocol.ProduceRequest) (protocol.ProduceResponse, error) {
	var resp protocol.ProduceResponse
	err := c.invoke(ctx, protocol.MethodProduce, &req, &resp)
	return resp, err
}

func (c *GRPCConn) Fetch(ctx context.Context, req protocol.FetchRequest) (protocol.FetchResponse, error) {
	var resp protocol.FetchResponse
	err := c.invoke(ctx, protocol.MethodFetch, &req, &resp)
	return resp, err
}

func (c *GRPCConn) Metadata(ctx context.Context, req protocol.MetadataRequest) (protocol.MetadataResponse, error) {
	var resp protocol.MetadataResponse
	err := c.invoke(ctx, protocol.MethodMetadata, &req, &resp)
	return resp, err
}

func (c *GRPCConn) JoinGroup(ctx context.Context, req protocol.JoinGroupRequest) (protocol.JoinGroupResponse, error) {
	var resp protocol.JoinGroupResponse
	err := c.invoke(ctx, protocol.MethodJoinGroup, &req, &resp)
	return resp, err
}

func (c *GRPCConn) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error {
	return c.invoke(ctx, protocol.MethodHeartbeat, &req, &protocol.Ack{})
}

func (c *GRPCConn) LeaveGroup(ctx context.Context, req protocol.LeaveGroupRequest) error {
	return c.invoke(ctx, protocol.MethodLeaveGroup, &req, &protocol.Ack{})
}

func (c *GRPCConn) CommitOffset(ctx context.Context, req protocol.CommitOffsetRequest) error {
	return c.invoke(ctx, protocol.MethodCommitOffset, &req, &protocol.Ack{})
}

func (c *GRPCConn) FetchOffset(ctx context.Context, req protocol.FetchOffsetRequest) (protocol.FetchOffsetResponse, error) {
	var resp protocol.FetchOffsetResponse
	err := c.invoke(ctx, protocol.MethodFetchOffset, &req, &resp)
	return resp, err
}
