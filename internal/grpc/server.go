// =============================================================================
// gRPC SERVER - LOW-LATENCY API FOR LOGQ CLIENTS
// =============================================================================
//
// The gRPC listener carries the same eight calls as the HTTP API, for the
// Go producer and consumer in pkg/client:
//
//   ┌──────────────────────────────────────────────────────────────────────────┐
//   │  pkg/client.GRPCConn                                                     │
//   │     Invoke("/logq.LogService/Produce", req, resp, CallContentSubtype=json)│
//   └───────────────────────────────┬──────────────────────────────────────────┘
//                            HTTP/2 │ application/grpc+json
//   ┌───────────────────────────────▼──────────────────────────────────────────┐
//   │  Server                                                                  │
//   │    interceptors: logging → recovery                                      │
//   │    logq.LogService   hand-written ServiceDesc, protocol structs as JSON  │
//   │    grpc.health.v1    SERVING while started                               │
//   │    reflection        optional, for grpcurl                               │
//   │            │                                                             │
//   │            ▼                                                             │
//   │    Backend (broker.Cluster)                                              │
//   └──────────────────────────────────────────────────────────────────────────┘
//
// ERRORS:
//   A failed call returns a status whose message is the error text and sets
//   the "logq-error-code" trailer to the protocol.ErrorCode, so the client
//   rebuilds the exact sentinel. The status code is only a hint for generic
//   tools (see codeFor).
//
// =============================================================================

package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"logq/pkg/protocol"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9000").
	Address string

	MaxRecvMsgSize int
	MaxSendMsgSize int

	MaxConcurrentStreams uint32

	// KeepaliveTime is how often to ping an idle connection, KeepaliveTimeout
	// how long to wait for the ack.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// EnableReflection registers the reflection service for grpcurl.
	EnableReflection bool

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:              ":9000",
		MaxRecvMsgSize:       4 * 1024 * 1024,
		MaxSendMsgSize:       4 * 1024 * 1024,
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		EnableReflection:     true,
	}
}

// =============================================================================
// SERVER STRUCT
// =============================================================================

// Server is the gRPC server for logq.
type Server struct {
	config     ServerConfig
	backend    Backend
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	mu       sync.RWMutex
	running  bool
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a gRPC server for backend. Call Start to listen.
func NewServer(backend Backend, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	logger = logger.With("component", "grpc")

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),

		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),

		// Clients ping no more often than every 10s; keep in step with
		// client.DefaultConfig.
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
			MinTime:             10 * time.Second,
		}),

		grpc.ChainUnaryInterceptor(
			unaryLoggingInterceptor(logger),
			unaryRecoveryInterceptor(logger),
		),
	}

	s := &Server{
		config:     config,
		backend:    backend,
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		logger:     logger,
	}

	RegisterLogService(s.grpcServer, backend)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.setServing(false)

	if config.EnableReflection {
		reflection.Register(s.grpcServer)
	}

	return s
}

func (s *Server) setServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(protocol.ServiceName, st)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.listener = listener
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.setServing(true)
	s.logger.Info("gRPC server starting",
		"address", listener.Addr().String(),
		"reflection", s.config.EnableReflection,
	)

	go func() {
		defer close(done)
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("gRPC server error", "error", err)
		}
	}()
	return nil
}

// Stop flips health to NOT_SERVING and waits for in-flight calls. If ctx
// expires first, remaining calls are cut off.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done := s.done
	s.mu.Unlock()

	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpcServer.Stop()
		<-stopped
	}
	<-done

	s.logger.Info("gRPC server stopped")
}

// Address returns the bound address after Start, or the configured one.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// =============================================================================
// INTERCEPTORS
// =============================================================================
//
//   Request  → Logging → Recovery → Handler
//   Response ← Logging ← Recovery ← Handler
//
// =============================================================================

// unaryLoggingInterceptor logs calls at debug and failures at warn, with the
// wire error code.
func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if err == nil {
			logger.Debug("gRPC unary",
				"method", info.FullMethod,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return resp, nil
		}
		logger.Warn("gRPC unary failed",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"code", status.Code(err).String(),
			"error", status.Convert(err).Message(),
		)
		return resp, err
	}
}

// unaryRecoveryInterceptor turns a panic into codes.Internal.
func unaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}
