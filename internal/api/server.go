// =============================================================================
// HTTP API SERVER - REST INTERFACE FOR LOGQ
// =============================================================================
//
// The HTTP API exposes the same request surface as the gRPC service, for
// curl, scripts and dashboards. Every handler decodes a request, calls the
// Cluster and writes the protocol response as JSON.
//
// ENDPOINT OVERVIEW:
//
//   TOPICS
//   POST   /topics                                         Create a topic
//   GET    /topics                                         List topics
//   GET    /topics/{topic}                                 Topic metadata
//
//   RECORDS
//   POST   /topics/{topic}/records                         Produce one record
//   GET    /topics/{topic}/partitions/{partition}/records  Fetch records
//
//   CONSUMER GROUPS
//   GET    /groups                                         List groups
//   GET    /groups/{group}                                 Describe a group
//   DELETE /groups/{group}                                 Delete an empty group
//   POST   /groups/{group}/join                            Join
//   POST   /groups/{group}/heartbeat                       Heartbeat
//   POST   /groups/{group}/leave                           Leave
//   POST   /groups/{group}/offsets                         Commit an offset
//   GET    /groups/{group}/offsets                         Committed offsets
//
//   BROKERS (admin)
//   GET    /brokers                                        Brokers and liveness
//   GET    /brokers/{id}                                   Hosted partitions
//   PUT    /brokers/{id}/alive                             Mark alive / dead
//
//   OPERATIONS
//   GET    /health /healthz /readyz /livez /version
//   GET    /metrics                                        Prometheus
//
// ERRORS:
//   Failures return protocol.ErrorResponse{code, error}. The HTTP status is
//   derived from the code (see statusFor); clients should branch on code.
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"logq/internal/broker"
	"logq/internal/metrics"
	"logq/pkg/protocol"
)

// =============================================================================
// API SERVER
// =============================================================================

// Server is the HTTP API server for a logq cluster.
type Server struct {
	cluster    *broker.Cluster
	metrics    *metrics.Registry
	health     *HealthState
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Metrics is served at /metrics. Nil serves a placeholder.
	Metrics *metrics.Registry

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
//
// WriteTimeout must outlive the longest acks=all wait a client may ask for.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server for c.
func NewServer(c *broker.Cluster, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	logger = logger.With("component", "http")

	r := chi.NewRouter()

	s := &Server{
		cluster: c,
		metrics: config.Metrics,
		health:  NewHealthState(),
		router:  r,
		logger:  logger,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	s.health.AddCheck("brokers", s.checkBrokers)
	s.health.AddCheck("topics", s.checkTopics)

	return s
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health exposes the health state so the process can flip readiness.
func (s *Server) Health() *HealthState {
	return s.health
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/livez", s.handleLivez)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/topics", func(r chi.Router) {
		r.Post("/", s.createTopic)
		r.Get("/", s.listTopics)

		r.Route("/{topic}", func(r chi.Router) {
			r.Get("/", s.getTopic)
			r.Post("/records", s.produce)
			r.Get("/partitions/{partition}/records", s.fetch)
		})
	})

	s.router.Route("/groups", func(r chi.Router) {
		r.Get("/", s.listGroups)

		r.Route("/{group}", func(r chi.Router) {
			r.Get("/", s.describeGroup)
			r.Delete("/", s.deleteGroup)

			r.Post("/join", s.joinGroup)
			r.Post("/heartbeat", s.heartbeat)
			r.Post("/leave", s.leaveGroup)

			r.Post("/offsets", s.commitOffset)
			r.Get("/offsets", s.getOffsets)
		})
	})

	s.router.Route("/brokers", func(r chi.Router) {
		r.Get("/", s.listBrokers)
		r.Get("/{brokerID}", s.getBroker)
		r.Put("/{brokerID}/alive", s.setBrokerAlive)
	})
}

// loggingMiddleware logs every request at debug, failures at warn.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelDebug
		if wrapped.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start binds the listener and serves in the background. A bind error is
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting HTTP API server", "addr", ln.Addr().String())
	s.health.SetReady(true)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address after Start, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// statusFor maps a broker error to its HTTP status.
//
//   TOPIC/PARTITION/GROUP/BROKER not found   404
//   TOPIC_ALREADY_EXISTS                     409
//   GROUP_REBALANCE / STALE_GENERATION       409
//   UNKNOWN_MEMBER                           409
//   NOT_LEADER_FOR_PARTITION                 421 Misdirected Request
//   OFFSET_OUT_OF_RANGE                      416 Range Not Satisfiable
//   INSUFFICIENT_REPLICAS                    503
//   DELIVERY_TIMEOUT                         504
//   INVALID_RECORD / INVALID_REQUEST         400
func statusFor(err error) int {
	switch protocol.CodeOf(err) {
	case protocol.CodeTopicNotFound, protocol.CodePartitionNotFound,
		protocol.CodeGroupNotFound, protocol.CodeBrokerNotFound:
		return http.StatusNotFound
	case protocol.CodeTopicExists, protocol.CodeGroupRebalanceInProgress,
		protocol.CodeStaleGeneration, protocol.CodeUnknownMember:
		return http.StatusConflict
	case protocol.CodeNotLeaderForPartition:
		return http.StatusMisdirectedRequest
	case protocol.CodeOffsetOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case protocol.CodeInsufficientReplicas:
		return http.StatusServiceUnavailable
	case protocol.CodeDeliveryTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeInvalidRecord, protocol.CodeInvalidRequest:
		return http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError answers with the code and status derived from err.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), protocol.ErrorResponse{
		Code:    protocol.CodeOf(err),
		Message: err.Error(),
	})
}

// badRequest answers 400 INVALID_REQUEST with message.
func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{
		Code:    protocol.CodeInvalidRequest,
		Message: message,
	})
}

// decodeJSON reads the body into v; an empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
