// =============================================================================
// SERVE COMMAND - RUN THE BROKER CLUSTER
// =============================================================================
//
// STARTUP ORDER:
//
//   ┌──────────────────────────────────────────────────────────────────────────┐
//   │  1. config.Load         logq.yaml + LOGQ_* env, validated as a whole     │
//   │  2. metrics registry    non-global, served at /metrics                   │
//   │  3. offset store        memory | file (<data_dir>/offsets) | postgres    │
//   │  4. cluster             brokers, placement, log storage, coordinator     │
//   │  5. topics              declared topics created if missing               │
//   │  6. listeners           HTTP API, then gRPC                              │
//   └──────────────────────────────────────────────────────────────────────────┘
//
// SHUTDOWN (SIGINT / SIGTERM):
//   listeners stop first so no request reaches a closing cluster, then the
//   cluster stops its nodes, flushes logs and closes the offset store.
//
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/cobra"

	"logq/internal/api"
	"logq/internal/broker"
	"logq/internal/cluster"
	"logq/internal/config"
	"logq/internal/coordinator"
	grpcserver "logq/internal/grpc"
	"logq/internal/metrics"
	"logq/internal/storage"
	"logq/pkg/protocol"
)

var (
	serveConfigPath string
	serveNoBanner   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker cluster",
	Long: `Run every configured broker in this process, with the HTTP API and the
gRPC listener in front of them.

Examples:
  # Three brokers, in-memory logs
  LOGQ_BROKERS=1,2,3 logq serve

  # From a config file
  logq serve --config logq.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "f", "",
		"Path to logq.yaml (defaults plus LOGQ_* env when empty)")
	serveCmd.Flags().BoolVar(&serveNoBanner, "no-banner", false,
		"Do not print the startup banner")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stdout).With("node", cfg.Node.Name)
	slog.SetDefault(logger)

	if !serveNoBanner {
		printBanner(cfg)
	}

	reg := newMetricsRegistry(cfg.Metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c, err := buildCluster(ctx, cfg, reg, logger)
	cancel()
	if err != nil {
		return err
	}
	c.Start()

	var httpServer *api.Server
	if cfg.HTTP.Enabled {
		serverConfig := api.DefaultServerConfig()
		serverConfig.Addr = cfg.HTTP.Address
		serverConfig.Metrics = reg
		serverConfig.Logger = logger
		httpServer = api.NewServer(c, serverConfig)
		if err := httpServer.Start(); err != nil {
			c.Close()
			return err
		}
	}

	var grpcServer *grpcserver.Server
	if cfg.GRPC.Enabled {
		serverConfig := grpcserver.DefaultServerConfig()
		serverConfig.Address = cfg.GRPC.Address
		serverConfig.KeepaliveTime = cfg.GRPC.KeepAliveTime
		serverConfig.KeepaliveTimeout = cfg.GRPC.KeepAliveTimeout
		serverConfig.EnableReflection = cfg.GRPC.Reflection
		serverConfig.Logger = logger
		grpcServer = grpcserver.NewServer(c, serverConfig)
		if err := grpcServer.Start(); err != nil {
			shutdown(logger, httpServer, nil, c)
			return err
		}
	}

	logger.Info("logq ready",
		"brokers", len(cfg.Brokers),
		"topics", len(c.Topics()),
		"storage", cfg.Storage.Backend,
		"offset_store", cfg.Groups.OffsetStore,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return shutdown(logger, httpServer, grpcServer, c)
}

// shutdown stops listeners before the cluster. Any server may be nil.
func shutdown(logger *slog.Logger, httpServer *api.Server, grpcServer *grpcserver.Server, c *broker.Cluster) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if grpcServer != nil {
		grpcServer.Stop(ctx)
	}
	if httpServer != nil {
		if err := httpServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if err := c.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cluster: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

func newMetricsRegistry(m config.MetricsConfig) *metrics.Registry {
	mc := metrics.DefaultConfig()
	mc.Enabled = m.Enabled
	mc.Namespace = m.Namespace
	mc.IncludeGoCollector = m.RuntimeCollector
	mc.IncludeProcessCollector = m.RuntimeCollector
	return metrics.NewRegistry(mc)
}

// buildCluster turns a validated config into a cluster with its declared
// topics. The cluster is not started.
func buildCluster(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*broker.Cluster, error) {
	placement, err := cluster.PlacementByName(cfg.Replication.Placement)
	if err != nil {
		return nil, err
	}

	store, err := openOffsetStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	groups := coordinator.DefaultConfig()
	groups.SessionTimeout = cfg.Groups.SessionTimeout
	groups.CheckInterval = cfg.Groups.CheckInterval
	groups.Store = store

	clusterConfig := broker.ClusterConfig{
		Placement:       placement,
		UncleanElection: cfg.Replication.UncleanElection,
		Replication: broker.ReplicationConfig{
			AckTimeout:          cfg.Replication.AckTimeout,
			MaxLagRecords:       cfg.Replication.MaxLagRecords,
			MaxLagTime:          cfg.Replication.MaxLagTime,
			FetchInterval:       cfg.Replication.FetchInterval,
			FetchMaxRecords:     cfg.Replication.FetchMaxRecords,
			MaintenanceInterval: cfg.Replication.MaintenanceInterval,
			ProducerStateTTL:    cfg.Replication.ProducerStateTTL,
		},
		Groups:  groups,
		Metrics: reg,
		Logger:  logger,
	}
	for _, b := range cfg.Brokers {
		clusterConfig.Brokers = append(clusterConfig.Brokers, broker.BrokerConfig{
			ID:      cluster.BrokerID(b.ID),
			Address: b.Address,
		})
	}
	if cfg.Storage.Backend == config.StorageFile {
		clusterConfig.OpenLog = broker.FileLogOpener(
			filepath.Join(cfg.Storage.DataDir, "logs"),
			storage.FileStoreOptions{SyncInterval: cfg.Storage.SyncInterval},
		)
	}

	c, err := broker.NewCluster(clusterConfig)
	if err != nil {
		store.Close()
		return nil, err
	}

	for _, topic := range cfg.Topics {
		_, err := c.CreateTopic(topic)
		switch {
		case errors.Is(err, protocol.ErrTopicExists):
			logger.Debug("topic already exists", "topic", topic.Name)
		case err != nil:
			c.Close()
			return nil, fmt.Errorf("create topic %s: %w", topic.Name, err)
		}
	}
	return c, nil
}

func openOffsetStore(ctx context.Context, cfg *config.Config) (coordinator.OffsetStore, error) {
	switch cfg.Groups.OffsetStore {
	case config.OffsetStoreFile:
		return coordinator.OpenFileOffsetStore(filepath.Join(cfg.Storage.DataDir, "offsets"))
	case config.OffsetStorePostgres:
		return coordinator.OpenPostgresOffsetStore(ctx, cfg.Groups.PostgresDSN)
	default:
		return coordinator.NewMemoryOffsetStore(), nil
	}
}

// =============================================================================
// BANNER
// =============================================================================

func printBanner(cfg *config.Config) {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("#8AB4F8")).Bold(true)
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("#9AA0A6"))

	fmt.Println(title.Render(figure.NewFigure("logq", "", true).String()))
	fmt.Println(muted.Render(fmt.Sprintf("  %s · %d brokers · http %s · grpc %s",
		api.Version, len(cfg.Brokers), listener(cfg.HTTP.Enabled, cfg.HTTP.Address),
		listener(cfg.GRPC.Enabled, cfg.GRPC.Address))))
	fmt.Println()
}

func listener(enabled bool, address string) string {
	if !enabled {
		return "off"
	}
	return address
}
