// =============================================================================
// LOGQ CONFIGURATION
// =============================================================================
//
// logq serve reads one YAML file. Values are layered, later wins:
//
//   Default()  ──►  logq.yaml  ──►  LOGQ_* environment  ──►  Validate()
//
// Example:
//
//   node:
//     name: logq-dev
//   brokers:
//     - id: 1
//     - id: 2
//     - id: 3
//   topics:
//     - name: orders
//       partitions: 3
//       replication_factor: 3
//   replication:
//     ack_timeout: 5s
//     placement: hashring
//   groups:
//     session_timeout: 30s
//     offset_store: file
//   storage:
//     backend: file
//     data_dir: ./data
//   http:
//     address: ":8080"
//   grpc:
//     address: ":9000"
//
// ENVIRONMENT OVERRIDES:
//
//   LOGQ_NODE_NAME             node.name
//   LOGQ_STORAGE_BACKEND       storage.backend
//   LOGQ_STORAGE_DATA_DIR      storage.data_dir
//   LOGQ_HTTP_ADDRESS          http.address
//   LOGQ_GRPC_ADDRESS          grpc.address
//   LOGQ_GROUPS_OFFSET_STORE   groups.offset_store
//   LOGQ_GROUPS_POSTGRES_DSN   groups.postgres_dsn
//   LOGQ_REPLICATION_ACK_TIMEOUT replication.ack_timeout
//   LOGQ_BROKERS               brokers, as "1,2,3" or "1=host:port,2=host:port"
//   LOGQ_LOG_LEVEL / LOGQ_LOG_FORMAT
//   LOGQ_METRICS_ENABLED       true|false
//
// =============================================================================

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"logq/internal/cluster"
)

// Config is the whole logq serve configuration.
type Config struct {
	Node        NodeConfig            `yaml:"node" json:"node"`
	Brokers     []BrokerEntry         `yaml:"brokers" json:"brokers"`
	Topics      []cluster.TopicConfig `yaml:"topics" json:"topics"`
	Replication ReplicationConfig     `yaml:"replication" json:"replication"`
	Groups      GroupsConfig          `yaml:"groups" json:"groups"`
	Storage     StorageConfig         `yaml:"storage" json:"storage"`
	HTTP        ListenerConfig        `yaml:"http" json:"http"`
	GRPC        GRPCConfig            `yaml:"grpc" json:"grpc"`
	Metrics     MetricsConfig         `yaml:"metrics" json:"metrics"`
	Log         LogConfig             `yaml:"log" json:"log"`
}

// NodeConfig names this process.
type NodeConfig struct {
	Name string `yaml:"name" json:"name"`
}

// BrokerEntry is one broker hosted by the process.
type BrokerEntry struct {
	ID      int32  `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address,omitempty"`
}

// ReplicationConfig tunes leader/follower replication.
type ReplicationConfig struct {
	AckTimeout          time.Duration `yaml:"ack_timeout" json:"ack_timeout"`
	MaxLagRecords       int64         `yaml:"max_lag_records" json:"max_lag_records"`
	MaxLagTime          time.Duration `yaml:"max_lag_time" json:"max_lag_time"`
	FetchInterval       time.Duration `yaml:"fetch_interval" json:"fetch_interval"`
	FetchMaxRecords     int           `yaml:"fetch_max_records" json:"fetch_max_records"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`
	ProducerStateTTL    time.Duration `yaml:"producer_state_ttl" json:"producer_state_ttl"`

	// Placement is round_robin or hashring.
	Placement string `yaml:"placement" json:"placement"`

	UncleanElection bool `yaml:"unclean_election" json:"unclean_election"`
}

// Offset store backends.
const (
	OffsetStoreMemory   = "memory"
	OffsetStoreFile     = "file"
	OffsetStorePostgres = "postgres"
)

// GroupsConfig configures the group coordinator.
type GroupsConfig struct {
	SessionTimeout time.Duration `yaml:"session_timeout" json:"session_timeout"`
	CheckInterval  time.Duration `yaml:"check_interval" json:"check_interval"`

	// OffsetStore is memory, file (under storage.data_dir/offsets) or
	// postgres (PostgresDSN).
	OffsetStore string `yaml:"offset_store" json:"offset_store"`
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn,omitempty"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

// StorageConfig selects where partition logs live.
type StorageConfig struct {
	Backend      string        `yaml:"backend" json:"backend"`
	DataDir      string        `yaml:"data_dir" json:"data_dir"`
	SyncInterval time.Duration `yaml:"sync_interval" json:"sync_interval"`
}

// ListenerConfig is an HTTP listener.
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// GRPCConfig is the gRPC listener.
type GRPCConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	Address          string        `yaml:"address" json:"address"`
	KeepAliveTime    time.Duration `yaml:"keepalive_time" json:"keepalive_time"`
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout" json:"keepalive_timeout"`
	Reflection       bool          `yaml:"reflection" json:"reflection"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	Namespace        string `yaml:"namespace" json:"namespace"`
	RuntimeCollector bool   `yaml:"runtime_collectors" json:"runtime_collectors"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns a single-broker, in-memory configuration.
func Default() *Config {
	return &Config{
		Node:    NodeConfig{Name: "logq"},
		Brokers: []BrokerEntry{{ID: 1}},
		Replication: ReplicationConfig{
			AckTimeout:          5 * time.Second,
			MaxLagRecords:       4000,
			MaxLagTime:          10 * time.Second,
			FetchInterval:       50 * time.Millisecond,
			FetchMaxRecords:     500,
			MaintenanceInterval: time.Second,
			ProducerStateTTL:    time.Hour,
			Placement:           "round_robin",
		},
		Groups: GroupsConfig{
			SessionTimeout: 30 * time.Second,
			CheckInterval:  time.Second,
			OffsetStore:    OffsetStoreMemory,
		},
		Storage: StorageConfig{
			Backend:      StorageMemory,
			DataDir:      "./data",
			SyncInterval: time.Second,
		},
		HTTP: ListenerConfig{Enabled: true, Address: ":8080"},
		GRPC: GRPCConfig{
			Enabled:          true,
			Address:          ":9000",
			KeepAliveTime:    30 * time.Second,
			KeepAliveTimeout: 10 * time.Second,
			Reflection:       true,
		},
		Metrics: MetricsConfig{Enabled: true, Namespace: "logq", RuntimeCollector: true},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over Default, applies LOGQ_* overrides and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LOGQ_* variables. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LOGQ_NODE_NAME", &c.Node.Name)
	str("LOGQ_STORAGE_BACKEND", &c.Storage.Backend)
	str("LOGQ_STORAGE_DATA_DIR", &c.Storage.DataDir)
	str("LOGQ_HTTP_ADDRESS", &c.HTTP.Address)
	str("LOGQ_GRPC_ADDRESS", &c.GRPC.Address)
	str("LOGQ_GROUPS_OFFSET_STORE", &c.Groups.OffsetStore)
	str("LOGQ_GROUPS_POSTGRES_DSN", &c.Groups.PostgresDSN)
	str("LOGQ_LOG_LEVEL", &c.Log.Level)
	str("LOGQ_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("LOGQ_REPLICATION_ACK_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("LOGQ_REPLICATION_ACK_TIMEOUT: %v", err))
		} else {
			c.Replication.AckTimeout = d
		}
	}
	if v, ok := lookup("LOGQ_METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("LOGQ_METRICS_ENABLED: %v", err))
		} else {
			c.Metrics.Enabled = b
		}
	}
	if v, ok := lookup("LOGQ_BROKERS"); ok && v != "" {
		brokers, err := ParseBrokers(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("LOGQ_BROKERS: %v", err))
		} else {
			c.Brokers = brokers
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ParseBrokers parses "1,2,3" or "1=host:port,2=host:port".
func ParseBrokers(s string) ([]BrokerEntry, error) {
	var brokers []BrokerEntry
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idText, address, _ := strings.Cut(part, "=")
		id, err := strconv.ParseInt(strings.TrimSpace(idText), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("broker %q: id must be an integer", part)
		}
		brokers = append(brokers, BrokerEntry{ID: int32(id), Address: strings.TrimSpace(address)})
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no brokers in %q", s)
	}
	return brokers, nil
}

// SlogLevel maps log.level to a slog level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the handler named by log.format, writing to w.
func (l LogConfig) NewLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
