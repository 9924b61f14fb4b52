package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"logq/internal/cluster"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// Validation runs once at startup and ACCUMULATES errors: the operator sees
// every problem in one pass.
//
//   Load ──► Validate ──► ok ──► build cluster
//                   └──► *ValidationError
//                          1. brokers[1]: duplicate id 2
//                          2. topics[0]: replication_factor 4 exceeds 3 brokers
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats the failures as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the configuration for common mistakes. Returns nil or a
// *ValidationError listing every problem.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Node.Name) == "" {
		errs = append(errs, "node.name: must not be empty")
	} else if strings.ContainsAny(c.Node.Name, " \t\n\r") {
		errs = append(errs, "node.name: must not contain whitespace")
	}

	errs = append(errs, validateBrokers(c.Brokers)...)
	errs = append(errs, validateTopics(c.Topics, len(c.Brokers))...)
	errs = append(errs, validateReplication(c.Replication)...)
	errs = append(errs, validateGroups(c.Groups, c.Storage)...)
	errs = append(errs, validateStorage(c.Storage)...)

	if c.HTTP.Enabled {
		if err := validateAddress(c.HTTP.Address); err != nil {
			errs = append(errs, fmt.Sprintf("http.address: invalid: %v", err))
		}
	}
	if c.GRPC.Enabled {
		if err := validateAddress(c.GRPC.Address); err != nil {
			errs = append(errs, fmt.Sprintf("grpc.address: invalid: %v", err))
		}
		if c.GRPC.KeepAliveTime < 0 || c.GRPC.KeepAliveTimeout < 0 {
			errs = append(errs, "grpc: keepalive durations must not be negative")
		}
	}
	if c.HTTP.Enabled && c.GRPC.Enabled && c.HTTP.Address == c.GRPC.Address {
		errs = append(errs, fmt.Sprintf("http.address and grpc.address: both are %q", c.HTTP.Address))
	}

	if c.Metrics.Enabled && strings.ContainsAny(c.Metrics.Namespace, " -.") {
		errs = append(errs, fmt.Sprintf("metrics.namespace: %q is not a valid prometheus namespace", c.Metrics.Namespace))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateBrokers(brokers []BrokerEntry) []string {
	var errs []string
	if len(brokers) == 0 {
		return []string{"brokers: at least one broker is required"}
	}
	seen := make(map[int32]bool, len(brokers))
	for i, b := range brokers {
		if b.ID <= 0 {
			errs = append(errs, fmt.Sprintf("brokers[%d]: id must be > 0, got %d", i, b.ID))
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("brokers[%d]: duplicate id %d", i, b.ID))
		}
		seen[b.ID] = true
		if b.Address != "" {
			if err := validateAddress(b.Address); err != nil {
				errs = append(errs, fmt.Sprintf("brokers[%d]: invalid address %q: %v", i, b.Address, err))
			}
		}
	}
	return errs
}

func validateTopics(topics []cluster.TopicConfig, brokerCount int) []string {
	var errs []string
	seen := make(map[string]bool, len(topics))
	for i, t := range topics {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("topics[%d]: %v", i, err))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("topics[%d]: duplicate topic %q", i, t.Name))
		}
		seen[t.Name] = true
		if t.ReplicationFactor > brokerCount {
			errs = append(errs, fmt.Sprintf("topics[%d]: replication_factor %d exceeds %d brokers", i, t.ReplicationFactor, brokerCount))
		}
	}
	return errs
}

func validateReplication(r ReplicationConfig) []string {
	var errs []string
	if r.AckTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("replication.ack_timeout: must be > 0, got %v", r.AckTimeout))
	}
	if r.MaxLagRecords < 0 {
		errs = append(errs, "replication.max_lag_records: must not be negative")
	}
	if r.MaxLagTime <= 0 {
		errs = append(errs, fmt.Sprintf("replication.max_lag_time: must be > 0, got %v", r.MaxLagTime))
	}
	if r.FetchInterval <= 0 {
		errs = append(errs, fmt.Sprintf("replication.fetch_interval: must be > 0, got %v", r.FetchInterval))
	}
	if r.FetchMaxRecords <= 0 {
		errs = append(errs, fmt.Sprintf("replication.fetch_max_records: must be > 0, got %d", r.FetchMaxRecords))
	}
	if r.MaintenanceInterval <= 0 {
		errs = append(errs, fmt.Sprintf("replication.maintenance_interval: must be > 0, got %v", r.MaintenanceInterval))
	}
	if _, err := cluster.PlacementByName(r.Placement); err != nil {
		errs = append(errs, fmt.Sprintf("replication.placement: %v", err))
	}
	return errs
}

func validateGroups(g GroupsConfig, s StorageConfig) []string {
	var errs []string
	if g.SessionTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("groups.session_timeout: must be > 0, got %v", g.SessionTimeout))
	}
	if g.CheckInterval <= 0 {
		errs = append(errs, fmt.Sprintf("groups.check_interval: must be > 0, got %v", g.CheckInterval))
	} else if g.SessionTimeout > 0 && g.CheckInterval > g.SessionTimeout {
		errs = append(errs, fmt.Sprintf("groups.check_interval: %v is longer than session_timeout %v", g.CheckInterval, g.SessionTimeout))
	}
	switch g.OffsetStore {
	case OffsetStoreMemory:
	case OffsetStoreFile:
		if s.DataDir == "" {
			errs = append(errs, "groups.offset_store: file store needs storage.data_dir")
		}
	case OffsetStorePostgres:
		if g.PostgresDSN == "" {
			errs = append(errs, "groups.postgres_dsn: required when offset_store is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("groups.offset_store: must be memory, file or postgres, got %q", g.OffsetStore))
	}
	return errs
}

func validateStorage(s StorageConfig) []string {
	switch s.Backend {
	case StorageMemory:
		return nil
	case StorageFile:
		var errs []string
		if s.DataDir == "" {
			errs = append(errs, "storage.data_dir: must not be empty")
		} else {
			errs = append(errs, validateDataDir(s.DataDir)...)
		}
		if s.SyncInterval < 0 {
			errs = append(errs, "storage.sync_interval: must not be negative")
		}
		return errs
	default:
		return []string{fmt.Sprintf("storage.backend: must be memory or file, got %q", s.Backend)}
	}
}

// validateDataDir checks that the data directory exists or can be created.
func validateDataDir(dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		errs = append(errs, fmt.Sprintf("storage.data_dir: cannot resolve path %q: %v", dir, err))
		return errs
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("storage.data_dir: %q exists but is not a directory", absDir))
		}
		return errs
	}

	if !os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("storage.data_dir: cannot access %q: %v", absDir, err))
		return errs
	}

	parent := filepath.Dir(absDir)
	if _, err := os.Stat(parent); err != nil {
		errs = append(errs, fmt.Sprintf("storage.data_dir: %q does not exist and parent %q is not accessible: %v", absDir, parent, err))
	}

	return errs
}

// validateAddress checks for host:port or :port.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
