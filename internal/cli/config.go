// =============================================================================
// CLI CONFIGURATION - CONFIG FILE AND CONTEXT MANAGEMENT
// =============================================================================
//
// The CLI remembers clusters as named contexts, the way kubectl does. Each
// context carries two addresses: the HTTP API for admin commands and the
// gRPC listener for produce and consume.
//
// CONFIGURATION PRECEDENCE (highest to lowest):
//   1. Command-line flags (--server, --grpc, --context)
//   2. Environment variables (LOGQ_SERVER, LOGQ_GRPC, LOGQ_CONTEXT)
//   3. Config file (current-context determines active cluster)
//   4. Default values (http://localhost:8080, localhost:9000)
//
// CONFIG FILE FORMAT (~/.logq/config.yaml):
//
//   current-context: local
//   contexts:
//     local:
//       server: http://localhost:8080
//       grpc: localhost:9000
//     staging:
//       server: http://logq.staging.internal:8080
//       grpc: logq.staging.internal:9000
//       timeout: 10
//
// =============================================================================

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Defaults used when nothing else names a cluster.
const (
	DefaultServer = "http://localhost:8080"
	DefaultGRPC   = "localhost:9000"
)

// Environment variable names
const (
	EnvServer  = "LOGQ_SERVER"
	EnvGRPC    = "LOGQ_GRPC"
	EnvContext = "LOGQ_CONTEXT"
)

// =============================================================================
// CONFIGURATION STRUCTURES
// =============================================================================

// Config represents the CLI configuration file.
type Config struct {
	CurrentContext string                    `yaml:"current-context"`
	Contexts       map[string]*ContextConfig `yaml:"contexts"`
}

// ContextConfig contains configuration for a single cluster context.
type ContextConfig struct {
	// Server is the base URL of the HTTP API.
	Server string `yaml:"server"`

	// GRPC is the host:port of the gRPC listener.
	GRPC string `yaml:"grpc,omitempty"`

	// Timeout in seconds (optional, default 30)
	Timeout int `yaml:"timeout,omitempty"`
}

// =============================================================================
// DEFAULT PATHS
// =============================================================================

// DefaultConfigDir returns the default config directory (~/.logq).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".logq"
	}
	return filepath.Join(home, ".logq")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// =============================================================================
// LOADING AND SAVING
// =============================================================================

// LoadConfig loads configuration from the default path.
func LoadConfig() (*Config, error) {
	return LoadConfigFromPath(DefaultConfigPath())
}

// LoadConfigFromPath loads configuration from path. A missing file yields
// DefaultConfig.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Contexts == nil {
		config.Contexts = make(map[string]*ContextConfig)
	}
	return &config, nil
}

// DefaultConfig returns a configuration with a single "local" context.
func DefaultConfig() *Config {
	return &Config{
		CurrentContext: "local",
		Contexts: map[string]*ContextConfig{
			"local": {
				Server:  DefaultServer,
				GRPC:    DefaultGRPC,
				Timeout: 30,
			},
		},
	}
}

// SaveToPath writes the configuration with owner-only permissions.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// CONTEXT OPERATIONS
// =============================================================================

// GetCurrentContext returns the current context configuration.
func (c *Config) GetCurrentContext() (*ContextConfig, error) {
	if c.CurrentContext == "" {
		return nil, errors.New("no current context set")
	}
	return c.GetContext(c.CurrentContext)
}

// GetContext returns a specific context by name.
func (c *Config) GetContext(name string) (*ContextConfig, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// SetContext sets or updates a context.
func (c *Config) SetContext(name string, ctx *ContextConfig) {
	if c.Contexts == nil {
		c.Contexts = make(map[string]*ContextConfig)
	}
	c.Contexts[name] = ctx
}

// UseContext sets the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// ListContexts returns all context names, sorted.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolved is the cluster a command talks to.
type Resolved struct {
	Server  string
	GRPC    string
	Timeout int
}

// Resolve applies flag > env > config > default precedence. lookup is
// os.LookupEnv outside tests.
func Resolve(serverFlag, grpcFlag string, config *Config, lookup func(string) (string, bool)) Resolved {
	r := Resolved{Server: DefaultServer, GRPC: DefaultGRPC, Timeout: 30}

	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil {
			if ctx.Server != "" {
				r.Server = ctx.Server
			}
			if ctx.GRPC != "" {
				r.GRPC = ctx.GRPC
			}
			if ctx.Timeout > 0 {
				r.Timeout = ctx.Timeout
			}
		}
	}
	if v, ok := lookup(EnvServer); ok && v != "" {
		r.Server = v
	}
	if v, ok := lookup(EnvGRPC); ok && v != "" {
		r.GRPC = v
	}
	if serverFlag != "" {
		r.Server = serverFlag
	}
	if grpcFlag != "" {
		r.GRPC = grpcFlag
	}
	return r
}
