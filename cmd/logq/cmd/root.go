// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --server, -s    HTTP API URL (default: http://localhost:8080)
//   --grpc          gRPC address for produce/consume (default: localhost:9000)
//   --context, -c   Config context to use
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout in seconds (default: context or 30)
//
// SUBCOMMANDS:
//   serve       Run the broker cluster
//   topics      Create, list and describe topics
//   produce     Produce records
//   consume     Consume records as a group member
//   groups      Inspect consumer groups
//   brokers     Inspect brokers and change liveness
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"logq/internal/cli"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	serverFlag  string
	grpcFlag    string
	contextFlag string
	outputFlag  string
	timeoutFlag int

	resolved  cli.Resolved
	admin     *cli.Client
	formatter *cli.Formatter
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "logq",
	Short: "Partitioned, replicated log broker",
	Long: `logq - a partitioned, replicated commit log.

Topics are split into partitions, each an append-only log replicated to a
set of brokers. Producers route records by key; consumer groups share a
topic's partitions and commit their progress.

Use "logq [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		cli.PrintError("%v", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"HTTP API URL (env: LOGQ_SERVER)")
	rootCmd.PersistentFlags().StringVar(&grpcFlag, "grpc", "",
		"gRPC address (env: LOGQ_GRPC)")
	rootCmd.PersistentFlags().StringVarP(&contextFlag, "context", "c", "",
		"Config context to use (env: LOGQ_CONTEXT)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 0,
		"Request timeout in seconds")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(topicsCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(brokersCmd)
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// CLIENT INITIALIZATION
// =============================================================================

// initializeClient resolves the target cluster and builds the HTTP client
// and formatter before each command. serve configures itself.
func initializeClient(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "serve" {
		return nil
	}

	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)

	config, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	name := contextFlag
	if name == "" {
		name = os.Getenv(cli.EnvContext)
	}
	if name != "" {
		if err := config.UseContext(name); err != nil {
			return err
		}
	}

	resolved = cli.Resolve(serverFlag, grpcFlag, config, os.LookupEnv)
	if timeoutFlag > 0 {
		resolved.Timeout = timeoutFlag
	}
	admin = cli.NewClient(cli.ClientConfig{
		ServerURL: resolved.Server,
		Timeout:   requestTimeout(),
	})
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func requestTimeout() time.Duration {
	return time.Duration(resolved.Timeout) * time.Second
}

// getContext returns a context with the request timeout.
func getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout())
}
