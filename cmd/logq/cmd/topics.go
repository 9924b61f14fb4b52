// =============================================================================
// TOPICS COMMAND - TOPIC MANAGEMENT
// =============================================================================
//
// USAGE:
//   logq topics list
//   logq topics create <name> [-p partitions] [-r replication-factor]
//   logq topics describe <name>
//
// EXAMPLES:
//   logq topics create orders -p 6 -r 3 --min-isr 2
//   logq topics create audit --retention 168h --schema-file audit.schema.json
//   logq topics describe orders -o json
//
// =============================================================================

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"logq/internal/api"
	"logq/internal/cli"
)

var (
	topicPartitions  int
	topicReplication int
	topicMinISR      int
	topicRetention   string
	topicSchemaFile  string
)

var topicsCmd = &cobra.Command{
	Use:     "topics",
	Aliases: []string{"topic", "t"},
	Short:   "Manage topics",
}

var topicsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all topics",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		topics, err := admin.ListTopics(ctx)
		if err != nil {
			return err
		}
		return formatter.FormatTopics(topics)
	},
}

var topicsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a topic",
	Long: `Create a topic with the given number of partitions and replicas.

Replicas are placed by the cluster's placement strategy; the first replica
of each partition starts as its leader.`,
	Args: cobra.ExactArgs(1),
	RunE: runTopicsCreate,
}

var topicsDescribeCmd = &cobra.Command{
	Use:     "describe <name>",
	Aliases: []string{"get"},
	Short:   "Show leaders, replicas and ISR of each partition",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		meta, err := admin.DescribeTopic(ctx, args[0])
		if err != nil {
			return err
		}
		return formatter.FormatTopicMetadata(meta)
	},
}

func init() {
	topicsCreateCmd.Flags().IntVarP(&topicPartitions, "partitions", "p", 1,
		"Number of partitions")
	topicsCreateCmd.Flags().IntVarP(&topicReplication, "replication-factor", "r", 1,
		"Replicas per partition")
	topicsCreateCmd.Flags().IntVar(&topicMinISR, "min-isr", 0,
		"Minimum in-sync replicas for acks=all (0 = cluster default)")
	topicsCreateCmd.Flags().StringVar(&topicRetention, "retention", "",
		"Drop records older than this (e.g., 24h)")
	topicsCreateCmd.Flags().StringVar(&topicSchemaFile, "schema-file", "",
		"JSON schema every record value must match")

	topicsCmd.AddCommand(topicsListCmd)
	topicsCmd.AddCommand(topicsCreateCmd)
	topicsCmd.AddCommand(topicsDescribeCmd)
}

func runTopicsCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	req := api.CreateTopicRequest{
		Name:              args[0],
		Partitions:        topicPartitions,
		ReplicationFactor: topicReplication,
		Retention:         topicRetention,
		MinInSyncReplicas: topicMinISR,
	}
	if topicSchemaFile != "" {
		schema, err := os.ReadFile(topicSchemaFile)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		req.ValueSchema = string(schema)
	}

	meta, err := admin.CreateTopic(ctx, req)
	if err != nil {
		return err
	}
	if formatter.Format() == cli.OutputTable {
		cli.PrintSuccess("Created topic %s with %d partitions (replication factor %d)",
			meta.Topic, meta.NumPartitions, meta.ReplicationFactor)
		return nil
	}
	return formatter.FormatTopicMetadata(meta)
}
