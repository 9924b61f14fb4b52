// =============================================================================
// BROKERS COMMAND - BROKER LIVENESS
// =============================================================================
//
// USAGE:
//   logq brokers list
//   logq brokers describe <id>    # hosted replicas with offsets and ISR
//   logq brokers kill <id>        # mark dead, leaders fail over
//   logq brokers revive <id>      # mark alive, replicas catch up
//   logq brokers health           # server health checks
//
// kill and revive drive the cluster's membership hook. They exist to
// exercise failover; do not point them at a cluster you care about.
//
// =============================================================================

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"logq/internal/api"
	"logq/internal/cli"
)

var brokersCmd = &cobra.Command{
	Use:     "brokers",
	Aliases: []string{"broker", "b"},
	Short:   "Inspect brokers and change their liveness",
}

var brokersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List brokers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		brokers, err := admin.ListBrokers(ctx)
		if err != nil {
			return err
		}
		return formatter.FormatBrokers(brokers)
	},
}

var brokersDescribeCmd = &cobra.Command{
	Use:     "describe <id>",
	Aliases: []string{"get"},
	Short:   "Show the replicas a broker hosts",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseBrokerID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := getContext()
		defer cancel()

		b, err := admin.DescribeBroker(ctx, id)
		if err != nil {
			return err
		}
		return formatter.FormatBroker(b)
	},
}

var brokersKillCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "Mark a broker dead and fail its partitions over",
	Args:  cobra.ExactArgs(1),
	RunE:  setAlive(false),
}

var brokersReviveCmd = &cobra.Command{
	Use:   "revive <id>",
	Short: "Mark a broker alive again",
	Args:  cobra.ExactArgs(1),
	RunE:  setAlive(true),
}

var brokersHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server health checks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		health, err := admin.Health(ctx)
		if err != nil {
			return err
		}
		if err := formatter.FormatHealth(health); err != nil {
			return err
		}
		if health.Status == api.CheckFail {
			return fmt.Errorf("cluster is unhealthy")
		}
		return nil
	},
}

func init() {
	brokersCmd.AddCommand(brokersListCmd)
	brokersCmd.AddCommand(brokersDescribeCmd)
	brokersCmd.AddCommand(brokersKillCmd)
	brokersCmd.AddCommand(brokersReviveCmd)
	brokersCmd.AddCommand(brokersHealthCmd)
}

func setAlive(alive bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseBrokerID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := getContext()
		defer cancel()

		if err := admin.SetBrokerAlive(ctx, id, alive); err != nil {
			return err
		}
		if alive {
			cli.PrintSuccess("Broker %d is alive", id)
		} else {
			cli.PrintSuccess("Broker %d is dead; its partitions failed over", id)
		}
		return nil
	}
}

func parseBrokerID(s string) (int32, error) {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("broker id %q: want a positive integer", s)
	}
	return int32(id), nil
}
