// =============================================================================
// GROUPS COMMAND - CONSUMER GROUP INSPECTION
// =============================================================================
//
// USAGE:
//   logq groups list
//   logq groups describe <group>      # state, generation, member assignment
//   logq groups offsets <group>       # committed offsets
//   logq groups delete <group>        # only when the group has no members
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"

	"logq/internal/cli"
)

var groupsCmd = &cobra.Command{
	Use:     "groups",
	Aliases: []string{"group", "g"},
	Short:   "Inspect consumer groups",
}

var groupsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List consumer groups",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		groups, err := admin.ListGroups(ctx)
		if err != nil {
			return err
		}
		return formatter.FormatGroups(groups)
	},
}

var groupsDescribeCmd = &cobra.Command{
	Use:     "describe <group>",
	Aliases: []string{"get"},
	Short:   "Show a group's members and their partitions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		desc, err := admin.DescribeGroup(ctx, args[0])
		if err != nil {
			return err
		}
		return formatter.FormatGroup(desc)
	},
}

var groupsOffsetsCmd = &cobra.Command{
	Use:   "offsets <group>",
	Short: "Show a group's committed offsets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		offsets, err := admin.GroupOffsets(ctx, args[0])
		if err != nil {
			return err
		}
		return formatter.FormatOffsets(args[0], offsets)
	},
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete <group>",
	Short: "Delete an empty group and its offsets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		if err := admin.DeleteGroup(ctx, args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Deleted group %s", args[0])
		return nil
	},
}

func init() {
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsDescribeCmd)
	groupsCmd.AddCommand(groupsOffsetsCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
}
