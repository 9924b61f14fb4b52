package cmd

import (
	"github.com/spf13/cobra"

	"logq/internal/api"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and server versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		// The server is optional here; an unreachable one is left out.
		server, _ := admin.Version(ctx)
		return formatter.FormatVersion(api.Version, server)
	},
}
