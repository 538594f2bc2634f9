package cmd

import (
	"fmt"
	"github.com/arcward/andrzej/andrzej"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bot's version, commit and build time",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(
			cmd.OutOrStdout(),
			"andrzej %s (commit %s, built %s)\n",
			andrzej.Version,
			andrzej.CommitSHA,
			andrzej.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
