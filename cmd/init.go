package cmd

import (
	"fmt"
	"github.com/arcward/andrzej/andrzej"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database, and migrate it to the current schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return fmt.Errorf(
				"%s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				andrzej.DefaultEnvPrefix,
			)
		}
		if cfg.Database == "" {
			return fmt.Errorf(
				"%s_DATABASE not set (must be a valid database connection "+
					"string or sqlite file path)",
				andrzej.DefaultEnvPrefix,
			)
		}

		db, err := andrzej.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			nil,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer func() {
			_ = sqlDB.Close()
		}()

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
