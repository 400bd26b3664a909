package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/getpup/puplink/es/migrations"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Generate the SQL migration creating the puplink tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, _ := cmd.Flags().GetString("adapter")
			output, _ := cmd.Flags().GetString("output")
			filename, _ := cmd.Flags().GetString("filename")

			dialect, err := migrations.ParseDialect(adapter)
			if err != nil {
				return err
			}

			config := migrations.DefaultConfig()
			config.OutputFolder = output
			if filename != "" {
				config.OutputFilename = filename
			}
			if err := migrations.Generate(&config, dialect); err != nil {
				return fmt.Errorf("failed to generate migration: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s\n", dialect, filepath.Join(config.OutputFolder, config.OutputFilename))
			return nil
		},
	}
	cmd.Flags().String("adapter", "postgres", "database adapter: postgres, mysql or sqlite")
	cmd.Flags().String("output", "migrations", "output folder for the migration file")
	cmd.Flags().String("filename", "", "migration file name (default: timestamped)")
	return cmd
}
