// Package cli contains the Cobra commands of the puplink binary.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/getpup/puplink/internal/config"
)

// LoadFunc loads the binary configuration.
type LoadFunc func() (config.Config, error)

// NewRoot constructs the root command and registers every subcommand.
func NewRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "puplink",
		Short:         "Event log sequencer and publisher",
		Long:          "puplink assigns a global order to events, publishes them and tracks per-stream consumption.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file; PUPLINK_* environment variables override it")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newRunCommand(load),
		newMigrateCommand(),
		newStreamsCommand(load),
		newCatchupCommand(load),
		newConsumeCommand(load),
		newVerifyChainCommand(load),
		newQueueSizeCommand(load),
		newVersionCommand(),
	)
	return root
}
