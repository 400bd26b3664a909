package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	puplink "github.com/getpup/puplink/pkg"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the puplink version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "puplink %s\n", puplink.Version())
		},
	}
}
