package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getpup/puplink/es/admin"
	"github.com/getpup/puplink/es/sequencer"
)

func newVerifyChainCommand(load LoadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Check that event numbers form an unbroken chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetInt64("from")
			to, _ := cmd.Flags().GetInt64("to")

			return withAdmin(cmd.Context(), load, cmd.ErrOrStderr(), func(svc *admin.Service) error {
				checked, err := svc.VerifyChain(cmd.Context(), from, to)
				var chainErr *sequencer.ChainError
				if errors.As(err, &chainErr) {
					fmt.Fprintf(cmd.OutOrStdout(), "chain broken after %d events: %v\n", checked, chainErr)
					return err
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "chain intact: %d events checked\n", checked)
				return nil
			})
		},
	}
	cmd.Flags().Int64("from", 0, "start after this event number")
	cmd.Flags().Int64("to", 0, "last event number to check (0: latest)")
	return cmd
}

func newQueueSizeCommand(load LoadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-size",
		Short: "Print the number of events awaiting publication",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd.Context(), load, cmd.ErrOrStderr(), func(svc *admin.Service) error {
				size, err := svc.QueueSize(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), size)
				return nil
			})
		},
	}
}
