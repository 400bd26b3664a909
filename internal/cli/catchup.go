package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/catchup"
	"github.com/getpup/puplink/es/publish"
	"github.com/getpup/puplink/es/runner"
)

// newCatchupCommand forwards the events a component has not processed yet to
// the configured transport, in per-stream order.
func newCatchupCommand(load LoadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Forward unprocessed events of a component to the publisher transport in stream order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, _ := cmd.Flags().GetString("source")
			component, _ := cmd.Flags().GetString("component")
			interval, _ := cmd.Flags().GetDuration("interval")
			if source == "" || component == "" {
				return errors.New("--source and --component are required")
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, s, err := openBackend(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			dispatcher, closeFn, err := newDispatcher(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			coordConfig := cfg.Catchup.CoordinatorConfig()
			coordConfig.Logger = logger
			coord := catchup.New(db, s, coordConfig)
			sub := &es.Subscription{
				Source:    source,
				Component: component,
				Handler:   forwardHandler(dispatcher),
			}

			once := func(ctx context.Context) error {
				result, err := coord.Run(ctx, sub)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d, %d]: delivered=%d buffered=%d discarded=%d failed=%d released=%d processed=%d\n",
					result.State, result.From, result.Through, result.Delivered, result.Buffered,
					result.Discarded, result.Failed, result.Released, result.Processed)
				return nil
			}

			if interval <= 0 {
				return once(ctx)
			}
			err = runner.New(runner.Config{Logger: logger}).Run(ctx, runner.Task{
				Name:     "catchup-" + source + "-" + component,
				Interval: interval,
				Run:      once,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("source", "", "event source (required)")
	cmd.Flags().String("component", "", "consuming component (required)")
	cmd.Flags().Duration("interval", 0, "repeat the run at this interval until interrupted (0: run once)")
	return cmd
}

// forwardHandler delivers every event through dispatcher.
func forwardHandler(dispatcher publish.Dispatcher) es.Handler {
	return es.HandlerFunc(func(ctx context.Context, _ es.DBTX, event es.LinkedEvent) error {
		return dispatcher.Dispatch(ctx, event)
	})
}
