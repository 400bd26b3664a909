package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/catchup"
	"github.com/getpup/puplink/es/transport/kafka"
	"github.com/getpup/puplink/internal/config"
)

// newConsumeCommand delivers the events published to the Kafka topic to a
// component live, with the same per-stream ordering as catchup.
func newConsumeCommand(load LoadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Deliver events from the Kafka topic to a component in stream order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, _ := cmd.Flags().GetString("source")
			component, _ := cmd.Flags().GetString("component")
			group, _ := cmd.Flags().GetString("group")
			if source == "" || component == "" {
				return errors.New("--source and --component are required")
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			consumerConfig := kafkaConsumerConfig(cfg.Kafka, component, group)
			if err := consumerConfig.Validate(); err != nil {
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

			coordConfig := cfg.Catchup.CoordinatorConfig()
			coordConfig.Logger = logger
			sub := &es.Subscription{
				Source:    source,
				Component: component,
				Handler:   forwardHandler(logDispatcher(logger)),
			}
			consumer, err := kafka.NewConsumer(consumerConfig, sub, catchup.New(db, s, coordConfig), logger)
			if err != nil {
				return err
			}

			err = consumer.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("source", "", "event source (required)")
	cmd.Flags().String("component", "", "consuming component (required)")
	cmd.Flags().String("group", "", "consumer group (default: puplink-<component>)")
	return cmd
}

func kafkaConsumerConfig(cfg config.KafkaConfig, component, group string) kafka.ConsumerConfig {
	if group == "" {
		group = "puplink-" + component
	}
	return kafka.ConsumerConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  group,
		ClientID: cfg.ClientID,
	}
}
