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
	"github.com/getpup/puplink/es/publish"
	"github.com/getpup/puplink/es/runner"
	"github.com/getpup/puplink/es/sequencer"
	"github.com/getpup/puplink/es/store"
	"github.com/getpup/puplink/es/transport/kafka"
	"github.com/getpup/puplink/es/transport/redisstream"
	"github.com/getpup/puplink/internal/config"
)

func newRunCommand(load LoadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sequencer and publisher until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			var dispatcher publish.Dispatcher
			if cfg.Publisher.Enabled {
				d, closeFn, err := newDispatcher(cfg, logger)
				if err != nil {
					return err
				}
				defer closeFn()
				dispatcher = d
			}

			tasks := buildTasks(db, s, dispatcher, cfg, logger)
			if len(tasks) == 0 {
				return errors.New("sequencer and publisher are both disabled")
			}

			logger.Info(ctx, "puplink started",
				"driver", cfg.Database.Driver,
				"transport", cfg.Publisher.Transport,
				"tasks", len(tasks),
			)
			err = runner.New(runner.Config{Logger: logger}).Run(ctx, tasks...)
			if errors.Is(err, context.Canceled) {
				logger.Info(context.Background(), "puplink stopped")
				return nil
			}
			return err
		},
	}
}

// buildTasks returns the sequencer and publisher tasks enabled by cfg.
// Workers of one kind share a component, so the publish rate limit is
// global to the process.
func buildTasks(db es.TxBeginner, s store.Store, dispatcher publish.Dispatcher, cfg config.Config, logger es.Logger) []runner.Task {
	var tasks []runner.Task

	if cfg.Sequencer.Enabled {
		seq := sequencer.New(db, s, sequencer.NewConfig(sequencer.WithLogger(logger)))
		batch := cfg.Sequencer.Batch
		for i := 0; i < cfg.Sequencer.Workers; i++ {
			tasks = append(tasks, runner.Task{
				Name:     fmt.Sprintf("sequencer-%d", i),
				Interval: cfg.Sequencer.PollInterval,
				Run: func(ctx context.Context) error {
					_, err := seq.SequenceBatch(ctx, batch)
					return err
				},
			})
		}
	}

	if cfg.Publisher.Enabled && dispatcher != nil {
		pub := publish.New(db, s, dispatcher, publish.NewConfig(
			publish.WithLogger(logger),
			publish.WithRateLimit(cfg.Publisher.RatePerSecond, cfg.Publisher.Workers),
		))
		batch := cfg.Publisher.Batch
		for i := 0; i < cfg.Publisher.Workers; i++ {
			tasks = append(tasks, runner.Task{
				Name:     fmt.Sprintf("publisher-%d", i),
				Interval: cfg.Publisher.PollInterval,
				Run: func(ctx context.Context) error {
					_, err := pub.PublishBatch(ctx, batch)
					return err
				},
			})
		}
	}

	return tasks
}

// newDispatcher returns the dispatcher of the configured transport and a
// function releasing its client.
func newDispatcher(cfg config.Config, logger es.Logger) (publish.Dispatcher, func(), error) {
	switch cfg.Publisher.Transport {
	case config.TransportKafka:
		d, err := kafka.NewDispatcher(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka transport: %w", err)
		}
		return d, d.Close, nil
	case config.TransportRedis:
		d, err := redisstream.NewDispatcher(redisstream.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("redis transport: %w", err)
		}
		return d, func() { d.Close() }, nil
	default:
		return logDispatcher(logger), func() {}, nil
	}
}

// logDispatcher writes every event to the log instead of a broker.
func logDispatcher(logger es.Logger) publish.Dispatcher {
	return publish.DispatcherFunc(func(ctx context.Context, event es.LinkedEvent) error {
		logger.Info(ctx, "event published",
			"event_number", event.EventNumber,
			"previous_event_number", event.PreviousEventNumber,
			"event_id", event.ID,
			"stream_id", event.StreamID,
			"name", event.Name,
		)
		return nil
	})
}
