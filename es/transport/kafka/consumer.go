package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/getpup/puplink/es"
)

// Deliverer receives live events. It is implemented by *catchup.Coordinator.
type Deliverer interface {
	Deliver(ctx context.Context, sub *es.Subscription, event es.LinkedEvent) (es.Outcome, error)
}

// ConsumerConfig configures the consumer group client of a Consumer
type ConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// Validate checks that the configuration can be used.
func (c ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Consumer hands the events of a topic to a Deliverer for one subscription.
// Offsets are committed after every delivered poll, so a crash redelivers
// the last poll; the stream buffer discards what was already consumed.
type Consumer struct {
	sub       *es.Subscription
	deliverer Deliverer
	logger    es.Logger

	poll   func(context.Context) kgo.Fetches
	commit func(context.Context, ...*kgo.Record) error
	close  func()
}

// NewConsumer creates a Consumer with its own group client.
func NewConsumer(cfg ConsumerConfig, sub *es.Subscription, deliverer Deliverer, logger es.Logger, opts ...kgo.Opt) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	return &Consumer{
		sub:       sub,
		deliverer: deliverer,
		logger:    logger,
		poll:      cl.PollFetches,
		commit:    cl.CommitRecords,
		close:     cl.Close,
	}, nil
}

// Run polls until ctx is canceled or delivery fails. Records that do not
// carry a linked event are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches := c.poll(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
		}

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})
		if len(records) == 0 {
			continue
		}

		if err := c.deliver(ctx, records); err != nil {
			return err
		}
		if err := c.commit(ctx, records...); err != nil {
			return fmt.Errorf("commit offsets: %w", err)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, records []*kgo.Record) error {
	for _, record := range records {
		event, err := DecodeRecord(record)
		if err != nil {
			if c.logger != nil {
				c.logger.Error(ctx, "skipping record", "error", err)
			}
			continue
		}

		outcome, err := c.deliverer.Deliver(ctx, c.sub, event)
		if err != nil {
			return fmt.Errorf("deliver event %d: %w", event.EventNumber, err)
		}
		if c.logger != nil {
			c.logger.Debug(ctx, "record consumed",
				"partition", record.Partition,
				"offset", record.Offset,
				"event_number", event.EventNumber,
				"outcome", outcome.String())
		}
	}
	return nil
}
