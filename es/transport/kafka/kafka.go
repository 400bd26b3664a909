// Package kafka publishes linked events to a Kafka topic and feeds a topic
// back into the live delivery path.
//
// Records are keyed by stream ID, so every event of a stream lands on the
// same partition and keeps its relative order.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/transport"
)

// Config configures the Kafka client of a Dispatcher
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Validate checks that the configuration can be used.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// Dispatcher implements publish.Dispatcher by producing one record per event.
type Dispatcher struct {
	topic   string
	logger  es.Logger
	produce func(context.Context, *kgo.Record) error
	close   func()
}

// NewDispatcher creates a Dispatcher with its own client. opts are appended
// to the client options derived from cfg.
func NewDispatcher(cfg Config, logger es.Logger, opts ...kgo.Opt) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	d := &Dispatcher{topic: cfg.Topic, logger: logger}
	d.produce = func(ctx context.Context, r *kgo.Record) error {
		return cl.ProduceSync(ctx, r).FirstErr()
	}
	d.close = cl.Close
	return d, nil
}

// Dispatch produces event and waits for the broker acknowledgement.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (d *Dispatcher) Dispatch(ctx context.Context, event es.LinkedEvent) error {
	record, err := NewRecord(d.topic, &event)
	if err != nil {
		return err
	}
	if err := d.produce(ctx, record); err != nil {
		return fmt.Errorf("produce event %d to %s: %w", event.EventNumber, d.topic, err)
	}
	if d.logger != nil {
		d.logger.Debug(ctx, "event produced", "topic", d.topic, "event_number", event.EventNumber)
	}
	return nil
}

// Close closes the client.
func (d *Dispatcher) Close() {
	if d.close != nil {
		d.close()
	}
}

// NewRecord builds the record for event.
func NewRecord(topic string, event *es.LinkedEvent) (*kgo.Record, error) {
	body, err := transport.Encode(event)
	if err != nil {
		return nil, err
	}
	headers := transport.Headers(event)
	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(event.StreamID.String()),
		Value:   body,
		Headers: make([]kgo.RecordHeader, 0, len(headers)),
	}
	for _, h := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: h.Key, Value: []byte(h.Value)})
	}
	return record, nil
}

// DecodeRecord returns the event carried by record.
func DecodeRecord(record *kgo.Record) (es.LinkedEvent, error) {
	event, err := transport.Decode(record.Value)
	if err != nil {
		return es.LinkedEvent{}, fmt.Errorf("record %s/%d/%d: %w", record.Topic, record.Partition, record.Offset, err)
	}
	return event, nil
}
