// Package redisstream publishes linked events to a Redis stream with XADD.
package redisstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/transport"
)

// BodyField is the stream entry field holding the encoded event.
const BodyField = "event"

// Config configures a Dispatcher.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Stream is the key of the Redis stream
	Stream string

	// MaxLen caps the stream length approximately. 0 keeps every entry.
	MaxLen int64
}

// Validate checks that the configuration can be used.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Stream == "" {
		return errors.New("redis.stream is required")
	}
	if c.MaxLen < 0 {
		return errors.New("redis.max_len must not be negative")
	}
	return nil
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Dispatcher implements publish.Dispatcher by appending one stream entry
// per event.
type Dispatcher struct {
	client streamAdder
	closer func() error
	logger es.Logger
	stream string
	maxLen int64
}

// NewDispatcher creates a Dispatcher with its own client.
func NewDispatcher(cfg Config, logger es.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Dispatcher{
		client: rdb,
		closer: rdb.Close,
		logger: logger,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
	}, nil
}

// Dispatch appends event to the stream.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (d *Dispatcher) Dispatch(ctx context.Context, event es.LinkedEvent) error {
	body, err := transport.Encode(&event)
	if err != nil {
		return err
	}

	headers := transport.Headers(&event)
	values := make(map[string]interface{}, len(headers)+1)
	for _, h := range headers {
		values[h.Key] = h.Value
	}
	values[BodyField] = body

	args := &redis.XAddArgs{
		Stream: d.stream,
		ID:     "*",
		Values: values,
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}

	id, err := d.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd event %d to %s: %w", event.EventNumber, d.stream, err)
	}
	if d.logger != nil {
		d.logger.Debug(ctx, "event appended to redis stream",
			"stream", d.stream, "entry_id", id, "event_number", event.EventNumber)
	}
	return nil
}

// Close closes the client.
func (d *Dispatcher) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

// DecodeEntry returns the event carried by a stream entry.
func DecodeEntry(message redis.XMessage) (es.LinkedEvent, error) {
	raw, ok := message.Values[BodyField]
	if !ok {
		return es.LinkedEvent{}, fmt.Errorf("entry %s: %w: no %q field", message.ID, transport.ErrInvalidEnvelope, BodyField)
	}
	var body []byte
	switch v := raw.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		return es.LinkedEvent{}, fmt.Errorf("entry %s: %w: field %q is %T", message.ID, transport.ErrInvalidEnvelope, BodyField, raw)
	}
	return transport.Decode(body)
}
