// Package sequencer turns unsequenced event log rows into linked events.
//
// Each linked event gets the event number following the sequence tail and
// points back at the tail, so the event log forms one chain
// 1 <- 2 <- 3 ... anchored at es.FirstPreviousEventNumber. The tail row is
// locked for the duration of one step, which serializes extending the
// chain across any number of sequencer processes, while the unsequenced row
// is picked with SKIP LOCKED so parallel sequencers never wait on the same row.
package sequencer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

const tracerName = "github.com/getpup/puplink/es/sequencer"

// errNothingToSequence rolls back a step that found no unsequenced row.
var errNothingToSequence = errors.New("nothing to sequence")

// Store is the persistence a Sequencer needs.
type Store interface {
	store.EventLog
	store.PublishQueue
}

// Config configures a Sequencer.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger es.Logger

	// Clock stamps publish queue entries
	Clock es.Clock

	// Tracer records a span per sequencing step.
	// If nil, the global tracer provider is used.
	Tracer trace.Tracer

	// Switch pauses sequencing while disabled. A nil Switch never pauses.
	Switch *es.Switch
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Clock: es.SystemClock{},
	}
}

// Option is a functional option for configuring a Sequencer.
type Option func(*Config)

// WithLogger sets a logger.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock.
func WithClock(clock es.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

// WithSwitch sets the switch that pauses sequencing.
func WithSwitch(sw *es.Switch) Option {
	return func(c *Config) {
		c.Switch = sw
	}
}

// NewConfig creates a configuration from the defaults and opts.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Sequencer assigns event numbers to unsequenced events.
// It is safe for concurrent use, including from several processes sharing
// one database.
type Sequencer struct {
	db     es.TxBeginner
	store  Store
	tracer trace.Tracer
	config Config
}

// New creates a Sequencer.
func New(db es.TxBeginner, s Store, config Config) *Sequencer {
	if config.Clock == nil {
		config.Clock = es.SystemClock{}
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Sequencer{
		db:     db,
		store:  s,
		tracer: tracer,
		config: config,
	}
}

// SequenceNext links the oldest unsequenced event.
//
// In one transaction it locks the tail, picks the oldest unsequenced row,
// stores the event numbers in the row and its metadata, moves the tail and
// enqueues the event for publishing. ok is false when there was nothing to
// sequence or the sequencer is paused; nothing is written in that case.
//
// The returned error matches es.ErrSequencingInvariant, and through it
// es.ErrHalt, when the log no longer forms a valid chain.
func (s *Sequencer) SequenceNext(ctx context.Context) (event es.LinkedEvent, ok bool, err error) {
	if !s.config.Switch.Enabled() {
		return es.LinkedEvent{}, false, nil
	}

	ctx, span := s.tracer.Start(ctx, "sequencer.SequenceNext")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	err = es.WithTx(ctx, s.db, func(tx es.DBTX) error {
		var stepErr error
		event, stepErr = s.step(ctx, tx)
		return stepErr
	})
	if errors.Is(err, errNothingToSequence) {
		return es.LinkedEvent{}, false, nil
	}
	if err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "sequencing failed", "error", err)
		}
		return es.LinkedEvent{}, false, err
	}

	span.SetAttributes(
		attribute.Int64("puplink.event_number", event.EventNumber),
		attribute.String("puplink.event_id", event.ID.String()),
		attribute.String("puplink.stream_id", event.StreamID.String()),
	)
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "event sequenced",
			"event_number", event.EventNumber,
			"previous_event_number", event.PreviousEventNumber,
			"event_id", event.ID,
			"stream_id", event.StreamID,
			"position", event.Position)
	}
	return event, true, nil
}

func (s *Sequencer) step(ctx context.Context, tx es.DBTX) (es.LinkedEvent, error) {
	tail, err := s.store.LockTail(ctx, tx)
	if err != nil {
		return es.LinkedEvent{}, err
	}

	if tail > es.FirstPreviousEventNumber {
		exists, err := s.store.EventNumberExists(ctx, tx, tail)
		if err != nil {
			return es.LinkedEvent{}, err
		}
		if !exists {
			return es.LinkedEvent{}, fmt.Errorf("%w: sequence tail is %d but no event carries that number",
				es.ErrSequencingInvariant, tail)
		}
	}

	raw, found, err := s.store.NextUnsequenced(ctx, tx)
	if err != nil {
		return es.LinkedEvent{}, err
	}
	if !found {
		return es.LinkedEvent{}, errNothingToSequence
	}

	event := es.LinkedEvent{
		RawEvent:            raw,
		EventNumber:         tail + 1,
		PreviousEventNumber: tail,
	}
	event.Metadata, err = es.WithEventNumbers(raw.Metadata, event.EventNumber, event.PreviousEventNumber)
	if err != nil {
		return es.LinkedEvent{}, fmt.Errorf("event %s: %w", raw.ID, err)
	}

	if err := s.store.MarkSequenced(ctx, tx, &event); err != nil {
		return es.LinkedEvent{}, err
	}
	if err := s.store.UpdateTail(ctx, tx, event.EventNumber); err != nil {
		return es.LinkedEvent{}, err
	}
	entry := es.PublishQueueEntry{EventID: event.ID, QueuedAt: s.config.Clock.Now()}
	if err := s.store.Enqueue(ctx, tx, entry); err != nil {
		return es.LinkedEvent{}, err
	}
	return event, nil
}

// SequenceBatch calls SequenceNext until nothing is left, max events have
// been sequenced, or ctx is done. max <= 0 means no limit.
func (s *Sequencer) SequenceBatch(ctx context.Context, max int) (int, error) {
	count := 0
	for max <= 0 || count < max {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		_, ok, err := s.SequenceNext(ctx)
		if err != nil {
			return count, err
		}
		if !ok {
			break
		}
		count++
	}

	if count > 0 && s.config.Logger != nil {
		s.config.Logger.Info(ctx, "sequencing batch complete", "sequenced", count)
	}
	return count, nil
}
