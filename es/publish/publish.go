// Package publish hands linked events from the publish queue to a Dispatcher.
//
// Delivery is at-least-once: an entry leaves the queue only in the
// transaction that observed a successful dispatch, so a crash between
// dispatch and commit dispatches the event again.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

const tracerName = "github.com/getpup/puplink/es/publish"

var errQueueEmpty = errors.New("publish queue empty")

// Dispatcher delivers a linked event to downstream consumers.
// Dispatch must be idempotent per event ID; a failure leaves the event queued.
type Dispatcher interface {
	Dispatch(ctx context.Context, event es.LinkedEvent) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, event es.LinkedEvent) error

// Dispatch implements Dispatcher.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (f DispatcherFunc) Dispatch(ctx context.Context, event es.LinkedEvent) error {
	return f(ctx, event)
}

// Store is the persistence a Publisher needs.
type Store interface {
	store.PublishQueue
	FindLinked(ctx context.Context, tx es.DBTX, eventID uuid.UUID) (es.LinkedEvent, error)
}

// Config configures a Publisher.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger es.Logger

	// Tracer records a span per dispatch. If nil, the global provider is used.
	Tracer trace.Tracer

	// Limiter bounds the dispatch rate. If nil, dispatch is unbounded.
	Limiter *rate.Limiter

	// Switch pauses publishing while disabled. A nil Switch never pauses.
	Switch *es.Switch
}

// Option is a functional option for configuring a Publisher.
type Option func(*Config)

// WithLogger sets a logger.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

// WithRateLimit allows perSecond dispatches per second with the given burst.
// perSecond <= 0 removes the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Config) {
		if perSecond <= 0 {
			c.Limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSwitch sets the switch that pauses publishing.
func WithSwitch(sw *es.Switch) Option {
	return func(c *Config) {
		c.Switch = sw
	}
}

// NewConfig creates a configuration from opts.
func NewConfig(opts ...Option) Config {
	var config Config
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Publisher drains the publish queue. Several publishers may share a queue;
// each entry is handed to exactly one of them at a time.
type Publisher struct {
	db         es.TxBeginner
	store      Store
	dispatcher Dispatcher
	tracer     trace.Tracer
	config     Config
}

// New creates a Publisher.
func New(db es.TxBeginner, s Store, dispatcher Dispatcher, config Config) *Publisher {
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Publisher{
		db:         db,
		store:      s,
		dispatcher: dispatcher,
		tracer:     tracer,
		config:     config,
	}
}

// PublishNext dispatches the oldest queued event and removes it from the
// queue. ok is false when the queue is empty or publishing is paused.
// A dispatch error rolls back and leaves the entry queued.
func (p *Publisher) PublishNext(ctx context.Context) (ok bool, err error) {
	if !p.config.Switch.Enabled() {
		return false, nil
	}
	if p.config.Limiter != nil {
		if err := p.config.Limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	ctx, span := p.tracer.Start(ctx, "publish.PublishNext")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var event es.LinkedEvent
	err = es.WithTx(ctx, p.db, func(tx es.DBTX) error {
		entry, found, err := p.store.TakeNext(ctx, tx)
		if err != nil {
			return err
		}
		if !found {
			return errQueueEmpty
		}

		event, err = p.store.FindLinked(ctx, tx, entry.EventID)
		if errors.Is(err, store.ErrEventNotFound) {
			return fmt.Errorf("%w: queued event %s is not sequenced", es.ErrSequencingInvariant, entry.EventID)
		}
		if err != nil {
			return err
		}

		span.SetAttributes(
			attribute.Int64("puplink.event_number", event.EventNumber),
			attribute.String("puplink.event_id", event.ID.String()),
		)
		if err := p.dispatcher.Dispatch(ctx, event); err != nil {
			return fmt.Errorf("failed to dispatch event %d: %w", event.EventNumber, err)
		}
		return p.store.Remove(ctx, tx, entry.EventID)
	})
	if errors.Is(err, errQueueEmpty) {
		return false, nil
	}
	if err != nil {
		if p.config.Logger != nil {
			p.config.Logger.Error(ctx, "publish failed", "error", err)
		}
		return false, err
	}

	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "event published",
			"event_number", event.EventNumber,
			"event_id", event.ID,
			"name", event.Name)
	}
	return true, nil
}

// PublishBatch calls PublishNext until the queue is empty, max events have
// been published, or ctx is done. max <= 0 means no limit.
func (p *Publisher) PublishBatch(ctx context.Context, max int) (int, error) {
	count := 0
	for max <= 0 || count < max {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		ok, err := p.PublishNext(ctx)
		if err != nil {
			return count, err
		}
		if !ok {
			break
		}
		count++
	}
	return count, nil
}
