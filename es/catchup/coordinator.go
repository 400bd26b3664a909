// Package catchup delivers the sequenced events a subscription has not
// processed yet.
//
// A run computes the missing range (processed, sequenced], reads it in
// batches and lets a bounded pool of workers push every event through a
// stream.Buffer, one transaction per event. A handler failure blocks only
// the stream it happened on; the run carries on. Progress is committed per
// batch as the highest event number below which everything is done, so a
// run killed half way resumes where the last batch ended.
package catchup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
	"github.com/getpup/puplink/es/stream"
)

const tracerName = "github.com/getpup/puplink/es/catchup"

// ErrStreamReblocked is returned by Resume when a held event fails again
// right after the fix. The stream is blocked by a new stream error and the
// returned error also wraps the *stream.ConsumerError.
var ErrStreamReblocked = errors.New("stream blocked again")

// Store is the persistence a Coordinator needs.
type Store interface {
	store.EventLog
	store.SubscriptionStore
	stream.Store
}

// Config configures a Coordinator.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger es.Logger

	// Clock stamps status, buffer and error rows
	Clock es.Clock

	// Tracer records a span per run. If nil, the global provider is used.
	Tracer trace.Tracer

	// OnTransition is called on every state change of a run.
	// Calls are serialized per run.
	OnTransition func(sub *es.Subscription, from, to State)

	// Workers is the number of events processed concurrently per run
	Workers int

	// BatchSize is the number of events read per batch
	BatchSize int

	// ReleaseLimit bounds the unblocked streams drained at the start of a run
	ReleaseLimit int

	// Strategy decides what a handler failure does to a run
	Strategy Strategy
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Clock:        es.SystemClock{},
		Workers:      4,
		BatchSize:    500,
		ReleaseLimit: 100,
		Strategy:     IsolateFailures,
	}
}

// Coordinator runs catch-up and live delivery for subscriptions.
type Coordinator struct {
	db      es.TxBeginner
	store   Store
	buffer  *stream.Buffer
	tracker *stream.ErrorTracker
	tracer  trace.Tracer
	config  Config
}

// New creates a Coordinator. Non-positive sizes fall back to the defaults.
func New(db es.TxBeginner, s Store, config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ReleaseLimit <= 0 {
		config.ReleaseLimit = defaults.ReleaseLimit
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	streamConfig := stream.Config{Logger: config.Logger, Clock: config.Clock}
	return &Coordinator{
		db:      db,
		store:   s,
		buffer:  stream.NewBuffer(s, streamConfig),
		tracker: stream.NewErrorTracker(s, streamConfig),
		tracer:  tracer,
		config:  config,
	}
}

type run struct {
	sub    *es.Subscription
	result *Result
	hook   func(sub *es.Subscription, from, to State)
	mu     sync.Mutex
}

func (r *run) transition(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.result.State
	r.result.State = to
	if r.hook != nil {
		r.hook(r.sub, from, to)
	}
}

// failed records an isolated failure as the pair of transitions into
// FailedEventHandled and back.
func (r *run) failed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.State = Drain
	if r.hook != nil {
		r.hook(r.sub, Drain, FailedEventHandled)
		r.hook(r.sub, FailedEventHandled, Drain)
	}
}

// Run catches sub up with the event log.
//
// Storage errors abort the run and are returned; the next run resumes from
// the last committed batch. With IsolateFailures handler failures never
// abort the run.
func (c *Coordinator) Run(ctx context.Context, sub *es.Subscription) (result *Result, err error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "catchup.Run", trace.WithAttributes(
		attribute.String("puplink.source", sub.Source),
		attribute.String("puplink.component", sub.Component),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r := &run{
		sub:    sub,
		result: &Result{Queue: NewWorkQueue(), State: Idle},
		hook:   c.config.OnTransition,
	}
	result = r.result
	r.transition(ComputeRange)

	released, err := c.release(ctx, sub)
	result.Released = released
	if err != nil {
		return result, err
	}

	var processed, highest int64
	err = es.WithTx(ctx, c.db, func(tx es.DBTX) error {
		var err error
		if processed, err = c.store.ProcessedEventNumber(ctx, tx, sub.Source, sub.Component); err != nil {
			return err
		}
		highest, err = c.store.SequencedMax(ctx, tx)
		return err
	})
	if err != nil {
		return result, err
	}
	result.From, result.Through, result.Processed = processed, highest, processed
	span.SetAttributes(attribute.Int64("puplink.from", processed), attribute.Int64("puplink.through", highest))

	r.transition(Drain)
	if highest <= processed {
		r.transition(Idle)
		return result, nil
	}

	watermark := NewWatermark(processed)
	for after := processed; after < highest; {
		var page []es.LinkedEvent
		err := es.WithTx(ctx, c.db, func(tx es.DBTX) error {
			var err error
			page, err = c.store.ReadLinked(ctx, tx, after, highest, c.config.BatchSize)
			if err != nil {
				return err
			}
			return c.announce(ctx, tx, sub, page)
		})
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			watermark.Track(page[i].EventNumber)
		}
		result.Queue.Push(page...)

		drainErr := c.drainQueue(ctx, r, watermark)
		if drainErr != nil && !isConsumerError(drainErr) {
			return result, drainErr
		}
		if err := c.commit(ctx, sub, watermark.Value(), result); err != nil {
			return result, errors.Join(drainErr, err)
		}
		if drainErr != nil {
			return result, drainErr
		}
		after = page[len(page)-1].EventNumber
	}

	if result.Complete() {
		r.transition(Complete)
	}
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "catch-up run finished",
			"source", sub.Source,
			"component", sub.Component,
			"from", result.From,
			"through", result.Through,
			"processed", result.Processed,
			"delivered", result.Delivered,
			"buffered", result.Buffered,
			"discarded", result.Discarded,
			"failed", result.Failed,
			"released", result.Released)
	}
	return result, nil
}

func (c *Coordinator) drainQueue(ctx context.Context, r *run, watermark *Watermark) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.config.Workers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				event, ok := r.result.Queue.Pop()
				if !ok {
					return nil
				}
				err := c.work(gctx, r, &event)
				r.result.Queue.Done()
				if err != nil {
					return err
				}
				watermark.Done(event.EventNumber)
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (c *Coordinator) work(ctx context.Context, r *run, event *es.LinkedEvent) error {
	outcome, failed, err := c.process(ctx, r.sub, event)
	if err != nil {
		return err
	}
	if failed {
		r.result.count(0, 0, 0, 1)
		r.failed()
		return nil
	}
	switch outcome {
	case es.Delivered:
		r.result.count(1, 0, 0, 0)
	case es.Buffered:
		r.result.count(0, 1, 0, 0)
	case es.Discarded:
		r.result.count(0, 0, 1, 0)
	}
	return nil
}

func (c *Coordinator) commit(ctx context.Context, sub *es.Subscription, processed int64, result *Result) error {
	if processed <= result.Processed {
		return nil
	}
	err := es.WithTx(ctx, c.db, func(tx es.DBTX) error {
		return c.store.AdvanceProcessedEventNumber(ctx, tx, sub.Source, sub.Component, processed)
	})
	if err != nil {
		return err
	}
	result.Processed = processed
	return nil
}

// Deliver is the live path: it offers one event to sub with the same
// failure handling as a run. An isolated failure is reported as Buffered.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (c *Coordinator) Deliver(ctx context.Context, sub *es.Subscription, event es.LinkedEvent) (es.Outcome, error) {
	if err := sub.Validate(); err != nil {
		return 0, err
	}
	outcome, _, err := c.process(ctx, sub, &event)
	return outcome, err
}

// Resume deletes the stream error errorID, unblocks streamID for sub and
// delivers what the stream held. It returns the number of events delivered.
func (c *Coordinator) Resume(ctx context.Context, sub *es.Subscription, errorID, streamID uuid.UUID) (int, error) {
	if err := sub.Validate(); err != nil {
		return 0, err
	}
	key := es.StreamKey{Source: sub.Source, Component: sub.Component, StreamID: streamID}

	err := es.WithTx(ctx, c.db, func(tx es.DBTX) error {
		return c.tracker.MarkFixed(ctx, tx, errorID, key)
	})
	if err != nil {
		return 0, err
	}
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "stream resumed", "stream", key.String(), "stream_error_id", errorID)
	}
	delivered, failure, err := c.drainStream(ctx, sub, streamID)
	if err != nil {
		return delivered, err
	}
	if failure != nil {
		return delivered, fmt.Errorf("%w: %s: %w", ErrStreamReblocked, key, failure)
	}
	return delivered, nil
}

// announce raises the latest known position of every stream in page, so
// statuses stop reporting up to date before the events are delivered.
func (c *Coordinator) announce(ctx context.Context, tx es.DBTX, sub *es.Subscription, page []es.LinkedEvent) error {
	latest := make(map[es.StreamKey]int64)
	var keys []es.StreamKey
	for i := range page {
		key := sub.Key(&page[i])
		position, seen := latest[key]
		if !seen {
			keys = append(keys, key)
		}
		if !seen || page[i].Position > position {
			latest[key] = page[i].Position
		}
	}
	for _, key := range keys {
		if err := c.buffer.Announce(ctx, tx, key, latest[key]); err != nil {
			return err
		}
	}
	return nil
}

// release drains streams that were unblocked but still hold events.
func (c *Coordinator) release(ctx context.Context, sub *es.Subscription) (int, error) {
	var keys []es.StreamKey
	err := es.WithTx(ctx, c.db, func(tx es.DBTX) error {
		var err error
		keys, err = c.store.FindReleasable(ctx, tx, sub.Source, sub.Component, c.config.ReleaseLimit)
		return err
	})
	if err != nil {
		return 0, err
	}

	released := 0
	for _, key := range keys {
		n, _, err := c.drainStream(ctx, sub, key.StreamID)
		released += n
		if err != nil {
			return released, err
		}
	}
	return released, nil
}

// drainStream delivers what streamID holds. When a held event fails and the
// failure is isolated, the stream is blocked again and the failure is
// returned alongside a nil error.
func (c *Coordinator) drainStream(ctx context.Context, sub *es.Subscription, streamID uuid.UUID) (int, *stream.ConsumerError, error) {
	var delivered int
	err := es.WithTx(ctx, c.db, func(tx es.DBTX) error {
		var err error
		delivered, err = c.buffer.Drain(ctx, tx, sub, streamID)
		return err
	})

	var consumerErr *stream.ConsumerError
	if errors.As(err, &consumerErr) && c.config.Strategy == IsolateFailures {
		if err := c.isolate(ctx, sub, consumerErr, nil); err != nil {
			return 0, nil, err
		}
		return 0, consumerErr, nil
	}
	return delivered, nil, err
}

// process runs event through the buffer in its own transaction. On a
// handler failure it returns failed and records the stream error.
func (c *Coordinator) process(ctx context.Context, sub *es.Subscription, event *es.LinkedEvent) (outcome es.Outcome, failed bool, err error) {
	err = es.WithTx(ctx, c.db, func(tx es.DBTX) error {
		var err error
		outcome, err = c.buffer.Accept(ctx, tx, sub, *event)
		return err
	})

	var consumerErr *stream.ConsumerError
	if !errors.As(err, &consumerErr) {
		return outcome, false, err
	}
	if c.config.Strategy == HaltOnFailure {
		return 0, true, err
	}
	if err := c.isolate(ctx, sub, consumerErr, event); err != nil {
		return 0, true, err
	}
	return es.Buffered, true, nil
}

// isolate blocks the stream of a failed event and holds both the failing
// event and, when the failure happened while draining behind it, the
// incoming one.
func (c *Coordinator) isolate(ctx context.Context, sub *es.Subscription, failure *stream.ConsumerError, incoming *es.LinkedEvent) error {
	details := es.NewErrorDetails(failure.Err, sub, &failure.Event)

	var marked bool
	err := es.WithTx(ctx, c.db, func(tx es.DBTX) error {
		var err error
		marked, err = c.tracker.MarkErrored(ctx, tx, failure.Key, failure.Event.Position, details)
		if err != nil {
			return err
		}
		if incoming != nil && incoming.ID != failure.Event.ID {
			if err := c.buffer.Hold(ctx, tx, sub, *incoming); err != nil {
				return err
			}
		}
		return c.buffer.Hold(ctx, tx, sub, failure.Event)
	})
	if err != nil {
		return fmt.Errorf("failed to record handler failure on %s: %w", failure.Key, err)
	}

	if c.config.Logger != nil {
		c.config.Logger.Error(ctx, "event handling failed, stream blocked",
			"stream", failure.Key.String(),
			"position", failure.Event.Position,
			"event_number", failure.Event.EventNumber,
			"newly_blocked", marked,
			"error", failure.Err)
	}
	return nil
}

func isConsumerError(err error) bool {
	var consumerErr *stream.ConsumerError
	return errors.As(err, &consumerErr)
}
