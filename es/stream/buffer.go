package stream

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

// Store is the persistence a Buffer and an ErrorTracker need.
type Store interface {
	store.StreamStatusStore
	store.StreamBufferStore
	store.StreamErrorStore
}

// Config configures a Buffer or an ErrorTracker.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger es.Logger

	// Clock stamps status, buffer and error rows
	Clock es.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Clock: es.SystemClock{}}
}

// ConsumerError is returned when a handler fails on an event.
// The caller's transaction must be rolled back; the failure is then
// recorded with ErrorTracker.MarkErrored in a new one.
type ConsumerError struct {
	Err   error
	Key   es.StreamKey
	Event es.LinkedEvent
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer %s/%s failed on event %d at position %d of stream %s: %v",
		e.Key.Source, e.Key.Component, e.Event.EventNumber, e.Event.Position, e.Key.StreamID, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// Buffer orders delivery per stream.
type Buffer struct {
	store  Store
	config Config
}

// NewBuffer creates a Buffer.
func NewBuffer(s Store, config Config) *Buffer {
	if config.Clock == nil {
		config.Clock = es.SystemClock{}
	}
	return &Buffer{store: s, config: config}
}

// Accept offers event to sub.
//
// A position already consumed is Discarded. The next expected position is
// handed to the handler, after which buffered successors are drained;
// the result is Delivered. Anything else, and every arrival on a blocked
// stream, is stored and the result is Buffered.
//
// A handler failure is returned as *ConsumerError and leaves tx in a state
// that must be rolled back.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (b *Buffer) Accept(ctx context.Context, tx es.DBTX, sub *es.Subscription, event es.LinkedEvent) (es.Outcome, error) {
	key := sub.Key(&event)
	status, err := b.store.LockStatus(ctx, tx, key)
	if err != nil {
		return 0, err
	}

	if event.Position < status.NextPosition() {
		if b.config.Logger != nil {
			b.config.Logger.Debug(ctx, "event discarded",
				"stream", key.String(), "position", event.Position, "stream_position", status.Position)
		}
		return es.Discarded, nil
	}

	status.Observe(event.Position)

	if status.IsBlocked() || event.Position > status.NextPosition() {
		if err := b.hold(ctx, tx, key, &event); err != nil {
			return 0, err
		}
		if !status.IsBlocked() {
			if _, err := b.drain(ctx, tx, sub, &status); err != nil {
				return 0, err
			}
		}
		if err := b.save(ctx, tx, &status); err != nil {
			return 0, err
		}
		if b.config.Logger != nil {
			b.config.Logger.Debug(ctx, "event buffered",
				"stream", key.String(), "position", event.Position, "blocked", status.IsBlocked())
		}
		return es.Buffered, nil
	}

	if err := b.deliver(ctx, tx, sub, key, &event); err != nil {
		return 0, err
	}
	// An earlier copy may be held from a blocked period.
	if err := b.store.RemoveBuffered(ctx, tx, key, event.Position); err != nil {
		return 0, err
	}
	status.Advance(event.Position)
	if _, err := b.drain(ctx, tx, sub, &status); err != nil {
		return 0, err
	}
	if err := b.save(ctx, tx, &status); err != nil {
		return 0, err
	}
	return es.Delivered, nil
}

// Drain delivers the held events of streamID that follow the consumed
// position without a gap. Nothing is delivered while the stream is blocked.
func (b *Buffer) Drain(ctx context.Context, tx es.DBTX, sub *es.Subscription, streamID uuid.UUID) (int, error) {
	key := es.StreamKey{Source: sub.Source, Component: sub.Component, StreamID: streamID}
	status, err := b.store.LockStatus(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if status.IsBlocked() {
		return 0, nil
	}

	delivered, err := b.drain(ctx, tx, sub, &status)
	if err != nil {
		return 0, err
	}
	if delivered > 0 {
		if err := b.save(ctx, tx, &status); err != nil {
			return 0, err
		}
	}
	return delivered, nil
}

// Hold stores event for later delivery without touching the handler.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (b *Buffer) Hold(ctx context.Context, tx es.DBTX, sub *es.Subscription, event es.LinkedEvent) error {
	key := sub.Key(&event)
	status, err := b.store.LockStatus(ctx, tx, key)
	if err != nil {
		return err
	}
	if event.Position < status.NextPosition() {
		return nil
	}
	status.Observe(event.Position)
	if err := b.hold(ctx, tx, key, &event); err != nil {
		return err
	}
	return b.save(ctx, tx, &status)
}

// Announce records that position exists upstream for key without
// delivering anything.
func (b *Buffer) Announce(ctx context.Context, tx es.DBTX, key es.StreamKey, position int64) error {
	status, err := b.store.LockStatus(ctx, tx, key)
	if err != nil {
		return err
	}
	if position <= status.LatestKnownPosition {
		return nil
	}
	status.Observe(position)
	return b.save(ctx, tx, &status)
}

func (b *Buffer) drain(ctx context.Context, tx es.DBTX, sub *es.Subscription, status *es.StreamStatus) (int, error) {
	delivered := 0
	for {
		held, ok, err := b.store.FindBuffered(ctx, tx, status.Key, status.NextPosition())
		if err != nil {
			return delivered, err
		}
		if !ok {
			return delivered, nil
		}

		if err := b.deliver(ctx, tx, sub, status.Key, &held.Event); err != nil {
			return delivered, err
		}
		if err := b.store.RemoveBuffered(ctx, tx, status.Key, held.Position); err != nil {
			return delivered, err
		}
		status.Advance(held.Position)
		delivered++
	}
}

func (b *Buffer) deliver(ctx context.Context, tx es.DBTX, sub *es.Subscription, key es.StreamKey, event *es.LinkedEvent) error {
	if err := sub.Handler.Handle(ctx, tx, *event); err != nil {
		return &ConsumerError{Err: err, Key: key, Event: *event}
	}
	if b.config.Logger != nil {
		b.config.Logger.Debug(ctx, "event delivered",
			"stream", key.String(), "position", event.Position, "event_number", event.EventNumber)
	}
	return nil
}

func (b *Buffer) hold(ctx context.Context, tx es.DBTX, key es.StreamKey, event *es.LinkedEvent) error {
	return b.store.BufferEvent(ctx, tx, &es.BufferedEvent{
		Key:        key,
		Position:   event.Position,
		Event:      *event,
		BufferedAt: b.config.Clock.Now(),
	})
}

func (b *Buffer) save(ctx context.Context, tx es.DBTX, status *es.StreamStatus) error {
	status.UpdatedAt = b.config.Clock.Now()
	return b.store.SaveStatus(ctx, tx, status)
}
