package es

import (
	"context"
	"errors"
	"fmt"
)

// Handler consumes linked events for one component.
// Handle runs inside the transaction that records the delivery, so work done
// through tx commits or rolls back together with the stream status.
// Returning an error blocks the event's stream for this component.
type Handler interface {
	Handle(ctx context.Context, tx DBTX, event LinkedEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, tx DBTX, event LinkedEvent) error

// Handle implements Handler.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (f HandlerFunc) Handle(ctx context.Context, tx DBTX, event LinkedEvent) error {
	return f(ctx, tx, event)
}

// Subscription binds a handler to the (source, component) pair whose
// progress it owns.
type Subscription struct {
	Handler Handler

	// Source names the event source, e.g. the producing context
	Source string

	// Component names the consumer, e.g. "event_listener" or "indexer"
	Component string
}

// Validate checks that the subscription can be used.
func (s *Subscription) Validate() error {
	if s.Source == "" {
		return errors.New("subscription source is required")
	}
	if s.Component == "" {
		return errors.New("subscription component is required")
	}
	if s.Handler == nil {
		return fmt.Errorf("subscription %s/%s has no handler", s.Source, s.Component)
	}
	return nil
}

// Key returns the stream key of this subscription for a stream.
func (s *Subscription) Key(event *LinkedEvent) StreamKey {
	return StreamKey{
		Source:    s.Source,
		Component: s.Component,
		StreamID:  event.StreamID,
	}
}
