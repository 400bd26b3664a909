package es

import (
	"time"

	"github.com/google/uuid"
)

// RawEvent represents a domain event as appended to the event log,
// before the sequencer has assigned it a place in the global order.
type RawEvent struct {
	// CreatedAt is when the event was created
	CreatedAt time.Time `json:"createdAt"`

	// Name identifies the type of event
	Name string `json:"name"`

	// Payload contains the event data
	// Stored as bytes so any serialization format can be used
	Payload []byte `json:"payload"`

	// Metadata contains additional event metadata as a JSON object.
	// The sequencer rewrites it exactly once to embed the event numbers.
	Metadata []byte `json:"metadata"`

	// Position is the position of the event within its stream.
	// Positions are assigned by the producer and start at 0.
	Position int64 `json:"position"`

	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// StreamID identifies the stream this event belongs to
	StreamID uuid.UUID `json:"streamId"`
}

// LinkedEvent is a RawEvent after sequencing.
// It carries its global event number and a back-pointer to the event
// immediately preceding it in global order.
type LinkedEvent struct {
	RawEvent

	// EventNumber is global, strictly increasing and never reused
	EventNumber int64 `json:"eventNumber"`

	// PreviousEventNumber is the EventNumber of the preceding event,
	// or FirstPreviousEventNumber for the first event ever sequenced
	PreviousEventNumber int64 `json:"previousEventNumber"`
}

// FirstPreviousEventNumber is the back-pointer carried by the first linked event.
const FirstPreviousEventNumber int64 = 0

// IsFirst reports whether e is the first event of the global chain.
func (e *LinkedEvent) IsFirst() bool {
	return e.PreviousEventNumber == FirstPreviousEventNumber
}

// PublishQueueEntry identifies a linked event awaiting dispatch.
type PublishQueueEntry struct {
	QueuedAt time.Time
	EventID  uuid.UUID
}
