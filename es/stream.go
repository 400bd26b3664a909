package es

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InitialPosition is the position of a stream status that has not consumed
// any event yet. The next expected position is always Position + 1, so the
// first event of a stream (position 0) is delivered immediately.
const InitialPosition int64 = -1

// StreamKey identifies the consumption state of one stream by one
// component of one event source.
type StreamKey struct {
	Source    string
	Component string
	StreamID  uuid.UUID
}

// String returns a compact representation used in logs and errors.
func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.Component, k.StreamID)
}

// StreamStatus tracks how far a component has consumed a stream.
type StreamStatus struct {
	UpdatedAt time.Time

	// StreamErrorID references the active error blocking this stream, if any
	StreamErrorID uuid.NullUUID

	Key StreamKey

	// Position is the last successfully consumed position
	Position int64

	// LatestKnownPosition is the highest position known to exist
	LatestKnownPosition int64

	// UpToDate is true exactly when Position == LatestKnownPosition
	UpToDate bool
}

// NewStreamStatus returns the status of a stream nothing has been consumed from.
func NewStreamStatus(key StreamKey, now time.Time) StreamStatus {
	return StreamStatus{
		Key:                 key,
		Position:            InitialPosition,
		LatestKnownPosition: InitialPosition,
		UpToDate:            true,
		UpdatedAt:           now,
	}
}

// NextPosition returns the position expected to be delivered next.
func (s StreamStatus) NextPosition() int64 {
	return s.Position + 1
}

// IsBlocked reports whether an active stream error halts delivery.
func (s StreamStatus) IsBlocked() bool {
	return s.StreamErrorID.Valid
}

// Advance records position as consumed.
func (s *StreamStatus) Advance(position int64) {
	s.Position = position
	if s.LatestKnownPosition < position {
		s.LatestKnownPosition = position
	}
	s.refresh()
}

// Observe records that position is known to exist upstream.
func (s *StreamStatus) Observe(position int64) {
	if s.LatestKnownPosition < position {
		s.LatestKnownPosition = position
	}
	s.refresh()
}

func (s *StreamStatus) refresh() {
	s.UpToDate = s.Position == s.LatestKnownPosition
}

// StreamError records a processing failure that blocks a stream.
type StreamError struct {
	OccurredAt time.Time
	Details    ErrorDetails
	Hash       string
	Key        StreamKey
	Position   int64
	ID         uuid.UUID
}

// BufferedEvent is an event held back until the positions before it have
// been delivered, or until the stream is unblocked.
type BufferedEvent struct {
	BufferedAt time.Time
	Key        StreamKey
	Event      LinkedEvent
	Position   int64
}

// Outcome is the result of offering an event to a stream buffer.
type Outcome int

const (
	// Delivered means the event reached the handler.
	Delivered Outcome = iota
	// Buffered means the event is held until earlier positions arrive
	// or the stream is unblocked.
	Buffered
	// Discarded means the position was already consumed.
	Discarded
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "DELIVERED"
	case Buffered:
		return "BUFFERED"
	case Discarded:
		return "DISCARDED"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
