// Package store defines the persistence contracts of the ordering engine.
//
// Every method takes the es.DBTX to run on and never opens or commits a
// transaction itself. Methods whose name starts with Lock take row locks
// that last until the caller's transaction ends.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
)

var (
	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrPositionConflict indicates that the stream is not at the expected
	// position, or that another writer appended the same position first.
	ErrPositionConflict = errors.New("stream position conflict")

	// ErrEventNotFound indicates that no event matched the lookup.
	ErrEventNotFound = errors.New("event not found")

	// ErrStatusNotFound indicates that no stream status exists for the key.
	ErrStatusNotFound = errors.New("stream status not found")

	// ErrStreamErrorNotFound indicates that no stream error has the given id.
	ErrStreamErrorNotFound = errors.New("stream error not found")

	// ErrTailMissing indicates that the sequence tail row does not exist.
	// The schema creates it, so its absence means the schema is broken.
	ErrTailMissing = fmt.Errorf("sequence tail row missing: %w", es.ErrSequencingInvariant)
)

// EventAppender writes raw events to the event log.
type EventAppender interface {
	// Append writes events of a single stream as unsequenced rows.
	// The first event must be at the position following the current end of
	// the stream, and positions must be contiguous.
	//
	// Returns ErrNoEvents if events is empty, and ErrPositionConflict if the
	// stream does not match expected or another writer got there first.
	Append(ctx context.Context, tx es.DBTX, expected es.ExpectedPosition, events []es.RawEvent) error

	// ReadStream reads the events of a stream from fromPosition on, ordered
	// by position. Metadata of sequenced events carries their event numbers.
	ReadStream(ctx context.Context, tx es.DBTX, streamID uuid.UUID, fromPosition int64) ([]es.RawEvent, error)
}

// EventLog gives the sequencer and the consumers access to the ordering
// columns of the event log.
type EventLog interface {
	// LockTail locks the sequence tail and returns the last assigned event
	// number, 0 if none. Concurrent callers block until the lock holder's
	// transaction ends. Returns ErrTailMissing if the tail row is absent.
	LockTail(ctx context.Context, tx es.DBTX) (int64, error)

	// UpdateTail moves the sequence tail to eventNumber.
	UpdateTail(ctx context.Context, tx es.DBTX, eventNumber int64) error

	// EventNumberExists reports whether an event carries eventNumber.
	EventNumberExists(ctx context.Context, tx es.DBTX, eventNumber int64) (bool, error)

	// NextUnsequenced locks and returns the oldest unsequenced event.
	// Rows locked by other transactions are skipped. ok is false when no
	// unsequenced event is available.
	NextUnsequenced(ctx context.Context, tx es.DBTX) (event es.RawEvent, ok bool, err error)

	// MarkSequenced stores the event numbers and rewritten metadata of event.
	MarkSequenced(ctx context.Context, tx es.DBTX, event *es.LinkedEvent) error

	// FindLinked returns the sequenced event with the given id.
	// Returns ErrEventNotFound if it does not exist or is not sequenced yet.
	FindLinked(ctx context.Context, tx es.DBTX, eventID uuid.UUID) (es.LinkedEvent, error)

	// ReadLinked returns up to limit sequenced events with
	// after < event number <= through, ordered by event number.
	ReadLinked(ctx context.Context, tx es.DBTX, after, through int64, limit int) ([]es.LinkedEvent, error)

	// SequencedMax returns the highest assigned event number, 0 if none.
	SequencedMax(ctx context.Context, tx es.DBTX) (int64, error)
}

// PublishQueue holds sequenced events awaiting dispatch.
type PublishQueue interface {
	// Enqueue adds an entry. It runs in the sequencing transaction.
	Enqueue(ctx context.Context, tx es.DBTX, entry es.PublishQueueEntry) error

	// TakeNext claims the oldest entry nobody else holds.
	// ok is false when the queue has nothing to offer.
	TakeNext(ctx context.Context, tx es.DBTX) (entry es.PublishQueueEntry, ok bool, err error)

	// Remove deletes the entry of eventID.
	Remove(ctx context.Context, tx es.DBTX, eventID uuid.UUID) error

	// QueueSize returns the number of queued entries.
	QueueSize(ctx context.Context, tx es.DBTX) (int64, error)
}

// StreamStatusStore persists per-stream consumption state.
type StreamStatusStore interface {
	// LockStatus locks the status of key, creating it from
	// es.NewStreamStatus if it does not exist.
	LockStatus(ctx context.Context, tx es.DBTX, key es.StreamKey) (es.StreamStatus, error)

	// SaveStatus writes status back. The row must exist.
	SaveStatus(ctx context.Context, tx es.DBTX, status *es.StreamStatus) error

	// FindStatus returns the status of key without locking it.
	// Returns ErrStatusNotFound if it does not exist.
	FindStatus(ctx context.Context, tx es.DBTX, key es.StreamKey) (es.StreamStatus, error)

	// FindStatusesByStream returns the statuses of every source and
	// component consuming streamID.
	FindStatusesByStream(ctx context.Context, tx es.DBTX, streamID uuid.UUID) ([]es.StreamStatus, error)

	// FindErroredStatuses returns every status referencing a stream error.
	FindErroredStatuses(ctx context.Context, tx es.DBTX) ([]es.StreamStatus, error)
}

// StreamBufferStore holds events that cannot be delivered yet.
type StreamBufferStore interface {
	// BufferEvent stores event. Buffering a position twice keeps the first copy.
	BufferEvent(ctx context.Context, tx es.DBTX, event *es.BufferedEvent) error

	// FindBuffered returns the event buffered for key at position.
	FindBuffered(ctx context.Context, tx es.DBTX, key es.StreamKey, position int64) (event es.BufferedEvent, ok bool, err error)

	// RemoveBuffered deletes the event buffered for key at position, if any.
	RemoveBuffered(ctx context.Context, tx es.DBTX, key es.StreamKey, position int64) error

	// FindReleasable returns up to limit streams of source and component
	// that are not blocked and hold the event at their next position.
	FindReleasable(ctx context.Context, tx es.DBTX, source, component string, limit int) ([]es.StreamKey, error)

	// CountBuffered returns the number of events buffered for key.
	CountBuffered(ctx context.Context, tx es.DBTX, key es.StreamKey) (int64, error)
}

// StreamErrorStore persists stream errors.
type StreamErrorStore interface {
	// InsertError stores streamErr. inserted is false when the key already
	// has an error; nothing is written in that case.
	InsertError(ctx context.Context, tx es.DBTX, streamErr *es.StreamError) (inserted bool, err error)

	// RemoveError deletes the error with the given id.
	// Returns ErrStreamErrorNotFound if it does not exist.
	RemoveError(ctx context.Context, tx es.DBTX, id uuid.UUID) error

	// FindError returns the error with the given id.
	// Returns ErrStreamErrorNotFound if it does not exist.
	FindError(ctx context.Context, tx es.DBTX, id uuid.UUID) (es.StreamError, error)

	// FindErrorsByStream returns the errors recorded for streamID.
	FindErrorsByStream(ctx context.Context, tx es.DBTX, streamID uuid.UUID) ([]es.StreamError, error)

	// FindErrorsByHash returns the errors sharing a classification hash.
	FindErrorsByHash(ctx context.Context, tx es.DBTX, hash string) ([]es.StreamError, error)
}

// SubscriptionStore persists catch-up progress per source and component.
type SubscriptionStore interface {
	// ProcessedEventNumber returns the highest event number up to which
	// every event has been handled, 0 if none.
	ProcessedEventNumber(ctx context.Context, tx es.DBTX, source, component string) (int64, error)

	// AdvanceProcessedEventNumber raises the processed event number to
	// eventNumber. Lower values leave it unchanged.
	AdvanceProcessedEventNumber(ctx context.Context, tx es.DBTX, source, component string, eventNumber int64) error
}

// Store is implemented by every adapter.
type Store interface {
	EventAppender
	EventLog
	PublishQueue
	StreamStatusStore
	StreamBufferStore
	StreamErrorStore
	SubscriptionStore
}
