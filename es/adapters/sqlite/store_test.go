package sqlite_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/adapters/sqlite"
	"github.com/getpup/puplink/es/adapters/sqlite/sqlitetest"
	"github.com/getpup/puplink/es/store"
)

func inTx(t *testing.T, db *sql.DB, fn func(tx es.DBTX)) {
	t.Helper()
	require.NoError(t, es.WithTx(context.Background(), db, func(tx es.DBTX) error {
		fn(tx)
		return nil
	}))
}

func newEvents(streamID uuid.UUID, from int64, n int) []es.RawEvent {
	events := make([]es.RawEvent, n)
	for i := range events {
		events[i] = es.RawEvent{
			ID:        uuid.New(),
			StreamID:  streamID,
			Position:  from + int64(i),
			Name:      "item.added",
			Payload:   []byte(`{"sku":"A-1"}`),
			Metadata:  []byte(`{"userId":"u-1"}`),
			CreatedAt: time.Date(2024, 3, 1, 12, 0, i, 0, time.UTC),
		}
	}
	return events
}

// fakeClock is a settable clock for claim expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAppendAndReadStream(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	streamID := uuid.New()
	events := newEvents(streamID, 0, 3)

	inTx(t, db, func(tx es.DBTX) {
		require.NoError(t, s.Append(ctx, tx, es.NoStream(), events))
	})

	inTx(t, db, func(tx es.DBTX) {
		read, err := s.ReadStream(ctx, tx, streamID, 1)
		require.NoError(t, err)
		require.Len(t, read, 2)
		assert.Equal(t, events[1].ID, read[0].ID)
		assert.Equal(t, int64(1), read[0].Position)
		assert.Equal(t, int64(2), read[1].Position)
		assert.Equal(t, events[1].Payload, read[0].Payload)
		assert.JSONEq(t, `{"userId":"u-1"}`, string(read[0].Metadata))
		assert.True(t, events[1].CreatedAt.Equal(read[0].CreatedAt))
	})
}

func TestAppend_ExpectedPosition(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	streamID := uuid.New()

	inTx(t, db, func(tx es.DBTX) {
		require.NoError(t, s.Append(ctx, tx, es.NoStream(), newEvents(streamID, 0, 2)))
	})

	tests := []struct {
		name     string
		expected es.ExpectedPosition
		from     int64
		wantErr  error
	}{
		{"no stream on existing stream", es.NoStream(), 2, store.ErrPositionConflict},
		{"exact behind", es.Exact(0), 2, store.ErrPositionConflict},
		{"gap in positions", es.Any(), 3, store.ErrPositionConflict},
		{"exact match", es.Exact(1), 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := es.WithTx(ctx, db, func(tx es.DBTX) error {
				return s.Append(ctx, tx, tt.expected, newEvents(streamID, tt.from, 1))
			})
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAppend_Validation(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()

	inTx(t, db, func(tx es.DBTX) {
		assert.ErrorIs(t, s.Append(ctx, tx, es.Any(), nil), store.ErrNoEvents)

		mixed := append(newEvents(uuid.New(), 0, 1), newEvents(uuid.New(), 1, 1)...)
		assert.Error(t, s.Append(ctx, tx, es.Any(), mixed))
	})
}

func TestSequencingColumns(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	streamID := uuid.New()
	events := newEvents(streamID, 0, 2)

	inTx(t, db, func(tx es.DBTX) {
		require.NoError(t, s.Append(ctx, tx, es.NoStream(), events))
	})

	inTx(t, db, func(tx es.DBTX) {
		tail, err := s.LockTail(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), tail)

		next, ok, err := s.NextUnsequenced(ctx, tx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, events[0].ID, next.ID, "oldest row first")

		linked := es.LinkedEvent{RawEvent: next, EventNumber: 1, PreviousEventNumber: 0}
		linked.Metadata, err = es.WithEventNumbers(next.Metadata, 1, 0)
		require.NoError(t, err)
		require.NoError(t, s.MarkSequenced(ctx, tx, &linked))
		require.NoError(t, s.UpdateTail(ctx, tx, 1))

		err = s.MarkSequenced(ctx, tx, &linked)
		assert.ErrorIs(t, err, es.ErrSequencingInvariant, "a row is sequenced once")

		next, ok, err = s.NextUnsequenced(ctx, tx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, events[1].ID, next.ID)
	})

	inTx(t, db, func(tx es.DBTX) {
		tail, err := s.LockTail(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), tail)

		exists, err := s.EventNumberExists(ctx, tx, 1)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = s.EventNumberExists(ctx, tx, 2)
		require.NoError(t, err)
		assert.False(t, exists)

		found, err := s.FindLinked(ctx, tx, events[0].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), found.EventNumber)
		assert.True(t, found.IsFirst())
		number, previous, ok, err := es.EventNumbersFromMetadata(found.Metadata)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), number)
		assert.Equal(t, int64(0), previous)

		_, err = s.FindLinked(ctx, tx, events[1].ID)
		assert.ErrorIs(t, err, store.ErrEventNotFound, "unsequenced events are not linked")

		highest, err := s.SequencedMax(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), highest)

		linked, err := s.ReadLinked(ctx, tx, 0, 10, 100)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, events[0].ID, linked[0].ID)

		linked, err = s.ReadLinked(ctx, tx, 1, 10, 100)
		require.NoError(t, err)
		assert.Empty(t, linked)
	})
}

func TestLockTail_Missing(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `DELETE FROM event_sequence_tail`)
	require.NoError(t, err)

	err = es.WithTx(ctx, db, func(tx es.DBTX) error {
		_, err := s.LockTail(ctx, tx)
		return err
	})
	assert.ErrorIs(t, err, store.ErrTailMissing)
	assert.ErrorIs(t, err, es.ErrHalt)
}

func TestPublishQueue(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	inTx(t, db, func(tx es.DBTX) {
		require.NoError(t, s.Enqueue(ctx, tx, es.PublishQueueEntry{EventID: first, QueuedAt: time.Now()}))
		require.NoError(t, s.Enqueue(ctx, tx, es.PublishQueueEntry{EventID: second, QueuedAt: time.Now()}))
	})

	inTx(t, db, func(tx es.DBTX) {
		size, err := s.QueueSize(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), size)

		entry, ok, err := s.TakeNext(ctx, tx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first, entry.EventID)

		// The first entry is claimed, so the next take skips it.
		entry, ok, err = s.TakeNext(ctx, tx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second, entry.EventID)

		_, ok, err = s.TakeNext(ctx, tx)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Remove(ctx, tx, first))
		size, err = s.QueueSize(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), size)
	})
}

func TestPublishQueue_ReclaimsExpiredClaims(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	db, s := sqlitetest.Open(t, sqlite.WithClock(clock), sqlite.WithClaimTimeout(time.Minute))
	ctx := context.Background()
	id := uuid.New()

	// Claims committed outside a dispatch transaction stay until they expire.
	require.NoError(t, s.Enqueue(ctx, db, es.PublishQueueEntry{EventID: id}))
	_, ok, err := s.TakeNext(ctx, db)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TakeNext(ctx, db)
	require.NoError(t, err)
	assert.False(t, ok, "claim still honoured")

	clock.Advance(2 * time.Minute)
	entry, ok, err := s.TakeNext(ctx, db)
	require.NoError(t, err)
	require.True(t, ok, "expired claim reclaimed")
	assert.Equal(t, id, entry.EventID)
}

func TestStreamStatus(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	key := es.StreamKey{Source: "orders", Component: "listener", StreamID: uuid.New()}

	_, err := s.FindStatus(ctx, db, key)
	assert.ErrorIs(t, err, store.ErrStatusNotFound)

	inTx(t, db, func(tx es.DBTX) {
		status, err := s.LockStatus(ctx, tx, key)
		require.NoError(t, err)
		assert.Equal(t, es.InitialPosition, status.Position)
		assert.True(t, status.UpToDate)
		assert.False(t, status.IsBlocked())

		status.Observe(4)
		status.Advance(2)
		status.StreamErrorID = uuid.NullUUID{UUID: uuid.New(), Valid: true}
		status.UpdatedAt = time.Now()
		require.NoError(t, s.SaveStatus(ctx, tx, &status))
	})

	inTx(t, db, func(tx es.DBTX) {
		status, err := s.LockStatus(ctx, tx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), status.Position)
		assert.Equal(t, int64(4), status.LatestKnownPosition)
		assert.False(t, status.UpToDate)
		assert.True(t, status.IsBlocked())

		other := es.StreamKey{Source: "orders", Component: "indexer", StreamID: key.StreamID}
		_, err = s.LockStatus(ctx, tx, other)
		require.NoError(t, err)

		byStream, err := s.FindStatusesByStream(ctx, tx, key.StreamID)
		require.NoError(t, err)
		require.Len(t, byStream, 2)
		assert.Equal(t, "indexer", byStream[0].Key.Component)

		errored, err := s.FindErroredStatuses(ctx, tx)
		require.NoError(t, err)
		require.Len(t, errored, 1)
		assert.Equal(t, key, errored[0].Key)
	})

	missing := es.NewStreamStatus(es.StreamKey{Source: "x", Component: "y", StreamID: uuid.New()}, time.Now())
	assert.ErrorIs(t, s.SaveStatus(ctx, db, &missing), store.ErrStatusNotFound)
}

func TestStreamBuffer(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	key := es.StreamKey{Source: "orders", Component: "listener", StreamID: uuid.New()}
	events := newEvents(key.StreamID, 0, 3)

	inTx(t, db, func(tx es.DBTX) {
		status, err := s.LockStatus(ctx, tx, key)
		require.NoError(t, err)
		status.Advance(0)
		require.NoError(t, s.SaveStatus(ctx, tx, &status))

		buffered := es.BufferedEvent{Key: key, Position: 2, Event: es.LinkedEvent{RawEvent: events[2], EventNumber: 7, PreviousEventNumber: 6}}
		require.NoError(t, s.BufferEvent(ctx, tx, &buffered))

		duplicate := buffered
		duplicate.Event.Name = "changed"
		require.NoError(t, s.BufferEvent(ctx, tx, &duplicate), "buffering twice is a no-op")

		found, ok, err := s.FindBuffered(ctx, tx, key, 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "item.added", found.Event.Name)
		assert.Equal(t, int64(7), found.Event.EventNumber)
		assert.Equal(t, events[2].Payload, found.Event.Payload)

		_, ok, err = s.FindBuffered(ctx, tx, key, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		releasable, err := s.FindReleasable(ctx, tx, key.Source, key.Component, 10)
		require.NoError(t, err)
		assert.Empty(t, releasable, "position 1 is still missing")

		held := es.BufferedEvent{Key: key, Position: 1, Event: es.LinkedEvent{RawEvent: events[1], EventNumber: 5}}
		require.NoError(t, s.BufferEvent(ctx, tx, &held))

		releasable, err = s.FindReleasable(ctx, tx, key.Source, key.Component, 10)
		require.NoError(t, err)
		assert.Equal(t, []es.StreamKey{key}, releasable)

		count, err := s.CountBuffered(ctx, tx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		require.NoError(t, s.RemoveBuffered(ctx, tx, key, 1))
		count, err = s.CountBuffered(ctx, tx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestStreamBuffer_BlockedStreamsAreNotReleasable(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	key := es.StreamKey{Source: "orders", Component: "listener", StreamID: uuid.New()}

	inTx(t, db, func(tx es.DBTX) {
		status, err := s.LockStatus(ctx, tx, key)
		require.NoError(t, err)
		status.StreamErrorID = uuid.NullUUID{UUID: uuid.New(), Valid: true}
		require.NoError(t, s.SaveStatus(ctx, tx, &status))

		held := es.BufferedEvent{Key: key, Position: 0, Event: es.LinkedEvent{RawEvent: newEvents(key.StreamID, 0, 1)[0]}}
		require.NoError(t, s.BufferEvent(ctx, tx, &held))

		releasable, err := s.FindReleasable(ctx, tx, key.Source, key.Component, 10)
		require.NoError(t, err)
		assert.Empty(t, releasable)
	})
}

func TestStreamErrors(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()
	key := es.StreamKey{Source: "orders", Component: "listener", StreamID: uuid.New()}

	first := &es.StreamError{
		ID:         uuid.New(),
		Key:        key,
		Position:   5,
		Hash:       "abc",
		Details:    es.ErrorDetails{ErrorType: "*errors.errorString", Message: "boom", EventName: "item.added"},
		OccurredAt: time.Now(),
	}

	inTx(t, db, func(tx es.DBTX) {
		inserted, err := s.InsertError(ctx, tx, first)
		require.NoError(t, err)
		assert.True(t, inserted)

		second := *first
		second.ID = uuid.New()
		inserted, err = s.InsertError(ctx, tx, &second)
		require.NoError(t, err)
		assert.False(t, inserted, "one error per stream key")

		found, err := s.FindError(ctx, tx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, key, found.Key)
		assert.Equal(t, int64(5), found.Position)
		assert.Equal(t, "boom", found.Details.Message)

		byStream, err := s.FindErrorsByStream(ctx, tx, key.StreamID)
		require.NoError(t, err)
		assert.Len(t, byStream, 1)

		byHash, err := s.FindErrorsByHash(ctx, tx, "abc")
		require.NoError(t, err)
		assert.Len(t, byHash, 1)

		require.NoError(t, s.RemoveError(ctx, tx, first.ID))
		assert.ErrorIs(t, s.RemoveError(ctx, tx, first.ID), store.ErrStreamErrorNotFound)

		_, err = s.FindError(ctx, tx, first.ID)
		assert.ErrorIs(t, err, store.ErrStreamErrorNotFound)

		inserted, err = s.InsertError(ctx, tx, &second)
		require.NoError(t, err)
		assert.True(t, inserted, "key is free again after removal")
	})
}

func TestCheckpoints(t *testing.T) {
	db, s := sqlitetest.Open(t)
	ctx := context.Background()

	processed, err := s.ProcessedEventNumber(ctx, db, "orders", "listener")
	require.NoError(t, err)
	assert.Equal(t, int64(0), processed)

	require.NoError(t, s.AdvanceProcessedEventNumber(ctx, db, "orders", "listener", 5))
	require.NoError(t, s.AdvanceProcessedEventNumber(ctx, db, "orders", "listener", 3))

	processed, err = s.ProcessedEventNumber(ctx, db, "orders", "listener")
	require.NoError(t, err)
	assert.Equal(t, int64(5), processed, "checkpoints never move back")

	processed, err = s.ProcessedEventNumber(ctx, db, "orders", "indexer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), processed)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, sqlite.IsUniqueViolation(nil))
	assert.False(t, sqlite.IsUniqueViolation(assert.AnError))
}
