// Package storetest checks that an adapter honours the store contracts.
//
// Run expects a migrated database. Subtests pick fresh stream ids and
// component names, so the database may hold data from earlier runs, but
// nothing else may sequence or publish while the suite runs.
package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/sequencer"
	"github.com/getpup/puplink/es/store"
)

// Run runs the conformance suite against s on db.
func Run(t *testing.T, db *sql.DB, s store.Store) {
	t.Run("Append", func(t *testing.T) { testAppend(t, db, s) })
	t.Run("ConcurrentSequencing", func(t *testing.T) { testConcurrentSequencing(t, db, s) })
	t.Run("PublishQueue", func(t *testing.T) { testPublishQueue(t, db, s) })
	t.Run("StreamStatus", func(t *testing.T) { testStreamStatus(t, db, s) })
	t.Run("StreamBuffer", func(t *testing.T) { testStreamBuffer(t, db, s) })
	t.Run("StreamErrors", func(t *testing.T) { testStreamErrors(t, db, s) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, db, s) })
}

func inTx(t *testing.T, db *sql.DB, fn func(tx es.DBTX) error) {
	t.Helper()
	require.NoError(t, es.WithTx(context.Background(), db, fn))
}

// Events returns n raw events of streamID starting at position from.
func Events(streamID uuid.UUID, from int64, n int) []es.RawEvent {
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

func testAppend(t *testing.T, db *sql.DB, s store.Store) {
	ctx := context.Background()
	streamID := uuid.New()
	events := Events(streamID, 0, 3)

	inTx(t, db, func(tx es.DBTX) error {
		return s.Append(ctx, tx, es.NoStream(), events)
	})

	err := es.WithTx(ctx, db, func(tx es.DBTX) error {
		return s.Append(ctx, tx, es.NoStream(), Events(streamID, 3, 1))
	})
	assert.ErrorIs(t, err, store.ErrPositionConflict)

	err = es.WithTx(ctx, db, func(tx es.DBTX) error {
		return s.Append(ctx, tx, es.Exact(1), Events(streamID, 2, 1))
	})
	assert.ErrorIs(t, err, store.ErrPositionConflict)

	inTx(t, db, func(tx es.DBTX) error {
		return s.Append(ctx, tx, es.Exact(2), Events(streamID, 3, 1))
	})

	err = es.WithTx(ctx, db, func(tx es.DBTX) error {
		return s.Append(ctx, tx, es.Any(), nil)
	})
	assert.ErrorIs(t, err, store.ErrNoEvents)

	read, err := s.ReadStream(ctx, db, streamID, 1)
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, events[1].ID, read[0].ID)
	assert.Equal(t, int64(3), read[2].Position)
	assert.JSONEq(t, `{"sku":"A-1"}`, string(read[0].Payload))
}

func testConcurrentSequencing(t *testing.T, db *sql.DB, s store.Store) {
	ctx := context.Background()
	seq := sequencer.New(db, s, sequencer.DefaultConfig())

	// Rows left unsequenced by earlier subtests must not count as ours.
	_, err := seq.SequenceBatch(ctx, 0)
	require.NoError(t, err)
	before, err := s.SequencedMax(ctx, db)
	require.NoError(t, err)

	streams := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, streamID := range streams {
		inTx(t, db, func(tx es.DBTX) error {
			return s.Append(ctx, tx, es.NoStream(), Events(streamID, 0, 10))
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := seq.SequenceBatch(gctx, 0)
			return err
		})
	}
	require.NoError(t, g.Wait())

	after, err := s.SequencedMax(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, before+30, after)

	checked, err := sequencer.VerifyChain(ctx, db, s, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, after, checked)

	linked, err := s.ReadLinked(ctx, db, before, after, 100)
	require.NoError(t, err)
	require.Len(t, linked, 30)
	last := map[uuid.UUID]int64{}
	for _, e := range linked {
		if prev, ok := last[e.StreamID]; ok {
			assert.Equal(t, prev+1, e.Position, "positions of a stream are numbered in order")
		}
		last[e.StreamID] = e.Position

		number, previous, ok, err := es.EventNumbersFromMetadata(e.Metadata)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e.EventNumber, number)
		assert.Equal(t, e.PreviousEventNumber, previous)
	}

	found, err := s.FindLinked(ctx, db, linked[0].ID)
	require.NoError(t, err)
	assert.Equal(t, linked[0].EventNumber, found.EventNumber)

	_, err = s.FindLinked(ctx, db, uuid.New())
	assert.ErrorIs(t, err, store.ErrEventNotFound)
}

func testPublishQueue(t *testing.T, db *sql.DB, s store.Store) {
	ctx := context.Background()
	inTx(t, db, func(tx es.DBTX) error {
		return s.Append(ctx, tx, es.NoStream(), Events(uuid.New(), 0, 2))
	})
	_, err := sequencer.New(db, s, sequencer.DefaultConfig()).SequenceBatch(ctx, 0)
	require.NoError(t, err)

	size, err := s.QueueSize(ctx, db)
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, int64(2))

	var numbers []int64
	for {
		var ok bool
		inTx(t, db, func(tx es.DBTX) error {
			var entry es.PublishQueueEntry
			var err error
			entry, ok, err = s.TakeNext(ctx, tx)
			if err != nil || !ok {
				return err
			}
			event, err := s.FindLinked(ctx, tx, entry.EventID)
			if err != nil {
				return err
			}
			numbers = append(numbers, event.EventNumber)
			return s.Remove(ctx, tx, entry.EventID)
		})
		if !ok {
			break
		}
	}

	assert.Len(t, numbers, int(size))
	assert.IsIncreasing(t, numbers)

	size, err = s.QueueSize(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func testStreamStatus(t *testing.T, db *sql.DB, s store.Store) {
	ctx := context.Background()
	key := es.StreamKey{Source: "orders", Component: component("status"), StreamID: uuid.New()}

	_, err := s.FindStatus(ctx, db, key)
	assert.ErrorIs(t, err, store.ErrStatusNotFound)

	errorID := uuid.New()
	inTx(t, db, func(tx es.DBTX) error {
		status, err := s.LockStatus(ctx, tx, key)
		require.NoError(t, err)
		assert.Equal(t, es.InitialPosition, status.Position)
		assert.True(t, status.UpToDate)

		status.Observe(4)
		status.Advance(2)
		status.StreamErrorID = uuid.NullUUID{UUID: errorID, Valid: true}
		status.UpdatedAt = time.Now()
		return s.SaveStatus(ctx, tx, &status)
	})

	status, err := s.FindStatus(ctx, db, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Position)
	assert.Equal(t, int64(4), status.LatestKnownPosition)
	assert.False(t, status.UpToDate)
	assert.Equal(t, errorID, status.StreamErrorID.UUID)

	byStream, err := s.FindStatusesByStream(ctx, db, key.StreamID)
	require.NoError(t, err)
	assert.Len(t, byStream, 1)

	errored, err := s.FindErroredStatuses(ctx, db)
	require.NoError(t, err)
	var keys []es.StreamKey
	for _, e := range errored {
		keys = append(keys, e.Key)
	}
	assert.Contains(t, keys, key)
}

func testStreamBuffer(t *testing.T, db *sql.DB, s store.Store) {
	ctx := context.Background()
	key := es.StreamKey{Source: "orders", Component: component("buffer"), StreamID: uuid.New()}
	events := Events(key.StreamID, 0, 3)

	inTx(t, db, func(tx es.DBTX) error {
		status, err := s.LockStatus(ctx, tx, key)
		require.NoError(t, err)
		status.Advance(0)
		require.NoError(t, s.SaveStatus(ctx, tx, &status))

		held := es.BufferedEvent{Key: key, Position: 2, BufferedAt: time.Now(), Event: es.LinkedEvent{RawEvent: events[2], EventNumber: 7, PreviousEventNumber: 6}}
		require.NoError(t, s.BufferEvent(ctx, tx, &held))

		duplicate := held
		duplicate.Event.Name = "changed"
		require.NoError(t, s.BufferEvent(ctx, tx, &duplicate))

		found, ok, err := s.FindBuffered(ctx, tx, key, 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "item.added", found.Event.Name, "buffering twice keeps the first copy")
		assert.Equal(t, int64(7), found.Event.EventNumber)

		releasable, err := s.FindReleasable(ctx, tx, key.Source, key.Component, 10)
		require.NoError(t, err)
		assert.Empty(t, releasable)

		next := es.BufferedEvent{Key: key, Position: 1, BufferedAt: time.Now(), Event: es.LinkedEvent{RawEvent: events[1], EventNumber: 5, PreviousEventNumber: 4}}
		require.NoError(t, s.BufferEvent(ctx, tx, &next))

		releasable, err = s.FindReleasable(ctx, tx, key.Source, key.Component, 10)
		require.NoError(t, err)
		assert.Equal(t, []es.StreamKey{key}, releasable)

		require.NoError(t, s.RemoveBuffered(ctx, tx, key, 1))
		count, err := s.CountBuffered(ctx, tx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		return nil
	})
}

func testStreamErrors(t *testing.T, db *sql.DB, s store.Store) {
	ctx := context.Background()
	key := es.StreamKey{Source: "orders", Component: component("errors"), StreamID: uuid.New()}
	hash := uuid.NewString()

	first := &es.StreamError{
		ID:         uuid.New(),
		Key:        key,
		Position:   5,
		Hash:       hash,
		Details:    es.ErrorDetails{ErrorType: "*errors.errorString", Message: "boom", EventName: "item.added"},
		OccurredAt: time.Now(),
	}
	second := *first
	second.ID = uuid.New()

	inTx(t, db, func(tx es.DBTX) error {
		inserted, err := s.InsertError(ctx, tx, first)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.InsertError(ctx, tx, &second)
		require.NoError(t, err)
		assert.False(t, inserted, "one error per stream key")
		return nil
	})

	found, err := s.FindError(ctx, db, first.ID)
	require.NoError(t, err)
	assert.Equal(t, key, found.Key)
	assert.Equal(t, "boom", found.Details.Message)

	byStream, err := s.FindErrorsByStream(ctx, db, key.StreamID)
	require.NoError(t, err)
	assert.Len(t, byStream, 1)

	byHash, err := s.FindErrorsByHash(ctx, db, hash)
	require.NoError(t, err)
	assert.Len(t, byHash, 1)

	require.NoError(t, s.RemoveError(ctx, db, first.ID))
	assert.ErrorIs(t, s.RemoveError(ctx, db, first.ID), store.ErrStreamErrorNotFound)
	_, err = s.FindError(ctx, db, first.ID)
	assert.ErrorIs(t, err, store.ErrStreamErrorNotFound)
}

func testCheckpoints(t *testing.T, db *sql.DB, s store.Store) {
	ctx := context.Background()
	name := component("checkpoints")

	processed, err := s.ProcessedEventNumber(ctx, db, "orders", name)
	require.NoError(t, err)
	assert.Zero(t, processed)

	require.NoError(t, s.AdvanceProcessedEventNumber(ctx, db, "orders", name, 5))
	require.NoError(t, s.AdvanceProcessedEventNumber(ctx, db, "orders", name, 3))

	processed, err = s.ProcessedEventNumber(ctx, db, "orders", name)
	require.NoError(t, err)
	assert.Equal(t, int64(5), processed, "checkpoints never move back")
}

func component(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
