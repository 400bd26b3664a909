package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

var eventRowColumns = []string{
	"id", "stream_id", "position_in_stream", "name", "payload", "metadata", "date_created",
	"event_number", "previous_event_number",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock, NewStore(DefaultStoreConfig())
}

func TestLockTail_UsesBlockingRowLock(t *testing.T) {
	db, mock, s := newMock(t)

	mock.ExpectQuery(`SELECT event_number\s+FROM event_sequence_tail\s+WHERE id = 1\s+FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"event_number"}).AddRow(int64(41)))

	tail, err := s.LockTail(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(41), tail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTail_MissingRowHalts(t *testing.T) {
	db, mock, s := newMock(t)

	mock.ExpectQuery(`FROM event_sequence_tail`).
		WillReturnRows(sqlmock.NewRows([]string{"event_number"}))

	_, err := s.LockTail(context.Background(), db)
	assert.ErrorIs(t, err, store.ErrTailMissing)
	assert.ErrorIs(t, err, es.ErrHalt)
}

func TestNextUnsequenced_SkipsLockedRows(t *testing.T) {
	db, mock, s := newMock(t)
	id, streamID := uuid.New(), uuid.New()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE event_number IS NULL\s+ORDER BY log_id ASC\s+LIMIT 1\s+FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(eventRowColumns).
			AddRow(id.String(), streamID.String(), int64(3), "item.added", []byte(`{}`), []byte(`{"a":1}`), created, nil, nil))

	event, ok, err := s.NextUnsequenced(context.Background(), db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, event.ID)
	assert.Equal(t, streamID, event.StreamID)
	assert.Equal(t, int64(3), event.Position)
	assert.Equal(t, created, event.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextUnsequenced_Empty(t *testing.T) {
	db, mock, s := newMock(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(eventRowColumns))

	_, ok, err := s.NextUnsequenced(context.Background(), db)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkSequenced_RequiresUnsequencedRow(t *testing.T) {
	db, mock, s := newMock(t)
	event := &es.LinkedEvent{RawEvent: es.RawEvent{ID: uuid.New()}, EventNumber: 2, PreviousEventNumber: 1}

	mock.ExpectExec(`UPDATE event_log\s+SET event_number = \$1, previous_event_number = \$2, metadata = \$3::jsonb\s+WHERE id = \$4 AND event_number IS NULL`).
		WithArgs(int64(2), int64(1), "{}", event.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkSequenced(context.Background(), db, event)
	assert.ErrorIs(t, err, es.ErrSequencingInvariant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_UniqueViolationIsPositionConflict(t *testing.T) {
	db, mock, s := newMock(t)
	streamID := uuid.New()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(position_in_stream\), -1\)`).
		WithArgs(streamID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(-1)))
	mock.ExpectExec(`INSERT INTO event_log`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.Append(context.Background(), db, es.NoStream(), []es.RawEvent{{
		ID: uuid.New(), StreamID: streamID, Position: 0, Name: "item.added", Payload: []byte(`{}`),
	}})
	assert.ErrorIs(t, err, store.ErrPositionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_ExpectedPositionMismatchWritesNothing(t *testing.T) {
	db, mock, s := newMock(t)
	streamID := uuid.New()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(position_in_stream\), -1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(4)))

	err := s.Append(context.Background(), db, es.Exact(3), []es.RawEvent{{ID: uuid.New(), StreamID: streamID, Position: 4}})
	assert.ErrorIs(t, err, store.ErrPositionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeNext_SkipsLockedEntries(t *testing.T) {
	db, mock, s := newMock(t)
	id := uuid.New()
	queued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT event_log_id, date_queued\s+FROM publish_queue\s+ORDER BY seq ASC\s+LIMIT 1\s+FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"event_log_id", "date_queued"}).AddRow(id.String(), queued))

	entry, ok, err := s.TakeNext(context.Background(), db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, entry.EventID)
	assert.Equal(t, queued, entry.QueuedAt)
}

func TestLockStatus_CreatesThenLocks(t *testing.T) {
	db, mock, s := newMock(t)
	key := es.StreamKey{Source: "orders", Component: "listener", StreamID: uuid.New()}
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	errorID := uuid.New()

	mock.ExpectExec(`INSERT INTO stream_status .*ON CONFLICT \(stream_id, source, component\) DO NOTHING`).
		WithArgs(key.StreamID, "orders", "listener", es.InitialPosition, es.InitialPosition, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM stream_status\s+WHERE stream_id = \$1 AND source = \$2 AND component = \$3\s+FOR UPDATE`).
		WithArgs(key.StreamID, "orders", "listener").
		WillReturnRows(sqlmock.NewRows([]string{
			"stream_id", "source", "component", "position", "latest_known_position",
			"is_up_to_date", "stream_error_id", "updated_at",
		}).AddRow(key.StreamID.String(), "orders", "listener", int64(4), int64(6), false, errorID.String(), updated))

	status, err := s.LockStatus(context.Background(), db, key)
	require.NoError(t, err)
	assert.Equal(t, key, status.Key)
	assert.Equal(t, int64(4), status.Position)
	assert.Equal(t, int64(6), status.LatestKnownPosition)
	assert.False(t, status.UpToDate)
	assert.Equal(t, uuid.NullUUID{UUID: errorID, Valid: true}, status.StreamErrorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertError_ConflictIsNotAnError(t *testing.T) {
	db, mock, s := newMock(t)
	streamErr := &es.StreamError{
		ID:  uuid.New(),
		Key: es.StreamKey{Source: "orders", Component: "listener", StreamID: uuid.New()},
	}

	mock.ExpectExec(`INSERT INTO stream_error .*ON CONFLICT \(stream_id, source, component\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.InsertError(context.Background(), db, streamErr)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestAdvanceProcessedEventNumber_NeverMovesBack(t *testing.T) {
	db, mock, s := newMock(t)

	mock.ExpectExec(`GREATEST\(subscription_checkpoints.processed_event_number, EXCLUDED.processed_event_number\)`).
		WithArgs("orders", "listener", int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AdvanceProcessedEventNumber(context.Background(), db, "orders", "listener", 9))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pq unique violation", &pq.Error{Code: "23505"}, true},
		{"pq other error", &pq.Error{Code: "40001"}, false},
		{"wrapped pq error", errors.Join(errors.New("insert"), &pq.Error{Code: "23505"}), true},
		{"message fallback", errors.New("ERROR: duplicate key value"), true},
		{"unrelated", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}
