package mysql

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"duplicate entry", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'PRIMARY'"}, true},
		{"wrapped duplicate entry", fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), true},
		{"deadlock", &mysql.MySQLError{Number: 1213}, false},
		{"message fallback", errors.New("Error 1062: Duplicate entry"), true},
		{"unrelated", errors.New("bad connection"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}

func TestAppend_DuplicateEntryIsPositionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(DefaultStoreConfig())
	streamID := uuid.New()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(position_in_stream\), -1\)\s+FROM event_log\s+WHERE stream_id = \?`).
		WithArgs(streamID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO event_log`).
		WillReturnError(&mysql.MySQLError{Number: 1062})

	err = s.Append(context.Background(), db, es.Exact(0), []es.RawEvent{{
		ID: uuid.New(), StreamID: streamID, Position: 1, Name: "item.added",
	}})
	assert.ErrorIs(t, err, store.ErrPositionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertError_IgnoresDuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(DefaultStoreConfig())

	mock.ExpectExec(`INSERT IGNORE INTO stream_error`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT IGNORE INTO stream_error`).WillReturnResult(sqlmock.NewResult(0, 1))

	streamErr := &es.StreamError{ID: uuid.New(), Key: es.StreamKey{Source: "orders", Component: "listener", StreamID: uuid.New()}}

	inserted, err := s.InsertError(context.Background(), db, streamErr)
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = s.InsertError(context.Background(), db, streamErr)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestAdvanceProcessedEventNumber_UsesGreatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(DefaultStoreConfig())

	mock.ExpectExec(`ON DUPLICATE KEY UPDATE\s+processed_event_number = GREATEST\(processed_event_number, VALUES\(processed_event_number\)\)`).
		WithArgs("orders", "listener", int64(12), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.AdvanceProcessedEventNumber(context.Background(), db, "orders", "listener", 12))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocksSkipRowsHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(DefaultStoreConfig())

	mock.ExpectQuery(`FROM publish_queue\s+ORDER BY seq ASC\s+LIMIT 1\s+FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"event_log_id", "date_queued"}))

	_, ok, err := s.TakeNext(context.Background(), db)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
