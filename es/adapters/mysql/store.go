// Package mysql provides a MySQL adapter for the ordering engine.
//
// It requires MySQL 8.0.1 or later for SKIP LOCKED. Open the connection
// with parseTime=true so DATETIME columns scan into time.Time.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/go-sql-driver/mysql"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

const eventColumns = `id, stream_id, position_in_stream, name, payload, metadata, date_created,
		event_number, previous_event_number`

// StoreConfig contains configuration for the MySQL store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Clock stamps rows whose timestamp the caller did not set
	Clock es.Clock

	// Tables names the tables
	Tables store.Tables
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Tables: store.DefaultTables(),
		Clock:  es.SystemClock{},
		Logger: nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for default timestamps.
func WithClock(clock es.Clock) StoreOption {
	return func(c *StoreConfig) {
		c.Clock = clock
	}
}

// WithTables sets custom table names.
func WithTables(tables store.Tables) StoreOption {
	return func(c *StoreConfig) {
		c.Tables = tables
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a MySQL-backed implementation of store.Store.
type Store struct {
	config StoreConfig
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new MySQL store with the given configuration.
func NewStore(config StoreConfig) *Store {
	if config.Clock == nil {
		config.Clock = es.SystemClock{}
	}
	return &Store{
		config: config,
	}
}

// Append implements store.EventAppender.
// The unique constraint on (stream_id, position_in_stream) catches writers
// racing between the position check and the insert.
//
//nolint:gocyclo // Cyclomatic complexity comes from necessary logging and validation checks
func (s *Store) Append(ctx context.Context, tx es.DBTX, expected es.ExpectedPosition, events []es.RawEvent) error {
	if len(events) == 0 {
		return store.ErrNoEvents
	}

	streamID := events[0].StreamID
	for i := range events {
		if events[i].StreamID != streamID {
			return fmt.Errorf("event %d: stream ID mismatch", i)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"stream_id", streamID,
			"event_count", len(events),
			"expected_position", expected.String())
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(position_in_stream), -1)
		FROM %s
		WHERE stream_id = ?
	`, s.config.Tables.EventLog)

	var current int64
	if err := tx.QueryRowContext(ctx, query, streamID).Scan(&current); err != nil {
		return fmt.Errorf("failed to check current position: %w", err)
	}

	if !expected.Check(current) {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expected position validation failed",
				"stream_id", streamID,
				"current_position", current,
				"expected_position", expected.String())
		}
		return store.ErrPositionConflict
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, stream_id, position_in_stream, name, payload, metadata, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.config.Tables.EventLog)

	for i := range events {
		event := &events[i]
		if want := current + 1 + int64(i); event.Position != want {
			return fmt.Errorf("event %d: position %d, expected %d: %w", i, event.Position, want, store.ErrPositionConflict)
		}

		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.config.Clock.Now()
		}

		_, err := tx.ExecContext(ctx, insertQuery,
			event.ID,
			event.StreamID,
			event.Position,
			event.Name,
			payloadOrEmpty(event.Payload),
			metadataOrEmpty(event.Metadata),
			createdAt,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return store.ErrPositionConflict
			}
			return fmt.Errorf("failed to insert event %d: %w", i, err)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"stream_id", streamID,
			"event_count", len(events),
			"from_position", events[0].Position,
			"to_position", events[len(events)-1].Position)
	}

	return nil
}

// ReadStream implements store.EventAppender.
func (s *Store) ReadStream(ctx context.Context, tx es.DBTX, streamID uuid.UUID, fromPosition int64) ([]es.RawEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_id = ? AND position_in_stream >= ?
		ORDER BY position_in_stream ASC
	`, eventColumns, s.config.Tables.EventLog)

	rows, err := tx.QueryContext(ctx, query, streamID, fromPosition)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream: %w", err)
	}
	defer rows.Close()

	var events []es.RawEvent
	for rows.Next() {
		e, _, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e.RawEvent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEvent scans a row selected with eventColumns. sequenced is false for
// rows the sequencer has not reached yet.
func scanEvent(row scanner) (e es.LinkedEvent, sequenced bool, err error) {
	var eventNumber, previousNumber sql.NullInt64
	err = row.Scan(
		&e.ID,
		&e.StreamID,
		&e.Position,
		&e.Name,
		&e.Payload,
		&e.Metadata,
		&e.CreatedAt,
		&eventNumber,
		&previousNumber,
	)
	if err != nil {
		return es.LinkedEvent{}, false, err
	}
	e.EventNumber = eventNumber.Int64
	e.PreviousEventNumber = previousNumber.Int64
	return e, eventNumber.Valid, nil
}

func payloadOrEmpty(payload []byte) []byte {
	if payload == nil {
		return []byte{}
	}
	return payload
}

// metadataOrEmpty returns metadata as text for the JSON column.
func metadataOrEmpty(metadata []byte) string {
	if len(metadata) == 0 {
		return "{}"
	}
	return string(metadata)
}

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "duplicate key")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
