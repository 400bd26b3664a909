package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

// LockTail implements store.EventLog.
// The no-op update takes the database write lock for the rest of tx.
func (s *Store) LockTail(ctx context.Context, tx es.DBTX) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET event_number = event_number
		WHERE id = 1
		RETURNING event_number
	`, s.config.Tables.SequenceTail)

	var tail int64
	if err := tx.QueryRowContext(ctx, query).Scan(&tail); err != nil {
		if isNoRows(err) {
			return 0, store.ErrTailMissing
		}
		return 0, fmt.Errorf("failed to lock sequence tail: %w", err)
	}
	return tail, nil
}

// UpdateTail implements store.EventLog.
func (s *Store) UpdateTail(ctx context.Context, tx es.DBTX, eventNumber int64) error {
	query := fmt.Sprintf(`UPDATE %s SET event_number = ? WHERE id = 1`, s.config.Tables.SequenceTail)

	res, err := tx.ExecContext(ctx, query, eventNumber)
	if err != nil {
		return fmt.Errorf("failed to update sequence tail: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrTailMissing
	}
	return nil
}

// EventNumberExists implements store.EventLog.
func (s *Store) EventNumberExists(ctx context.Context, tx es.DBTX, eventNumber int64) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE event_number = ?`, s.config.Tables.EventLog)

	var one int
	if err := tx.QueryRowContext(ctx, query, eventNumber).Scan(&one); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up event number %d: %w", eventNumber, err)
	}
	return true, nil
}

// NextUnsequenced implements store.EventLog.
// Skipping locked rows is unnecessary here: the caller already holds the
// write lock taken by LockTail.
func (s *Store) NextUnsequenced(ctx context.Context, tx es.DBTX) (es.RawEvent, bool, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE event_number IS NULL
		ORDER BY log_id ASC
		LIMIT 1
	`, eventColumns, s.config.Tables.EventLog)

	e, _, err := scanEvent(tx.QueryRowContext(ctx, query))
	if err != nil {
		if isNoRows(err) {
			return es.RawEvent{}, false, nil
		}
		return es.RawEvent{}, false, fmt.Errorf("failed to find unsequenced event: %w", err)
	}
	return e.RawEvent, true, nil
}

// MarkSequenced implements store.EventLog.
func (s *Store) MarkSequenced(ctx context.Context, tx es.DBTX, event *es.LinkedEvent) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET event_number = ?, previous_event_number = ?, metadata = ?
		WHERE id = ? AND event_number IS NULL
	`, s.config.Tables.EventLog)

	res, err := tx.ExecContext(ctx, query,
		event.EventNumber,
		event.PreviousEventNumber,
		metadataOrEmpty(event.Metadata),
		event.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event %s sequenced: %w", event.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark event %s sequenced: %w", event.ID, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: event %s is not an unsequenced row", es.ErrSequencingInvariant, event.ID)
	}
	return nil
}

// FindLinked implements store.EventLog.
func (s *Store) FindLinked(ctx context.Context, tx es.DBTX, eventID uuid.UUID) (es.LinkedEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = ? AND event_number IS NOT NULL
	`, eventColumns, s.config.Tables.EventLog)

	e, _, err := scanEvent(tx.QueryRowContext(ctx, query, eventID.String()))
	if err != nil {
		if isNoRows(err) {
			return es.LinkedEvent{}, store.ErrEventNotFound
		}
		return es.LinkedEvent{}, fmt.Errorf("failed to find event %s: %w", eventID, err)
	}
	return e, nil
}

// ReadLinked implements store.EventLog.
func (s *Store) ReadLinked(ctx context.Context, tx es.DBTX, after, through int64, limit int) ([]es.LinkedEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE event_number > ? AND event_number <= ?
		ORDER BY event_number ASC
		LIMIT ?
	`, eventColumns, s.config.Tables.EventLog)

	rows, err := tx.QueryContext(ctx, query, after, through, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked events: %w", err)
	}
	defer rows.Close()

	var events []es.LinkedEvent
	for rows.Next() {
		e, _, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// SequencedMax implements store.EventLog.
func (s *Store) SequencedMax(ctx context.Context, tx es.DBTX) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(event_number), 0) FROM %s`, s.config.Tables.EventLog)

	var highest int64
	if err := tx.QueryRowContext(ctx, query).Scan(&highest); err != nil {
		return 0, fmt.Errorf("failed to read highest event number: %w", err)
	}
	return highest, nil
}
