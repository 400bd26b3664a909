package mysql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

const streamErrorColumns = `id, stream_id, source, component, position_in_stream, hash, details, occurred_at`

// InsertError implements store.StreamErrorStore.
// A key that already has an error makes INSERT IGNORE affect no rows.
func (s *Store) InsertError(ctx context.Context, tx es.DBTX, streamErr *es.StreamError) (bool, error) {
	details, err := json.Marshal(&streamErr.Details)
	if err != nil {
		return false, fmt.Errorf("failed to encode error details: %w", err)
	}

	occurredAt := streamErr.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.config.Clock.Now()
	}

	query := fmt.Sprintf(`
		INSERT IGNORE INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.Tables.StreamError, streamErrorColumns)

	res, err := tx.ExecContext(ctx, query,
		streamErr.ID,
		streamErr.Key.StreamID,
		streamErr.Key.Source,
		streamErr.Key.Component,
		streamErr.Position,
		streamErr.Hash,
		string(details),
		occurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert stream error for %s: %w", streamErr.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert stream error for %s: %w", streamErr.Key, err)
	}
	return n == 1, nil
}

// RemoveError implements store.StreamErrorStore.
func (s *Store) RemoveError(ctx context.Context, tx es.DBTX, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.config.Tables.StreamError)

	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to remove stream error %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrStreamErrorNotFound
	}
	return nil
}

// FindError implements store.StreamErrorStore.
func (s *Store) FindError(ctx context.Context, tx es.DBTX, id uuid.UUID) (es.StreamError, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, streamErrorColumns, s.config.Tables.StreamError)

	streamErr, err := scanStreamError(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return es.StreamError{}, store.ErrStreamErrorNotFound
		}
		return es.StreamError{}, fmt.Errorf("failed to find stream error %s: %w", id, err)
	}
	return streamErr, nil
}

// FindErrorsByStream implements store.StreamErrorStore.
func (s *Store) FindErrorsByStream(ctx context.Context, tx es.DBTX, streamID uuid.UUID) ([]es.StreamError, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE stream_id = ?
		ORDER BY occurred_at, id
	`, streamErrorColumns, s.config.Tables.StreamError)

	return s.queryStreamErrors(ctx, tx, query, streamID)
}

// FindErrorsByHash implements store.StreamErrorStore.
func (s *Store) FindErrorsByHash(ctx context.Context, tx es.DBTX, hash string) ([]es.StreamError, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE hash = ?
		ORDER BY occurred_at, id
	`, streamErrorColumns, s.config.Tables.StreamError)

	return s.queryStreamErrors(ctx, tx, query, hash)
}

func (s *Store) queryStreamErrors(ctx context.Context, tx es.DBTX, query string, args ...interface{}) ([]es.StreamError, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream errors: %w", err)
	}
	defer rows.Close()

	var streamErrs []es.StreamError
	for rows.Next() {
		streamErr, err := scanStreamError(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream error: %w", err)
		}
		streamErrs = append(streamErrs, streamErr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return streamErrs, nil
}

func scanStreamError(row scanner) (es.StreamError, error) {
	var (
		streamErr es.StreamError
		details   []byte
	)
	err := row.Scan(
		&streamErr.ID,
		&streamErr.Key.StreamID,
		&streamErr.Key.Source,
		&streamErr.Key.Component,
		&streamErr.Position,
		&streamErr.Hash,
		&details,
		&streamErr.OccurredAt,
	)
	if err != nil {
		return es.StreamError{}, err
	}

	if err := json.Unmarshal(details, &streamErr.Details); err != nil {
		return es.StreamError{}, fmt.Errorf("failed to decode error details: %w", err)
	}
	return streamErr, nil
}
