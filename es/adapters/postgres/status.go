package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

const statusColumns = `stream_id, source, component, position, latest_known_position,
		is_up_to_date, stream_error_id, updated_at`

// LockStatus implements store.StreamStatusStore.
// The insert makes sure a row exists to lock; a concurrent creator of the
// same key makes it wait for that transaction.
func (s *Store) LockStatus(ctx context.Context, tx es.DBTX, key es.StreamKey) (es.StreamStatus, error) {
	initial := es.NewStreamStatus(key, s.config.Clock.Now())

	insert := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)
		ON CONFLICT (stream_id, source, component) DO NOTHING
	`, s.config.Tables.StreamStatus, statusColumns)

	_, err := tx.ExecContext(ctx, insert,
		key.StreamID,
		key.Source,
		key.Component,
		initial.Position,
		initial.LatestKnownPosition,
		initial.UpToDate,
		initial.UpdatedAt,
	)
	if err != nil {
		return es.StreamStatus{}, fmt.Errorf("failed to create stream status %s: %w", key, err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_id = $1 AND source = $2 AND component = $3
		FOR UPDATE
	`, statusColumns, s.config.Tables.StreamStatus)

	status, err := scanStatus(tx.QueryRowContext(ctx, query, key.StreamID, key.Source, key.Component))
	if err != nil {
		return es.StreamStatus{}, fmt.Errorf("failed to lock stream status %s: %w", key, err)
	}
	return status, nil
}

// SaveStatus implements store.StreamStatusStore.
func (s *Store) SaveStatus(ctx context.Context, tx es.DBTX, status *es.StreamStatus) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET position = $1, latest_known_position = $2, is_up_to_date = $3,
			stream_error_id = $4, updated_at = $5
		WHERE stream_id = $6 AND source = $7 AND component = $8
	`, s.config.Tables.StreamStatus)

	res, err := tx.ExecContext(ctx, query,
		status.Position,
		status.LatestKnownPosition,
		status.UpToDate,
		status.StreamErrorID,
		status.UpdatedAt,
		status.Key.StreamID,
		status.Key.Source,
		status.Key.Component,
	)
	if err != nil {
		return fmt.Errorf("failed to save stream status %s: %w", status.Key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrStatusNotFound
	}
	return nil
}

// FindStatus implements store.StreamStatusStore.
func (s *Store) FindStatus(ctx context.Context, tx es.DBTX, key es.StreamKey) (es.StreamStatus, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_id = $1 AND source = $2 AND component = $3
	`, statusColumns, s.config.Tables.StreamStatus)

	status, err := scanStatus(tx.QueryRowContext(ctx, query, key.StreamID, key.Source, key.Component))
	if err != nil {
		if isNoRows(err) {
			return es.StreamStatus{}, store.ErrStatusNotFound
		}
		return es.StreamStatus{}, fmt.Errorf("failed to find stream status %s: %w", key, err)
	}
	return status, nil
}

// FindStatusesByStream implements store.StreamStatusStore.
func (s *Store) FindStatusesByStream(ctx context.Context, tx es.DBTX, streamID uuid.UUID) ([]es.StreamStatus, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_id = $1
		ORDER BY source, component
	`, statusColumns, s.config.Tables.StreamStatus)

	return s.queryStatuses(ctx, tx, query, streamID)
}

// FindErroredStatuses implements store.StreamStatusStore.
func (s *Store) FindErroredStatuses(ctx context.Context, tx es.DBTX) ([]es.StreamStatus, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_error_id IS NOT NULL
		ORDER BY updated_at, stream_id
	`, statusColumns, s.config.Tables.StreamStatus)

	return s.queryStatuses(ctx, tx, query)
}

func (s *Store) queryStatuses(ctx context.Context, tx es.DBTX, query string, args ...interface{}) ([]es.StreamStatus, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream statuses: %w", err)
	}
	defer rows.Close()

	var statuses []es.StreamStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream status: %w", err)
		}
		statuses = append(statuses, status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return statuses, nil
}

func scanStatus(row scanner) (es.StreamStatus, error) {
	var status es.StreamStatus
	err := row.Scan(
		&status.Key.StreamID,
		&status.Key.Source,
		&status.Key.Component,
		&status.Position,
		&status.LatestKnownPosition,
		&status.UpToDate,
		&status.StreamErrorID,
		&status.UpdatedAt,
	)
	return status, err
}
