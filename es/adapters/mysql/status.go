package mysql

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
// INSERT IGNORE makes sure a row exists to lock; a concurrent creator of
// the same key makes it wait for that transaction.
func (s *Store) LockStatus(ctx context.Context, tx es.DBTX, key es.StreamKey) (es.StreamStatus, error) {
	initial := es.NewStreamStatus(key, s.config.Clock.Now())

	insert := fmt.Sprintf(`
		INSERT IGNORE INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
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
		WHERE stream_id = ? AND source = ? AND component = ?
		FOR UPDATE
	`, statusColumns, s.config.Tables.StreamStatus)

	status, err := scanStatus(tx.QueryRowContext(ctx, query, key.StreamID, key.Source, key.Component))
	if err != nil {
		return es.StreamStatus{}, fmt.Errorf("failed to lock stream status %s: %w", key, err)
	}
	return status, nil
}

// SaveStatus implements store.StreamStatusStore.
// MySQL counts only changed rows as affected, so a missing row is not
// reported; LockStatus always precedes SaveStatus.
func (s *Store) SaveStatus(ctx context.Context, tx es.DBTX, status *es.StreamStatus) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET position = ?, latest_known_position = ?, is_up_to_date = ?,
			stream_error_id = ?, updated_at = ?
		WHERE stream_id = ? AND source = ? AND component = ?
	`, s.config.Tables.StreamStatus)

	_, err := tx.ExecContext(ctx, query,
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
	return nil
}

// FindStatus implements store.StreamStatusStore.
func (s *Store) FindStatus(ctx context.Context, tx es.DBTX, key es.StreamKey) (es.StreamStatus, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_id = ? AND source = ? AND component = ?
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
		WHERE stream_id = ?
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
