package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/store"
)

const statusColumns = `stream_id, source, component, position, latest_known_position,
		is_up_to_date, stream_error_id, updated_at`

// LockStatus implements store.StreamStatusStore.
// The insert takes the database write lock, which serializes concurrent
// callers for the rest of tx.
func (s *Store) LockStatus(ctx context.Context, tx es.DBTX, key es.StreamKey) (es.StreamStatus, error) {
	initial := es.NewStreamStatus(key, s.config.Clock.Now())

	insert := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT (stream_id, source, component) DO NOTHING
	`, s.config.Tables.StreamStatus, statusColumns)

	_, err := tx.ExecContext(ctx, insert,
		key.StreamID.String(),
		key.Source,
		key.Component,
		initial.Position,
		initial.LatestKnownPosition,
		initial.UpToDate,
		formatTimestamp(initial.UpdatedAt),
	)
	if err != nil {
		return es.StreamStatus{}, fmt.Errorf("failed to create stream status %s: %w", key, err)
	}

	status, err := s.FindStatus(ctx, tx, key)
	if err != nil {
		return es.StreamStatus{}, fmt.Errorf("failed to lock stream status %s: %w", key, err)
	}
	return status, nil
}

// SaveStatus implements store.StreamStatusStore.
func (s *Store) SaveStatus(ctx context.Context, tx es.DBTX, status *es.StreamStatus) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET position = ?, latest_known_position = ?, is_up_to_date = ?,
			stream_error_id = ?, updated_at = ?
		WHERE stream_id = ? AND source = ? AND component = ?
	`, s.config.Tables.StreamStatus)

	res, err := tx.ExecContext(ctx, query,
		status.Position,
		status.LatestKnownPosition,
		status.UpToDate,
		nullUUIDValue(status.StreamErrorID),
		formatTimestamp(status.UpdatedAt),
		status.Key.StreamID.String(),
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
		WHERE stream_id = ? AND source = ? AND component = ?
	`, statusColumns, s.config.Tables.StreamStatus)

	status, err := scanStatus(tx.QueryRowContext(ctx, query, key.StreamID.String(), key.Source, key.Component))
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

	return s.queryStatuses(ctx, tx, query, streamID.String())
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
	var (
		status    es.StreamStatus
		errorID   sql.NullString
		updatedAt string
	)
	err := row.Scan(
		&status.Key.StreamID,
		&status.Key.Source,
		&status.Key.Component,
		&status.Position,
		&status.LatestKnownPosition,
		&status.UpToDate,
		&errorID,
		&updatedAt,
	)
	if err != nil {
		return es.StreamStatus{}, err
	}

	if errorID.Valid {
		id, err := uuid.Parse(errorID.String)
		if err != nil {
			return es.StreamStatus{}, fmt.Errorf("invalid stream error id %q: %w", errorID.String, err)
		}
		status.StreamErrorID = uuid.NullUUID{UUID: id, Valid: true}
	}

	status.UpdatedAt, err = parseTimestamp(updatedAt)
	if err != nil {
		return es.StreamStatus{}, err
	}
	return status, nil
}
