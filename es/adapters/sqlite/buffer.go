package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getpup/puplink/es"
)

// BufferEvent implements store.StreamBufferStore.
func (s *Store) BufferEvent(ctx context.Context, tx es.DBTX, event *es.BufferedEvent) error {
	encoded, err := json.Marshal(&event.Event)
	if err != nil {
		return fmt.Errorf("failed to encode buffered event: %w", err)
	}

	bufferedAt := event.BufferedAt
	if bufferedAt.IsZero() {
		bufferedAt = s.config.Clock.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, source, component, position, event, buffered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stream_id, source, component, position) DO NOTHING
	`, s.config.Tables.StreamBuffer)

	_, err = tx.ExecContext(ctx, query,
		event.Key.StreamID.String(),
		event.Key.Source,
		event.Key.Component,
		event.Position,
		string(encoded),
		formatTimestamp(bufferedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to buffer %s at position %d: %w", event.Key, event.Position, err)
	}
	return nil
}

// FindBuffered implements store.StreamBufferStore.
func (s *Store) FindBuffered(ctx context.Context, tx es.DBTX, key es.StreamKey, position int64) (es.BufferedEvent, bool, error) {
	query := fmt.Sprintf(`
		SELECT event, buffered_at
		FROM %s
		WHERE stream_id = ? AND source = ? AND component = ? AND position = ?
	`, s.config.Tables.StreamBuffer)

	var encoded, bufferedAt string
	err := tx.QueryRowContext(ctx, query, key.StreamID.String(), key.Source, key.Component, position).
		Scan(&encoded, &bufferedAt)
	if err != nil {
		if isNoRows(err) {
			return es.BufferedEvent{}, false, nil
		}
		return es.BufferedEvent{}, false, fmt.Errorf("failed to find buffered event: %w", err)
	}

	event := es.BufferedEvent{Key: key, Position: position}
	if err := json.Unmarshal([]byte(encoded), &event.Event); err != nil {
		return es.BufferedEvent{}, false, fmt.Errorf("failed to decode buffered event: %w", err)
	}
	event.BufferedAt, err = parseTimestamp(bufferedAt)
	if err != nil {
		return es.BufferedEvent{}, false, err
	}
	return event, true, nil
}

// RemoveBuffered implements store.StreamBufferStore.
func (s *Store) RemoveBuffered(ctx context.Context, tx es.DBTX, key es.StreamKey, position int64) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE stream_id = ? AND source = ? AND component = ? AND position = ?
	`, s.config.Tables.StreamBuffer)

	if _, err := tx.ExecContext(ctx, query, key.StreamID.String(), key.Source, key.Component, position); err != nil {
		return fmt.Errorf("failed to remove buffered event: %w", err)
	}
	return nil
}

// FindReleasable implements store.StreamBufferStore.
func (s *Store) FindReleasable(ctx context.Context, tx es.DBTX, source, component string, limit int) ([]es.StreamKey, error) {
	query := fmt.Sprintf(`
		SELECT b.stream_id
		FROM %s b
		JOIN %s st
			ON st.stream_id = b.stream_id AND st.source = b.source AND st.component = b.component
		WHERE b.source = ? AND b.component = ?
			AND st.stream_error_id IS NULL
			AND b.position = st.position + 1
		ORDER BY b.buffered_at ASC
		LIMIT ?
	`, s.config.Tables.StreamBuffer, s.config.Tables.StreamStatus)

	rows, err := tx.QueryContext(ctx, query, source, component, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query releasable streams: %w", err)
	}
	defer rows.Close()

	var keys []es.StreamKey
	for rows.Next() {
		key := es.StreamKey{Source: source, Component: component}
		if err := rows.Scan(&key.StreamID); err != nil {
			return nil, fmt.Errorf("failed to scan releasable stream: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return keys, nil
}

// CountBuffered implements store.StreamBufferStore.
func (s *Store) CountBuffered(ctx context.Context, tx es.DBTX, key es.StreamKey) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s
		WHERE stream_id = ? AND source = ? AND component = ?
	`, s.config.Tables.StreamBuffer)

	var count int64
	if err := tx.QueryRowContext(ctx, query, key.StreamID.String(), key.Source, key.Component).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count buffered events: %w", err)
	}
	return count, nil
}
