package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
)

// Enqueue implements store.PublishQueue.
func (s *Store) Enqueue(ctx context.Context, tx es.DBTX, entry es.PublishQueueEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (event_log_id, date_queued)
		VALUES ($1, $2)
	`, s.config.Tables.PublishQueue)

	queuedAt := entry.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = s.config.Clock.Now()
	}

	if _, err := tx.ExecContext(ctx, query, entry.EventID, queuedAt); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", entry.EventID, err)
	}
	return nil
}

// TakeNext implements store.PublishQueue.
// The entry stays locked until tx ends; other dispatchers skip it.
func (s *Store) TakeNext(ctx context.Context, tx es.DBTX) (es.PublishQueueEntry, bool, error) {
	query := fmt.Sprintf(`
		SELECT event_log_id, date_queued
		FROM %s
		ORDER BY seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, s.config.Tables.PublishQueue)

	var entry es.PublishQueueEntry
	if err := tx.QueryRowContext(ctx, query).Scan(&entry.EventID, &entry.QueuedAt); err != nil {
		if isNoRows(err) {
			return es.PublishQueueEntry{}, false, nil
		}
		return es.PublishQueueEntry{}, false, fmt.Errorf("failed to take queue entry: %w", err)
	}
	return entry, true, nil
}

// Remove implements store.PublishQueue.
func (s *Store) Remove(ctx context.Context, tx es.DBTX, eventID uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE event_log_id = $1`, s.config.Tables.PublishQueue)

	if _, err := tx.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("failed to remove queue entry %s: %w", eventID, err)
	}
	return nil
}

// QueueSize implements store.PublishQueue.
func (s *Store) QueueSize(ctx context.Context, tx es.DBTX) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.config.Tables.PublishQueue)

	var size int64
	if err := tx.QueryRowContext(ctx, query).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return size, nil
}
