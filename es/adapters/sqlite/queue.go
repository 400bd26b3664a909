package sqlite

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
		VALUES (?, ?)
	`, s.config.Tables.PublishQueue)

	queuedAt := entry.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = s.config.Clock.Now()
	}

	if _, err := tx.ExecContext(ctx, query, entry.EventID.String(), formatTimestamp(queuedAt)); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", entry.EventID, err)
	}
	return nil
}

// TakeNext implements store.PublishQueue.
// The oldest entry that is unclaimed, or whose claim expired, is claimed by
// a conditional update. The claim is part of tx and disappears with it on
// rollback.
func (s *Store) TakeNext(ctx context.Context, tx es.DBTX) (es.PublishQueueEntry, bool, error) {
	now := s.config.Clock.Now()
	expired := now.Add(-s.config.ClaimTimeout)

	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET claimed_by = ?, claimed_at = ?
		WHERE seq = (
			SELECT seq FROM %[1]s
			WHERE claimed_by IS NULL OR claimed_at < ?
			ORDER BY seq ASC
			LIMIT 1
		)
		RETURNING event_log_id, date_queued
	`, s.config.Tables.PublishQueue)

	var (
		entry    es.PublishQueueEntry
		queuedAt string
	)
	err := tx.QueryRowContext(ctx, query,
		s.config.ClaimOwner,
		formatTimestamp(now),
		formatTimestamp(expired),
	).Scan(&entry.EventID, &queuedAt)
	if err != nil {
		if isNoRows(err) {
			return es.PublishQueueEntry{}, false, nil
		}
		return es.PublishQueueEntry{}, false, fmt.Errorf("failed to claim queue entry: %w", err)
	}

	entry.QueuedAt, err = parseTimestamp(queuedAt)
	if err != nil {
		return es.PublishQueueEntry{}, false, err
	}
	return entry, true, nil
}

// Remove implements store.PublishQueue.
func (s *Store) Remove(ctx context.Context, tx es.DBTX, eventID uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE event_log_id = ?`, s.config.Tables.PublishQueue)

	if _, err := tx.ExecContext(ctx, query, eventID.String()); err != nil {
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
