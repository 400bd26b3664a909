package postgres

import (
	"context"
	"fmt"

	"github.com/getpup/puplink/es"
)

// ProcessedEventNumber implements store.SubscriptionStore.
func (s *Store) ProcessedEventNumber(ctx context.Context, tx es.DBTX, source, component string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT processed_event_number
		FROM %s
		WHERE source = $1 AND component = $2
	`, s.config.Tables.Checkpoints)

	var processed int64
	err := tx.QueryRowContext(ctx, query, source, component).Scan(&processed)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read checkpoint of %s/%s: %w", source, component, err)
	}
	return processed, nil
}

// AdvanceProcessedEventNumber implements store.SubscriptionStore.
func (s *Store) AdvanceProcessedEventNumber(ctx context.Context, tx es.DBTX, source, component string, eventNumber int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (source, component, processed_event_number, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, component)
		DO UPDATE SET
			processed_event_number = GREATEST(%[1]s.processed_event_number, EXCLUDED.processed_event_number),
			updated_at = EXCLUDED.updated_at
	`, s.config.Tables.Checkpoints)

	_, err := tx.ExecContext(ctx, query, source, component, eventNumber, s.config.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint of %s/%s: %w", source, component, err)
	}
	return nil
}
