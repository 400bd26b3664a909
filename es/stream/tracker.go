package stream

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
)

// ErrorTracker blocks and unblocks streams.
type ErrorTracker struct {
	store  Store
	config Config
}

// NewErrorTracker creates an ErrorTracker.
func NewErrorTracker(s Store, config Config) *ErrorTracker {
	if config.Clock == nil {
		config.Clock = es.SystemClock{}
	}
	return &ErrorTracker{store: s, config: config}
}

// MarkErrored records a failure at position and blocks key.
// It returns false without writing when key is already blocked.
func (t *ErrorTracker) MarkErrored(ctx context.Context, tx es.DBTX, key es.StreamKey, position int64, details es.ErrorDetails) (bool, error) {
	status, err := t.store.LockStatus(ctx, tx, key)
	if err != nil {
		return false, err
	}
	if status.IsBlocked() {
		return false, nil
	}

	now := t.config.Clock.Now()
	streamErr := &es.StreamError{
		ID:         uuid.New(),
		Key:        key,
		Position:   position,
		Details:    details,
		Hash:       details.Hash(),
		OccurredAt: now,
	}
	inserted, err := t.store.InsertError(ctx, tx, streamErr)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	status.StreamErrorID = uuid.NullUUID{UUID: streamErr.ID, Valid: true}
	status.UpdatedAt = now
	if err := t.store.SaveStatus(ctx, tx, &status); err != nil {
		return false, err
	}

	if t.config.Logger != nil {
		t.config.Logger.Info(ctx, "stream blocked",
			"stream", key.String(),
			"position", position,
			"stream_error_id", streamErr.ID,
			"hash", streamErr.Hash,
			"error", details.Message)
	}
	return true, nil
}

// MarkFixed deletes the stream error errorID and unblocks key if it still
// references it. Held events are not delivered; call Buffer.Drain for that.
func (t *ErrorTracker) MarkFixed(ctx context.Context, tx es.DBTX, errorID uuid.UUID, key es.StreamKey) error {
	status, err := t.store.LockStatus(ctx, tx, key)
	if err != nil {
		return err
	}

	streamErr, err := t.store.FindError(ctx, tx, errorID)
	if err != nil {
		return err
	}
	if streamErr.Key != key {
		return fmt.Errorf("stream error %s belongs to %s, not %s", errorID, streamErr.Key, key)
	}

	if status.StreamErrorID.Valid && status.StreamErrorID.UUID == errorID {
		status.StreamErrorID = uuid.NullUUID{}
		status.UpdatedAt = t.config.Clock.Now()
		if err := t.store.SaveStatus(ctx, tx, &status); err != nil {
			return err
		}
	}
	if err := t.store.RemoveError(ctx, tx, errorID); err != nil {
		return err
	}

	if t.config.Logger != nil {
		t.config.Logger.Info(ctx, "stream unblocked", "stream", key.String(), "stream_error_id", errorID)
	}
	return nil
}
