// Package admin exposes operational queries and switches for a running
// pipeline: stream statuses and errors, the publish queue depth, chain
// verification, and pausing of sequencing and publishing.
package admin

import (
	"context"

	"github.com/google/uuid"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/sequencer"
	"github.com/getpup/puplink/es/store"
	"github.com/getpup/puplink/es/stream"
)

// DB is implemented by *sql.DB.
type DB interface {
	es.DBTX
	es.TxBeginner
}

// Store is the persistence a Service needs.
type Store interface {
	store.EventLog
	store.PublishQueue
	stream.Store
}

// Service answers operational questions. Queries never lock rows.
type Service struct {
	db         DB
	store      Store
	tracker    *stream.ErrorTracker
	sequencing *es.Switch
	publishing *es.Switch
}

// New creates a Service. The switches are shared with the sequencer and
// publisher they control; nil switches are replaced by private ones.
func New(db DB, s Store, sequencing, publishing *es.Switch, config stream.Config) *Service {
	if sequencing == nil {
		sequencing = &es.Switch{}
	}
	if publishing == nil {
		publishing = &es.Switch{}
	}
	return &Service{
		db:         db,
		store:      s,
		tracker:    stream.NewErrorTracker(s, config),
		sequencing: sequencing,
		publishing: publishing,
	}
}

// StreamStatus returns the status of key.
// Returns store.ErrStatusNotFound if nothing was consumed for it yet.
func (s *Service) StreamStatus(ctx context.Context, key es.StreamKey) (es.StreamStatus, error) {
	return s.store.FindStatus(ctx, s.db, key)
}

// StatusesByStream returns the status of streamID for every consumer.
func (s *Service) StatusesByStream(ctx context.Context, streamID uuid.UUID) ([]es.StreamStatus, error) {
	return s.store.FindStatusesByStream(ctx, s.db, streamID)
}

// ErroredStreams returns every blocked stream.
func (s *Service) ErroredStreams(ctx context.Context) ([]es.StreamStatus, error) {
	return s.store.FindErroredStatuses(ctx, s.db)
}

// ErrorsByStream returns the errors recorded for streamID.
func (s *Service) ErrorsByStream(ctx context.Context, streamID uuid.UUID) ([]es.StreamError, error) {
	return s.store.FindErrorsByStream(ctx, s.db, streamID)
}

// ErrorsByHash returns the errors sharing a classification.
func (s *Service) ErrorsByHash(ctx context.Context, hash string) ([]es.StreamError, error) {
	return s.store.FindErrorsByHash(ctx, s.db, hash)
}

// QueueSize returns the number of events awaiting dispatch.
func (s *Service) QueueSize(ctx context.Context) (int64, error) {
	return s.store.QueueSize(ctx, s.db)
}

// VerifyChain checks the linked events in (from, through].
// See sequencer.VerifyChain.
func (s *Service) VerifyChain(ctx context.Context, from, through int64) (int64, error) {
	return sequencer.VerifyChain(ctx, s.db, s.store, from, through)
}

// MarkFixed deletes the stream error errorID and unblocks key. Events held
// by the stream are delivered by the next catch-up run.
func (s *Service) MarkFixed(ctx context.Context, errorID uuid.UUID, key es.StreamKey) error {
	return es.WithTx(ctx, s.db, func(tx es.DBTX) error {
		return s.tracker.MarkFixed(ctx, tx, errorID, key)
	})
}

// EnableSequencing resumes sequencing.
func (s *Service) EnableSequencing() { s.sequencing.Enable() }

// DisableSequencing pauses sequencing. Unsequenced events stay in the log.
func (s *Service) DisableSequencing() { s.sequencing.Disable() }

// SequencingEnabled reports whether sequencing runs.
func (s *Service) SequencingEnabled() bool { return s.sequencing.Enabled() }

// EnablePublishing resumes publishing.
func (s *Service) EnablePublishing() { s.publishing.Enable() }

// DisablePublishing pauses publishing. Queued events stay queued.
func (s *Service) DisablePublishing() { s.publishing.Disable() }

// PublishingEnabled reports whether publishing runs.
func (s *Service) PublishingEnabled() bool { return s.publishing.Enabled() }
