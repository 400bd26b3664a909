package store

// Tables names the tables used by an adapter.
type Tables struct {
	// EventLog is the append log of raw and linked events
	EventLog string

	// SequenceTail is the single-row table holding the last event number
	SequenceTail string

	// PublishQueue holds sequenced events awaiting dispatch
	PublishQueue string

	// StreamStatus holds the consumption state per stream key
	StreamStatus string

	// StreamBuffer holds events waiting for earlier positions
	StreamBuffer string

	// StreamError holds the errors blocking streams
	StreamError string

	// Checkpoints holds catch-up progress per source and component
	Checkpoints string
}

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{
		EventLog:     "event_log",
		SequenceTail: "event_sequence_tail",
		PublishQueue: "publish_queue",
		StreamStatus: "stream_status",
		StreamBuffer: "stream_buffer",
		StreamError:  "stream_error",
		Checkpoints:  "subscription_checkpoints",
	}
}
