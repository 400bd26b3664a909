// Package es provides the core types of the puplink ordering engine.
//
// # Overview
//
// Producers append RawEvents to an event log without coordinating with each
// other. The engine then
//   - sequences them into LinkedEvents forming one backward-pointing chain
//     of event numbers (see the sequencer package),
//   - queues every linked event for dispatch to a transport (publish),
//   - delivers events to each subscription strictly in stream position
//     order, buffering out-of-order arrivals (stream), and
//   - drains the events a subscription has not processed yet with bounded
//     concurrency, isolating failures to the stream that raised them (catchup).
//
// # Transactions
//
// Stores accept a DBTX and never open transactions themselves. The
// components owning a unit of work demarcate it with WithTx:
//
//	err := es.WithTx(ctx, db, func(tx es.DBTX) error {
//	    _, err := log.Append(ctx, tx, es.NoStream(), events)
//	    return err
//	})
//
// # Positions
//
// Stream positions are 0-based. A stream nobody consumed yet has a status at
// InitialPosition, so the next expected position is always Position + 1.
//
// # Event numbers
//
// Event numbers start at 1. The first linked event points back to
// FirstPreviousEventNumber (0); every later one points at its predecessor.
// Both numbers are also embedded in the event metadata under
// MetadataEventNumberKey and MetadataPreviousEventNumberKey.
//
// # Errors
//
// Errors matching ErrHalt must stop the task that returned them. Everything
// else is retried by the caller on its own schedule.
package es
