// Package puplink orders, publishes and consumes the events of an event log.
//
// This package only carries the release version. The engine lives in the
// es package and its subpackages:
//
//	es                 - Core types: raw and linked events, stream status, errors
//	es/store           - Persistence contracts
//	es/adapters/...    - PostgreSQL, MySQL and SQLite implementations
//	es/sequencer       - Global event numbering and chain verification
//	es/publish         - Publish queue draining
//	es/stream          - Per-stream ordering buffer and error tracker
//	es/catchup         - Catch-up coordinator with failure isolation
//	es/migrations      - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     puplink migrate --adapter postgres --output migrations
//
//  2. Append events in your own transaction:
//     s := postgres.NewStore(postgres.DefaultStoreConfig())
//     err := es.WithTx(ctx, db, func(tx es.DBTX) error {
//     return s.Append(ctx, tx, es.NoStream(), events)
//     })
//
//  3. Sequence and publish:
//     seq := sequencer.New(db, s, sequencer.DefaultConfig())
//     seq.SequenceBatch(ctx, 0)
//
//  4. Catch a component up:
//     coord := catchup.New(db, s, catchup.DefaultConfig())
//     coord.Run(ctx, &es.Subscription{Source: "orders", Component: "billing", Handler: h})
package puplink

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
