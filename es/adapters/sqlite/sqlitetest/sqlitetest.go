// Package sqlitetest opens migrated SQLite databases for tests.
package sqlitetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/getpup/puplink/es/adapters/sqlite"
	"github.com/getpup/puplink/es/migrations"
	"github.com/getpup/puplink/es/store"
)

// Open creates a database file in a temporary directory, applies the
// migration for the default tables and returns it with a store configured by opts.
// The database is closed when the test ends.
//
// The pool is limited to one connection, so concurrent transactions queue
// in database/sql instead of failing with SQLITE_BUSY.
func Open(t testing.TB, opts ...sqlite.StoreOption) (*sql.DB, *sqlite.Store) {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "puplink.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tables := store.DefaultTables()
	script, err := migrations.SQL(migrations.SQLite, &tables)
	if err != nil {
		t.Fatalf("Failed to generate migration: %v", err)
	}
	if _, err := db.ExecContext(ctx, script); err != nil {
		t.Fatalf("Failed to execute migration: %v", err)
	}

	return db, sqlite.NewStore(sqlite.NewStoreConfig(opts...))
}
