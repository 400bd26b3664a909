// Package integration_test contains integration tests for the MySQL adapter.
// These tests require a running MySQL/MariaDB instance.
//
// Start MySQL: docker run -d -p 3306:3306 -e MYSQL_ROOT_PASSWORD=password -e MYSQL_DATABASE=puplink_test mysql:8
// Run with: go test -tags=integration ./es/adapters/mysql/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/adapters/mysql"
	"github.com/getpup/puplink/es/migrations"
	"github.com/getpup/puplink/es/publish"
	"github.com/getpup/puplink/es/sequencer"
	"github.com/getpup/puplink/es/store"
	"github.com/getpup/puplink/es/store/storetest"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Default to localhost, but allow override via env var for CI
	host := os.Getenv("MYSQL_HOST")
	if host == "" {
		host = "localhost"
	}

	port := os.Getenv("MYSQL_PORT")
	if port == "" {
		port = "3306"
	}

	user := os.Getenv("MYSQL_USER")
	if user == "" {
		user = "root"
	}

	password := os.Getenv("MYSQL_PASSWORD")
	if password == "" {
		password = "password"
	}

	dbname := os.Getenv("MYSQL_DATABASE")
	if dbname == "" {
		dbname = "puplink_test"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
		user, password, host, port, dbname)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	return db
}

func setupTestTables(t *testing.T, db *sql.DB) {
	t.Helper()

	tables := store.DefaultTables()
	for _, table := range []string{
		tables.Checkpoints, tables.StreamError, tables.StreamBuffer, tables.StreamStatus,
		tables.PublishQueue, tables.SequenceTail, tables.EventLog,
	} {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			t.Fatalf("Failed to drop %s: %v", table, err)
		}
	}

	script, err := migrations.SQL(migrations.MySQL, &tables)
	if err != nil {
		t.Fatalf("Failed to generate migration: %v", err)
	}
	if _, err := db.Exec(script); err != nil {
		t.Fatalf("Failed to execute migration: %v", err)
	}
}

func TestConformance(t *testing.T) {
	db := getTestDB(t)
	setupTestTables(t, db)

	storetest.Run(t, db, mysql.NewStore(mysql.DefaultStoreConfig()))
}

func TestConcurrentPublishersShareTheQueue(t *testing.T) {
	db := getTestDB(t)
	setupTestTables(t, db)

	ctx := context.Background()
	s := mysql.NewStore(mysql.DefaultStoreConfig())
	require.NoError(t, es.WithTx(ctx, db, func(tx es.DBTX) error {
		return s.Append(ctx, tx, es.NoStream(), storetest.Events(uuid.New(), 0, 20))
	}))
	_, err := sequencer.New(db, s, sequencer.DefaultConfig()).SequenceBatch(ctx, 0)
	require.NoError(t, err)

	dispatched := make(chan int64, 40)
	dispatcher := publish.DispatcherFunc(func(_ context.Context, e es.LinkedEvent) error {
		dispatched <- e.EventNumber
		return nil
	})

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := publish.New(db, s, dispatcher, publish.Config{}).PublishBatch(ctx, 0)
			done <- err
		}()
	}
	for i := 0; i < 3; i++ {
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("publisher failed: %v", err)
		}
	}
	close(dispatched)

	seen := map[int64]int{}
	for number := range dispatched {
		seen[number]++
	}
	assert.Len(t, seen, 20)
	for number, n := range seen {
		assert.Equal(t, 1, n, "event %d dispatched once", number)
	}
}
