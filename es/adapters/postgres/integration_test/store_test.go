// Package integration_test contains integration tests for the Postgres adapter.
// These tests require a running PostgreSQL instance.
//
// Run with: go test -tags=integration ./es/adapters/postgres/integration_test/...
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

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/adapters/postgres"
	"github.com/getpup/puplink/es/catchup"
	"github.com/getpup/puplink/es/migrations"
	"github.com/getpup/puplink/es/sequencer"
	"github.com/getpup/puplink/es/store"
	"github.com/getpup/puplink/es/store/storetest"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Default to localhost, but allow override via env var for CI
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}

	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}

	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "postgres"
	}

	dbname := os.Getenv("POSTGRES_DB")
	if dbname == "" {
		dbname = "puplink_test"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
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
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			t.Fatalf("Failed to drop %s: %v", table, err)
		}
	}

	script, err := migrations.SQL(migrations.Postgres, &tables)
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

	storetest.Run(t, db, postgres.NewStore(postgres.DefaultStoreConfig()))
}

func TestConcurrentAppendsToOneStream(t *testing.T) {
	db := getTestDB(t)
	setupTestTables(t, db)

	ctx := context.Background()
	s := postgres.NewStore(postgres.DefaultStoreConfig())
	streamID := uuid.New()

	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			results <- es.WithTx(ctx, db, func(tx es.DBTX) error {
				return s.Append(ctx, tx, es.NoStream(), storetest.Events(streamID, 0, 1))
			})
		}()
	}

	var conflicts int
	for i := 0; i < 5; i++ {
		err := <-results
		if errors.Is(err, store.ErrPositionConflict) {
			conflicts++
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 4, conflicts, "exactly one writer wins each position")
}

func TestCatchupEndToEnd(t *testing.T) {
	db := getTestDB(t)
	setupTestTables(t, db)

	ctx := context.Background()
	s := postgres.NewStore(postgres.DefaultStoreConfig())

	streams := []uuid.UUID{uuid.New(), uuid.New()}
	for _, streamID := range streams {
		require.NoError(t, es.WithTx(ctx, db, func(tx es.DBTX) error {
			return s.Append(ctx, tx, es.NoStream(), storetest.Events(streamID, 0, 5))
		}))
	}
	_, err := sequencer.New(db, s, sequencer.DefaultConfig()).SequenceBatch(ctx, 0)
	require.NoError(t, err)

	positions := map[uuid.UUID][]int64{}
	handler := es.HandlerFunc(func(_ context.Context, _ es.DBTX, e es.LinkedEvent) error {
		positions[e.StreamID] = append(positions[e.StreamID], e.Position)
		return nil
	})
	sub := &es.Subscription{Source: "orders", Component: "indexer", Handler: handler}

	config := catchup.DefaultConfig()
	config.Workers = 1
	result, err := catchup.New(db, s, config).Run(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, catchup.Complete, result.State)
	assert.Equal(t, int64(10), result.Processed)
	for _, streamID := range streams {
		assert.Equal(t, []int64{0, 1, 2, 3, 4}, positions[streamID])
	}
}
