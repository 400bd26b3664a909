package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/getpup/puplink/es"
	"github.com/getpup/puplink/es/adapters/mysql"
	"github.com/getpup/puplink/es/adapters/postgres"
	"github.com/getpup/puplink/es/adapters/sqlite"
	"github.com/getpup/puplink/es/admin"
	"github.com/getpup/puplink/es/migrations"
	"github.com/getpup/puplink/es/store"
	"github.com/getpup/puplink/es/stream"
	"github.com/getpup/puplink/internal/config"
)

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg config.LogConfig) (*es.SlogLogger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return es.NewSlogLogger(slog.New(handler)), nil
}

// newStore returns the adapter for dialect.
func newStore(dialect migrations.Dialect, logger es.Logger) store.Store {
	switch dialect {
	case migrations.MySQL:
		return mysql.NewStore(mysql.NewStoreConfig(mysql.WithLogger(logger)))
	case migrations.SQLite:
		return sqlite.NewStore(sqlite.NewStoreConfig(sqlite.WithLogger(logger)))
	default:
		return postgres.NewStore(postgres.NewStoreConfig(postgres.WithLogger(logger)))
	}
}

// openBackend opens and pings the configured database.
func openBackend(ctx context.Context, cfg config.DatabaseConfig, logger es.Logger) (*sql.DB, store.Store, error) {
	db, err := sql.Open(cfg.DriverName(), cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	return db, newStore(cfg.Dialect(), logger), nil
}

// withAdmin loads the configuration, opens the database and runs fn with
// an admin service over it.
func withAdmin(ctx context.Context, load LoadFunc, stderr io.Writer, fn func(*admin.Service) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg.Log)
	if err != nil {
		return err
	}
	db, s, err := openBackend(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	streamConfig := stream.DefaultConfig()
	streamConfig.Logger = logger
	return fn(admin.New(db, s, nil, nil, streamConfig))
}
