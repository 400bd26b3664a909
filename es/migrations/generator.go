// Package migrations provides SQL migration generation for the ordering engine.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getpup/puplink/es/store"
)

// Dialect selects the SQL flavour of a migration.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect returns the dialect named s.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(s); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dialect %q (supported: postgres, mysql, sqlite)", s)
	}
}

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// Tables names the generated tables
	Tables store.Tables
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_puplink.sql", timestamp),
		Tables:         store.DefaultTables(),
	}
}

// Generate writes the migration for dialect to the configured file.
func Generate(config *Config, dialect Dialect) error {
	sql, err := SQL(dialect, &config.Tables)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(config, Postgres)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(config, SQLite)
}

// GenerateMySQL generates a MySQL migration file.
func GenerateMySQL(config *Config) error {
	return Generate(config, MySQL)
}

// SQL returns the migration script for dialect.
func SQL(dialect Dialect, tables *store.Tables) (string, error) {
	var tmpl string
	switch dialect {
	case Postgres:
		tmpl = postgresSQL
	case MySQL:
		tmpl = mysqlSQL
	case SQLite:
		tmpl = sqliteSQL
	default:
		return "", fmt.Errorf("unknown dialect %q", dialect)
	}
	return fmt.Sprintf(tmpl,
		time.Now().Format(time.RFC3339),
		tables.EventLog,
		tables.SequenceTail,
		tables.PublishQueue,
		tables.StreamStatus,
		tables.StreamBuffer,
		tables.StreamError,
		tables.Checkpoints,
	), nil
}

const postgresSQL = `-- puplink ordering engine migration
-- Generated: %[1]s

-- Event log stores raw events in append order.
-- event_number and previous_event_number are assigned once by the sequencer.
CREATE TABLE IF NOT EXISTS %[2]s (
    log_id BIGSERIAL PRIMARY KEY,
    id UUID NOT NULL UNIQUE,
    stream_id UUID NOT NULL,
    position_in_stream BIGINT NOT NULL,
    name TEXT NOT NULL,
    payload BYTEA NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    date_created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    event_number BIGINT UNIQUE,
    previous_event_number BIGINT,

    UNIQUE (stream_id, position_in_stream)
);

-- Oldest unsequenced row lookup
CREATE INDEX IF NOT EXISTS idx_%[2]s_unsequenced
    ON %[2]s (log_id) WHERE event_number IS NULL;

-- Sequence tail holds the last assigned event number.
-- Sequencers lock its single row to serialize extending the chain.
CREATE TABLE IF NOT EXISTS %[3]s (
    id INT PRIMARY KEY CHECK (id = 1),
    event_number BIGINT NOT NULL DEFAULT 0
);

INSERT INTO %[3]s (id, event_number) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

-- Publish queue holds sequenced events awaiting dispatch
CREATE TABLE IF NOT EXISTS %[4]s (
    seq BIGSERIAL PRIMARY KEY,
    event_log_id UUID NOT NULL UNIQUE,
    date_queued TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Stream status tracks consumption per stream, source and component
CREATE TABLE IF NOT EXISTS %[5]s (
    stream_id UUID NOT NULL,
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    position BIGINT NOT NULL,
    latest_known_position BIGINT NOT NULL,
    is_up_to_date BOOLEAN NOT NULL,
    stream_error_id UUID,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (stream_id, source, component),
    CHECK (position <= latest_known_position)
);

CREATE INDEX IF NOT EXISTS idx_%[5]s_errored
    ON %[5]s (stream_error_id) WHERE stream_error_id IS NOT NULL;

-- Stream buffer holds events waiting for earlier positions
CREATE TABLE IF NOT EXISTS %[6]s (
    stream_id UUID NOT NULL,
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    position BIGINT NOT NULL,
    event JSONB NOT NULL,
    buffered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (stream_id, source, component, position)
);

CREATE INDEX IF NOT EXISTS idx_%[6]s_subscription
    ON %[6]s (source, component, buffered_at);

-- Stream errors block their stream until marked fixed.
-- At most one error per stream, source and component.
CREATE TABLE IF NOT EXISTS %[7]s (
    id UUID PRIMARY KEY,
    stream_id UUID NOT NULL,
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    position_in_stream BIGINT NOT NULL,
    hash TEXT NOT NULL,
    details JSONB NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (stream_id, source, component)
);

CREATE INDEX IF NOT EXISTS idx_%[7]s_hash
    ON %[7]s (hash);

-- Subscription checkpoints track catch-up progress
CREATE TABLE IF NOT EXISTS %[8]s (
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    processed_event_number BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (source, component)
);
`

const mysqlSQL = `-- puplink ordering engine migration for MySQL
-- Generated: %[1]s

-- Event log stores raw events in append order.
-- event_number and previous_event_number are assigned once by the sequencer.
CREATE TABLE IF NOT EXISTS %[2]s (
    log_id BIGINT AUTO_INCREMENT PRIMARY KEY,
    id CHAR(36) NOT NULL,
    stream_id CHAR(36) NOT NULL,
    position_in_stream BIGINT NOT NULL,
    name VARCHAR(255) NOT NULL,
    payload LONGBLOB NOT NULL,
    metadata JSON NOT NULL,
    date_created DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    event_number BIGINT NULL,
    previous_event_number BIGINT NULL,

    UNIQUE KEY uq_%[2]s_id (id),
    UNIQUE KEY uq_%[2]s_stream_position (stream_id, position_in_stream),
    UNIQUE KEY uq_%[2]s_event_number (event_number),
    KEY idx_%[2]s_unsequenced (event_number, log_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Sequence tail holds the last assigned event number.
-- Sequencers lock its single row to serialize extending the chain.
CREATE TABLE IF NOT EXISTS %[3]s (
    id INT PRIMARY KEY,
    event_number BIGINT NOT NULL DEFAULT 0,
    CHECK (id = 1)
) ENGINE=InnoDB;

INSERT IGNORE INTO %[3]s (id, event_number) VALUES (1, 0);

-- Publish queue holds sequenced events awaiting dispatch
CREATE TABLE IF NOT EXISTS %[4]s (
    seq BIGINT AUTO_INCREMENT PRIMARY KEY,
    event_log_id CHAR(36) NOT NULL,
    date_queued DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    UNIQUE KEY uq_%[4]s_event (event_log_id)
) ENGINE=InnoDB;

-- Stream status tracks consumption per stream, source and component
CREATE TABLE IF NOT EXISTS %[5]s (
    stream_id CHAR(36) NOT NULL,
    source VARCHAR(255) NOT NULL,
    component VARCHAR(255) NOT NULL,
    position BIGINT NOT NULL,
    latest_known_position BIGINT NOT NULL,
    is_up_to_date BOOLEAN NOT NULL,
    stream_error_id CHAR(36) NULL,
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    PRIMARY KEY (stream_id, source, component),
    KEY idx_%[5]s_errored (stream_error_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Stream buffer holds events waiting for earlier positions
CREATE TABLE IF NOT EXISTS %[6]s (
    stream_id CHAR(36) NOT NULL,
    source VARCHAR(255) NOT NULL,
    component VARCHAR(255) NOT NULL,
    position BIGINT NOT NULL,
    event JSON NOT NULL,
    buffered_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    PRIMARY KEY (stream_id, source, component, position),
    KEY idx_%[6]s_subscription (source, component, buffered_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Stream errors block their stream until marked fixed.
-- At most one error per stream, source and component.
CREATE TABLE IF NOT EXISTS %[7]s (
    id CHAR(36) PRIMARY KEY,
    stream_id CHAR(36) NOT NULL,
    source VARCHAR(255) NOT NULL,
    component VARCHAR(255) NOT NULL,
    position_in_stream BIGINT NOT NULL,
    hash CHAR(64) NOT NULL,
    details JSON NOT NULL,
    occurred_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    UNIQUE KEY uq_%[7]s_key (stream_id, source, component),
    KEY idx_%[7]s_hash (hash)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Subscription checkpoints track catch-up progress
CREATE TABLE IF NOT EXISTS %[8]s (
    source VARCHAR(255) NOT NULL,
    component VARCHAR(255) NOT NULL,
    processed_event_number BIGINT NOT NULL DEFAULT 0,
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),

    PRIMARY KEY (source, component)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

const sqliteSQL = `-- puplink ordering engine migration for SQLite
-- Generated: %[1]s

-- Event log stores raw events in append order.
-- event_number and previous_event_number are assigned once by the sequencer.
CREATE TABLE IF NOT EXISTS %[2]s (
    log_id INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    stream_id TEXT NOT NULL,
    position_in_stream INTEGER NOT NULL,
    name TEXT NOT NULL,
    payload BLOB NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    date_created TEXT NOT NULL,
    event_number INTEGER UNIQUE,
    previous_event_number INTEGER,

    UNIQUE (stream_id, position_in_stream)
);

-- Oldest unsequenced row lookup
CREATE INDEX IF NOT EXISTS idx_%[2]s_unsequenced
    ON %[2]s (log_id) WHERE event_number IS NULL;

-- Sequence tail holds the last assigned event number.
-- Writing its single row takes the database write lock.
CREATE TABLE IF NOT EXISTS %[3]s (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    event_number INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO %[3]s (id, event_number) VALUES (1, 0);

-- Publish queue holds sequenced events awaiting dispatch.
-- Entries are claimed by conditional update instead of row locks.
CREATE TABLE IF NOT EXISTS %[4]s (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_log_id TEXT NOT NULL UNIQUE,
    date_queued TEXT NOT NULL,
    claimed_by TEXT,
    claimed_at TEXT
);

-- Stream status tracks consumption per stream, source and component
CREATE TABLE IF NOT EXISTS %[5]s (
    stream_id TEXT NOT NULL,
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    position INTEGER NOT NULL,
    latest_known_position INTEGER NOT NULL,
    is_up_to_date INTEGER NOT NULL,
    stream_error_id TEXT,
    updated_at TEXT NOT NULL,

    PRIMARY KEY (stream_id, source, component),
    CHECK (position <= latest_known_position)
);

CREATE INDEX IF NOT EXISTS idx_%[5]s_errored
    ON %[5]s (stream_error_id) WHERE stream_error_id IS NOT NULL;

-- Stream buffer holds events waiting for earlier positions
CREATE TABLE IF NOT EXISTS %[6]s (
    stream_id TEXT NOT NULL,
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    position INTEGER NOT NULL,
    event TEXT NOT NULL,
    buffered_at TEXT NOT NULL,

    PRIMARY KEY (stream_id, source, component, position)
);

CREATE INDEX IF NOT EXISTS idx_%[6]s_subscription
    ON %[6]s (source, component, buffered_at);

-- Stream errors block their stream until marked fixed.
-- At most one error per stream, source and component.
CREATE TABLE IF NOT EXISTS %[7]s (
    id TEXT PRIMARY KEY,
    stream_id TEXT NOT NULL,
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    position_in_stream INTEGER NOT NULL,
    hash TEXT NOT NULL,
    details TEXT NOT NULL,
    occurred_at TEXT NOT NULL,

    UNIQUE (stream_id, source, component)
);

CREATE INDEX IF NOT EXISTS idx_%[7]s_hash
    ON %[7]s (hash);

-- Subscription checkpoints track catch-up progress
CREATE TABLE IF NOT EXISTS %[8]s (
    source TEXT NOT NULL,
    component TEXT NOT NULL,
    processed_event_number INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,

    PRIMARY KEY (source, component)
);
`
