package migrations

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getpup/puplink/es/store"
)

func TestGeneratePostgres(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "test_migration.sql",
		Tables:         store.DefaultTables(),
	}

	err := GeneratePostgres(&config)
	if err != nil {
		t.Fatalf("GeneratePostgres failed: %v", err)
	}

	// Verify file was created
	outputPath := filepath.Join(tmpDir, config.OutputFilename)
	content, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}

	sql := string(content)

	// Verify essential components are present
	requiredStrings := []string{
		"CREATE TABLE IF NOT EXISTS event_log",
		"log_id BIGSERIAL PRIMARY KEY",
		"id UUID NOT NULL UNIQUE",
		"stream_id UUID NOT NULL",
		"position_in_stream BIGINT NOT NULL",
		"payload BYTEA NOT NULL",
		"metadata JSONB NOT NULL",
		"event_number BIGINT UNIQUE",
		"previous_event_number BIGINT",
		"UNIQUE (stream_id, position_in_stream)",
		"CREATE TABLE IF NOT EXISTS event_sequence_tail",
		"INSERT INTO event_sequence_tail (id, event_number) VALUES (1, 0)",
		"CREATE TABLE IF NOT EXISTS publish_queue",
		"event_log_id UUID NOT NULL UNIQUE",
		"CREATE TABLE IF NOT EXISTS stream_status",
		"PRIMARY KEY (stream_id, source, component)",
		"stream_error_id UUID",
		"CREATE TABLE IF NOT EXISTS stream_buffer",
		"PRIMARY KEY (stream_id, source, component, position)",
		"CREATE TABLE IF NOT EXISTS stream_error",
		"UNIQUE (stream_id, source, component)",
		"CREATE TABLE IF NOT EXISTS subscription_checkpoints",
		"processed_event_number BIGINT NOT NULL DEFAULT 0",
	}

	for _, required := range requiredStrings {
		if !strings.Contains(sql, required) {
			t.Errorf("Generated SQL missing required string: %s", required)
		}
	}

	// Verify indexes are created
	requiredIndexes := []string{
		"idx_event_log_unsequenced",
		"idx_stream_status_errored",
		"idx_stream_buffer_subscription",
		"idx_stream_error_hash",
	}

	for _, idx := range requiredIndexes {
		if !strings.Contains(sql, idx) {
			t.Errorf("Generated SQL missing index: %s", idx)
		}
	}

	if strings.Contains(sql, "%!") {
		t.Error("Generated SQL contains formatting errors")
	}
}

func TestGeneratePostgres_CustomTableNames(t *testing.T) {
	tmpDir := t.TempDir()

	tables := store.DefaultTables()
	tables.EventLog = "custom_log"
	tables.Checkpoints = "custom_checkpoints"

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "custom_migration.sql",
		Tables:         tables,
	}

	err := GeneratePostgres(&config)
	if err != nil {
		t.Fatalf("GeneratePostgres failed: %v", err)
	}

	outputPath := filepath.Join(tmpDir, config.OutputFilename)
	content, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}

	sql := string(content)

	// Verify custom table names are used
	if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS custom_log") {
		t.Error("Custom event log table name not used")
	}
	if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS custom_checkpoints") {
		t.Error("Custom checkpoints table name not used")
	}
	if strings.Contains(sql, "CREATE TABLE IF NOT EXISTS event_log") {
		t.Error("Default event log table name still used")
	}
}

func TestGenerateSQLite(t *testing.T) {
	tmpDir := t.TempDir()
	config := Config{OutputFolder: tmpDir, OutputFilename: "sqlite.sql", Tables: store.DefaultTables()}

	if err := GenerateSQLite(&config); err != nil {
		t.Fatalf("GenerateSQLite failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, config.OutputFilename))
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}
	sql := string(content)

	for _, required := range []string{
		"log_id INTEGER PRIMARY KEY AUTOINCREMENT",
		"INSERT OR IGNORE INTO event_sequence_tail",
		"claimed_by TEXT",
		"claimed_at TEXT",
	} {
		if !strings.Contains(sql, required) {
			t.Errorf("Generated SQL missing required string: %s", required)
		}
	}
	if strings.Contains(sql, "SKIP LOCKED") || strings.Contains(sql, "JSONB") {
		t.Error("SQLite migration contains PostgreSQL syntax")
	}
}

func TestGenerateMySQL(t *testing.T) {
	tmpDir := t.TempDir()
	config := Config{OutputFolder: tmpDir, OutputFilename: "mysql.sql", Tables: store.DefaultTables()}

	if err := GenerateMySQL(&config); err != nil {
		t.Fatalf("GenerateMySQL failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, config.OutputFilename))
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}
	sql := string(content)

	for _, required := range []string{
		"log_id BIGINT AUTO_INCREMENT PRIMARY KEY",
		"ENGINE=InnoDB",
		"INSERT IGNORE INTO event_sequence_tail",
		"UNIQUE KEY uq_stream_error_key (stream_id, source, component)",
	} {
		if !strings.Contains(sql, required) {
			t.Errorf("Generated SQL missing required string: %s", required)
		}
	}
}

func TestGenerate_CreatesOutputFolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "migrations")
	config := Config{OutputFolder: dir, OutputFilename: "init.sql", Tables: store.DefaultTables()}

	if err := Generate(&config, Postgres); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "init.sql")); err != nil {
		t.Errorf("migration file not written: %v", err)
	}
}

func TestParseDialect(t *testing.T) {
	for _, name := range []string{"postgres", "mysql", "sqlite"} {
		d, err := ParseDialect(name)
		if err != nil {
			t.Errorf("ParseDialect(%q) failed: %v", name, err)
		}
		if string(d) != name {
			t.Errorf("ParseDialect(%q) = %q", name, d)
		}
	}

	if _, err := ParseDialect("oracle"); err == nil {
		t.Error("expected error for unknown dialect")
	}
	tables := store.DefaultTables()
	if _, err := SQL(Dialect("oracle"), &tables); err == nil {
		t.Error("expected error from SQL for unknown dialect")
	}
}
