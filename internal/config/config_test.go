package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/getpup/puplink/es/catchup"
	"github.com/getpup/puplink/es/migrations"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("PUPLINK_DATABASE_DSN", "postgres://puplink@db/puplink?sslmode=disable")
	t.Setenv("PUPLINK_KAFKA_BROKERS", "k1:9092,k2:9092")

	path := filepath.Join(t.TempDir(), "puplink.yaml")
	content := []byte(`
database:
  driver: postgres
  dsn: postgres://ignored
sequencer:
  poll_interval: 50ms
publisher:
  transport: kafka
  rate_per_second: 100
kafka:
  topic: orders.events
catchup:
  self_healing: false
log:
  format: json
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Database.DSN != "postgres://puplink@db/puplink?sslmode=disable" {
		t.Fatalf("expected env override of database.dsn, got %q", cfg.Database.DSN)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("expected two brokers from env, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Sequencer.PollInterval != 50*time.Millisecond {
		t.Fatalf("expected 50ms poll interval, got %s", cfg.Sequencer.PollInterval)
	}
	if cfg.Publisher.PollInterval != 200*time.Millisecond {
		t.Fatalf("expected default publisher poll interval, got %s", cfg.Publisher.PollInterval)
	}
	if cfg.Kafka.Topic != "orders.events" || cfg.Kafka.ClientID != "puplink" {
		t.Fatalf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.Catchup.Strategy() != catchup.HaltOnFailure {
		t.Fatalf("expected halt strategy when self healing is off")
	}
	if got := cfg.Catchup.CoordinatorConfig(); got.Workers != 4 || got.BatchSize != 500 {
		t.Fatalf("unexpected coordinator config %+v", got)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("PUPLINK_DATABASE_DRIVER", "sqlite")
	t.Setenv("PUPLINK_DATABASE_DSN", "file:puplink.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Dialect() != migrations.SQLite || cfg.Database.DriverName() != "sqlite" {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if !cfg.Sequencer.Enabled || !cfg.Publisher.Enabled {
		t.Fatalf("expected sequencer and publisher enabled by default")
	}
	if cfg.Publisher.Transport != TransportLog {
		t.Fatalf("expected log transport by default, got %q", cfg.Publisher.Transport)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database:  DatabaseConfig{Driver: "mysql", DSN: "user:pass@tcp(db:3306)/puplink?parseTime=true"},
			Sequencer: SequencerConfig{Workers: 1, PollInterval: time.Second},
			Publisher: PublisherConfig{Workers: 1, PollInterval: time.Second, Transport: TransportLog},
			Catchup:   CatchupConfig{Workers: 1},
			Log:       LogConfig{Format: "text"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"no workers", func(c *Config) { c.Publisher.Workers = 0 }},
		{"zero interval", func(c *Config) { c.Sequencer.PollInterval = 0 }},
		{"negative rate", func(c *Config) { c.Publisher.RatePerSecond = -1 }},
		{"kafka without brokers", func(c *Config) { c.Publisher.Transport = TransportKafka }},
		{"redis without addr", func(c *Config) { c.Publisher.Transport = TransportRedis }},
		{"unknown transport", func(c *Config) { c.Publisher.Transport = "nats" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
