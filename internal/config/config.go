// Package config loads the puplink binary configuration from a file and
// PUPLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/getpup/puplink/es/catchup"
	"github.com/getpup/puplink/es/migrations"
)

// Publisher transports.
const (
	TransportLog   = "log"
	TransportKafka = "kafka"
	TransportRedis = "redis"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Sequencer SequencerConfig `mapstructure:"sequencer"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Catchup   CatchupConfig   `mapstructure:"catchup"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, mysql and sqlite
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type SequencerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Batch        int           `mapstructure:"batch"`
}

type PublisherConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Workers       int           `mapstructure:"workers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Batch         int           `mapstructure:"batch"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Transport     string        `mapstructure:"transport"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

type CatchupConfig struct {
	Workers     int  `mapstructure:"workers"`
	BatchSize   int  `mapstructure:"batch_size"`
	SelfHealing bool `mapstructure:"self_healing"`
}

type LogConfig struct {
	// Level is one of debug, info, warn and error
	Level string `mapstructure:"level"`
	// Format is text or json
	Format string `mapstructure:"format"`
}

// Load reads path, when not empty, and applies environment overrides such
// as PUPLINK_DATABASE_DSN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("puplink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("sequencer.enabled", true)
	v.SetDefault("sequencer.workers", 1)
	v.SetDefault("sequencer.poll_interval", "200ms")
	v.SetDefault("sequencer.batch", 500)

	v.SetDefault("publisher.enabled", true)
	v.SetDefault("publisher.workers", 1)
	v.SetDefault("publisher.poll_interval", "200ms")
	v.SetDefault("publisher.batch", 500)
	v.SetDefault("publisher.rate_per_second", 0)
	v.SetDefault("publisher.transport", TransportLog)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "puplink.events")
	v.SetDefault("kafka.client_id", "puplink")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "puplink:events")
	v.SetDefault("redis.max_len", 0)

	v.SetDefault("catchup.workers", 4)
	v.SetDefault("catchup.batch_size", 500)
	v.SetDefault("catchup.self_healing", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c Config) Validate() error {
	if _, err := migrations.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Sequencer.Workers < 1 || c.Publisher.Workers < 1 || c.Catchup.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.Sequencer.PollInterval <= 0 || c.Publisher.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.Publisher.RatePerSecond < 0 {
		return errors.New("publisher.rate_per_second must not be negative")
	}
	switch c.Publisher.Transport {
	case TransportLog:
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required for the kafka transport")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis transport")
		}
	default:
		return fmt.Errorf("unknown publisher.transport %q", c.Publisher.Transport)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Dialect returns the SQL dialect of the configured driver.
func (c DatabaseConfig) Dialect() migrations.Dialect {
	d, _ := migrations.ParseDialect(c.Driver)
	return d
}

// DriverName returns the database/sql driver name registered for Driver.
func (c DatabaseConfig) DriverName() string {
	switch c.Dialect() {
	case migrations.MySQL:
		return "mysql"
	case migrations.SQLite:
		return "sqlite"
	default:
		return "postgres"
	}
}

// Strategy returns the catch-up failure strategy.
func (c CatchupConfig) Strategy() catchup.Strategy {
	if c.SelfHealing {
		return catchup.IsolateFailures
	}
	return catchup.HaltOnFailure
}

// CoordinatorConfig returns the catch-up coordinator settings.
func (c CatchupConfig) CoordinatorConfig() catchup.Config {
	cfg := catchup.DefaultConfig()
	cfg.Workers = c.Workers
	cfg.BatchSize = c.BatchSize
	cfg.Strategy = c.Strategy()
	return cfg
}
