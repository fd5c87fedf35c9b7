// Package config loads chialog configuration from a TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"

	"github.com/V4T54L/chialog/internal/parser"
	"github.com/V4T54L/chialog/internal/scheduler"
)

const envPrefix = "CHIALOG_"

// Config holds all application configuration.
type Config struct {
	Store StoreConfig `toml:"mongo" envPrefix:"MONGO_"`

	SkipDebug               bool     `toml:"skipDebug" env:"SKIP_DEBUG"`
	CappedLogCollectionSize int64    `toml:"cappedLogCollectionSize" env:"CAPPED_LOG_COLLECTION_SIZE"` // GiB, 0 = unbounded
	LogLineRegExp           string   `toml:"logLineRegExp" env:"LOG_LINE_REGEXP"`
	DateTimePattern         string   `toml:"dateTimePattern" env:"DATE_TIME_PATTERN"`
	Hostname                string   `toml:"hostname" env:"HOSTNAME"`
	LogDir                  string   `toml:"logDir" env:"LOG_DIR"`
	FilePrefix              string   `toml:"filePrefix" env:"FILE_PREFIX"`
	Schedule                string   `toml:"schedule" env:"SCHEDULE"`
	StoreTimeout            Duration `toml:"storeTimeout" env:"STORE_TIMEOUT"`

	Log     LogConfig     `toml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `toml:"metrics" envPrefix:"METRICS_"`
	Redis   RedisConfig   `toml:"redis" envPrefix:"REDIS_"`
	Kafka   KafkaConfig   `toml:"kafka" envPrefix:"KAFKA_"`
}

// StoreConfig selects and addresses the record store. The key is "mongo"
// for compatibility with existing config files; the connection scheme picks
// the backend.
type StoreConfig struct {
	Connection string `toml:"connection" env:"CONNECTION"`
	Database   string `toml:"database" env:"DATABASE"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level" env:"LEVEL"`
}

// MetricsConfig controls the admin HTTP server.
type MetricsConfig struct {
	Addr string `toml:"addr" env:"ADDR"`
}

// RedisConfig controls the optional record stream publisher.
type RedisConfig struct {
	Addr           string `toml:"addr" env:"ADDR"`
	Stream         string `toml:"stream" env:"STREAM"`
	WALDir         string `toml:"walDir" env:"WAL_DIR"`
	WALSegmentSize int64  `toml:"walSegmentSize" env:"WAL_SEGMENT_SIZE"`
	WALMaxDiskSize int64  `toml:"walMaxDiskSize" env:"WAL_MAX_DISK_SIZE"`
}

// KafkaConfig controls the optional Kafka publisher.
type KafkaConfig struct {
	Brokers []string `toml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `toml:"topic" env:"TOPIC"`
}

// Duration wraps time.Duration for TOML and env string parsing (e.g. "30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with defaults for everything.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	logDir := filepath.Join(".chia", "mainnet", "log")
	if home, err := homedir.Dir(); err == nil {
		logDir = filepath.Join(home, logDir)
	}
	return &Config{
		Store: StoreConfig{
			Connection: "mongodb://localhost:27017",
			Database:   "chia",
		},
		CappedLogCollectionSize: 64,
		Hostname:                hostname,
		LogDir:                  logDir,
		FilePrefix:              "debug.log.",
		Schedule:                "* * * * *",
		StoreTimeout:            Duration{30 * time.Second},
		Log:                     LogConfig{Level: "info"},
		Metrics:                 MetricsConfig{Addr: ":9091"},
		Redis: RedisConfig{
			Stream:         "chia_log_records",
			WALDir:         filepath.Join(DataDir(), "wal"),
			WALSegmentSize: 100 << 20,
			WALMaxDiskSize: 1 << 30,
		},
		Kafka: KafkaConfig{Topic: "chia.log.records"},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "chialog", "config.toml")
}

// DataDir returns the directory for local state such as the publisher spool.
func DataDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "chialog")
	}
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(os.TempDir(), "chialog")
	}
	return filepath.Join(home, ".local", "state", "chialog")
}

// Load reads configuration from the given path, falling back to defaults for
// unset fields, then applies CHIALOG_* environment overrides. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MaxCappedLogCollectionSize is the largest store bound in GiB. Larger
// values overflow int64 once converted to bytes.
const MaxCappedLogCollectionSize = 1 << 20

// Validate checks values that would otherwise fail at the first tick.
func (c *Config) Validate() error {
	if c.Store.Connection == "" {
		return errors.New("mongo.connection is required")
	}
	if c.Hostname == "" {
		return errors.New("hostname must not be empty")
	}
	if c.LogDir == "" {
		return errors.New("logDir must not be empty")
	}
	if c.FilePrefix == "" {
		return errors.New("filePrefix must not be empty")
	}
	if c.CappedLogCollectionSize < 0 {
		return fmt.Errorf("cappedLogCollectionSize must not be negative, got %d", c.CappedLogCollectionSize)
	}
	if c.CappedLogCollectionSize > MaxCappedLogCollectionSize {
		return fmt.Errorf("cappedLogCollectionSize must be at most %d GiB, got %d",
			MaxCappedLogCollectionSize, c.CappedLogCollectionSize)
	}
	if c.StoreTimeout.Duration <= 0 {
		return fmt.Errorf("storeTimeout must be positive, got %s", c.StoreTimeout.Duration)
	}
	if _, err := scheduler.Parse(c.Schedule); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if _, err := parser.New(c.Grammar()); err != nil {
		return fmt.Errorf("logLineRegExp: %w", err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when kafka.brokers is set")
	}
	if c.DateTimePattern != "" {
		ref := time.Date(2021, 7, 31, 9, 3, 22, 726_000_000, time.UTC)
		if ref.Format(c.DateTimePattern) == c.DateTimePattern {
			return fmt.Errorf("dateTimePattern %q contains no time elements", c.DateTimePattern)
		}
	}
	return nil
}

// Grammar returns the configured line grammar.
func (c *Config) Grammar() parser.Grammar {
	return parser.Grammar{
		Pattern:    c.LogLineRegExp,
		TimeLayout: c.DateTimePattern,
	}
}

// CappedSizeBytes returns the record store bound in bytes, 0 when unbounded.
func (c *Config) CappedSizeBytes() int64 {
	return c.CappedLogCollectionSize << 30
}
