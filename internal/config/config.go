// Package config loads and validates the wayback-relay service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultReadTimeout is the default HTTP server read timeout.
	DefaultReadTimeout = 10 * time.Second
	// DefaultWriteTimeout is the default HTTP server write timeout.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultAPITimeout is the default timeout for outbound archive calls.
	DefaultAPITimeout = 30 * time.Second
	// DefaultMaxAttempts is the default attempt cap for transient failures.
	DefaultMaxAttempts = 3
	// DefaultBatchSize is the default number of items claimed per processing run.
	DefaultBatchSize = 10
	// DefaultConcurrency is the default number of parallel submissions per batch.
	DefaultConcurrency = 3
	// DefaultStalenessThreshold is the age after which a processing item is
	// considered abandoned and eligible for reclaim.
	DefaultStalenessThreshold = 15 * time.Minute
	// DefaultSweepBatchLimit bounds how many stuck items one sweep inspects.
	DefaultSweepBatchLimit = 50
	// DefaultFailCeiling is the age past which an unconfirmed stuck item is
	// resolved as failed.
	DefaultFailCeiling = time.Hour
	// DefaultDedupTTL is the window during which re-enqueueing the same
	// content is skipped by the recently-submitted guard.
	DefaultDedupTTL = 24 * time.Hour
	// DefaultRetention is how long resolved success rows are kept before the
	// daily maintenance pass deletes them.
	DefaultRetention = 30 * 24 * time.Hour
)

// Default cron schedules: hourly processing, daily retry, five-minute sweep.
const (
	defaultProcessSchedule = "0 * * * *"
	defaultRetrySchedule   = "30 3 * * *"
	defaultSweepSchedule   = "*/5 * * * *"
)

// Config is the top-level service configuration.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Queue    QueueConfig    `yaml:"queue"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig configures the optional recently-submitted guard. When Enabled
// is false the guard is skipped entirely and duplicate protection relies on
// the queue's unresolved-item constraint alone.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// ArchiveConfig configures the Wayback Machine client.
type ArchiveConfig struct {
	AccessKey            string        `yaml:"access_key"`
	SecretKey            string        `yaml:"secret_key"`
	Timeout              time.Duration `yaml:"timeout"`
	SaveEndpoint         string        `yaml:"save_endpoint"`
	AvailabilityEndpoint string        `yaml:"availability_endpoint"`
	S3TestEndpoint       string        `yaml:"s3_test_endpoint"`
	UserAgent            string        `yaml:"user_agent"`
}

// QueueConfig configures the queue processor, retry pass and sweeper.
type QueueConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BatchSize          int           `yaml:"batch_size"`
	Concurrency        int           `yaml:"concurrency"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	SweepBatchLimit    int           `yaml:"sweep_batch_limit"`
	FailCeiling        time.Duration `yaml:"fail_ceiling"`
	Retention          time.Duration `yaml:"retention"`
	ProcessSchedule    string        `yaml:"process_schedule"`
	RetrySchedule      string        `yaml:"retry_schedule"`
	SweepSchedule      string        `yaml:"sweep_schedule"`
}

// Validate checks the configuration and returns an error when it is unusable.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis.enabled is true")
	}
	if c.Queue.MaxAttempts < 1 || c.Queue.MaxAttempts > 10 {
		return fmt.Errorf("queue.max_attempts must be between 1 and 10, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.StalenessThreshold <= 0 {
		return fmt.Errorf("queue.staleness_threshold must be positive, got %v", c.Queue.StalenessThreshold)
	}
	if c.Queue.FailCeiling < c.Queue.StalenessThreshold {
		return fmt.Errorf("queue.fail_ceiling %v must not be below queue.staleness_threshold %v",
			c.Queue.FailCeiling, c.Queue.StalenessThreshold)
	}
	if c.Archive.Timeout < 10*time.Second || c.Archive.Timeout > 300*time.Second {
		return fmt.Errorf("archive.timeout must be between 10s and 300s, got %v", c.Archive.Timeout)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8090"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Redis.DedupTTL == 0 {
		cfg.Redis.DedupTTL = DefaultDedupTTL
	}
	if cfg.Archive.Timeout == 0 {
		cfg.Archive.Timeout = DefaultAPITimeout
	}
	if cfg.Archive.SaveEndpoint == "" {
		cfg.Archive.SaveEndpoint = "https://web.archive.org/save/"
	}
	if cfg.Archive.AvailabilityEndpoint == "" {
		cfg.Archive.AvailabilityEndpoint = "https://archive.org/wayback/available"
	}
	if cfg.Archive.S3TestEndpoint == "" {
		cfg.Archive.S3TestEndpoint = "https://s3.us.archive.org/"
	}
	if cfg.Archive.UserAgent == "" {
		cfg.Archive.UserAgent = "wayback-relay/1.0"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = DefaultBatchSize
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = DefaultConcurrency
	}
	if cfg.Queue.StalenessThreshold == 0 {
		cfg.Queue.StalenessThreshold = DefaultStalenessThreshold
	}
	if cfg.Queue.SweepBatchLimit == 0 {
		cfg.Queue.SweepBatchLimit = DefaultSweepBatchLimit
	}
	if cfg.Queue.FailCeiling == 0 {
		cfg.Queue.FailCeiling = DefaultFailCeiling
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = DefaultRetention
	}
	if cfg.Queue.ProcessSchedule == "" {
		cfg.Queue.ProcessSchedule = defaultProcessSchedule
	}
	if cfg.Queue.RetrySchedule == "" {
		cfg.Queue.RetrySchedule = defaultRetrySchedule
	}
	if cfg.Queue.SweepSchedule == "" {
		cfg.Queue.SweepSchedule = defaultSweepSchedule
	}
}

// overrideWithEnvVars applies environment variable overrides. Credentials and
// connection details are the usual deployment-time overrides.
func overrideWithEnvVars(cfg *Config) {
	if v := os.Getenv("RELAY_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("RELAY_DB_PORT"); v != "" {
		cfg.Database.Port = v
	}
	if v := os.Getenv("RELAY_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("RELAY_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("RELAY_DB_NAME"); v != "" {
		cfg.Database.DBName = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		cfg.Server.Address = ":" + v
	}
	if v := os.Getenv("APP_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
}

// Load reads, defaults, env-overrides and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	overrideWithEnvVars(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// parseBool accepts "true", "1" and "yes" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
