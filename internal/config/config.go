package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Quota      QuotaConfig      `yaml:"quota"`
	Projection ProjectionConfig `yaml:"projection"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	LogLevel   string           `yaml:"log_level"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// OutboxConfig drives the publisher worker.
type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	PublishRPS   int           `yaml:"publish_rps"`
	LeaderKey    string        `yaml:"leader_key"`
	LeaderTTL    time.Duration `yaml:"leader_ttl"`
}

type SnapshotConfig struct {
	Every int `yaml:"every"` // snapshot every N events per aggregate
}

type QuotaConfig struct {
	MaxRetries        int           `yaml:"max_retries"` // optimistic-lock retry bound
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type ProjectionConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads a yaml file and applies defaults and env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Outbox.PollInterval <= 0 {
		c.Outbox.PollInterval = time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 3
	}
	if c.Outbox.BackoffBase <= 0 {
		c.Outbox.BackoffBase = time.Second
	}
	if c.Outbox.BackoffCap <= 0 {
		c.Outbox.BackoffCap = 5 * time.Minute
	}
	if c.Outbox.PublishRPS <= 0 {
		c.Outbox.PublishRPS = 500
	}
	if c.Outbox.LeaderKey == "" {
		c.Outbox.LeaderKey = "provision-core:outbox:leader"
	}
	if c.Outbox.LeaderTTL <= 0 {
		c.Outbox.LeaderTTL = 15 * time.Second
	}
	if c.Snapshot.Every <= 0 {
		c.Snapshot.Every = 100
	}
	if c.Quota.MaxRetries <= 0 {
		c.Quota.MaxRetries = 3
	}
	if c.Quota.ReconcileInterval <= 0 {
		c.Quota.ReconcileInterval = time.Minute
	}
	if c.Projection.MaxRetries <= 0 {
		c.Projection.MaxRetries = 3
	}
}
