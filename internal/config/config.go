package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backends accepted by state_store.backend and meta_store.backend
const (
	BackendMemory   = "memory"
	BackendDurable  = "durable"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration of a streamstate node
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	StateStore StateStoreConfig `yaml:"state_store"`
	MetaStore  MetaStoreConfig  `yaml:"meta_store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StateStoreConfig selects and configures the state store backend
type StateStoreConfig struct {
	Backend   string          `yaml:"backend"`
	DataDir   string          `yaml:"data_dir"`
	CommitLog CommitLogConfig `yaml:"commit_log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

// CommitLogConfig holds commit log configuration of the durable backend
type CommitLogConfig struct {
	Dir           string `yaml:"dir"`
	SegmentSize   int64  `yaml:"segment_size"`
	SyncWrites    bool   `yaml:"sync_writes"`
	MaxRecordSize uint32 `yaml:"max_record_size"`
}

// PostgresConfig holds the postgres backend configuration
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// MetaStoreConfig selects and configures the meta store backend
type MetaStoreConfig struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// CheckpointConfig holds checkpoint coordinator configuration
type CheckpointConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

// ExchangeConfig holds data exchange configuration
type ExchangeConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SinkBuffer     int           `yaml:"sink_buffer"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// PathFromEnv returns CONFIG_PATH or the default ./config.yaml
func PathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config.yaml"
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.StateStore.Backend == "" {
		cfg.StateStore.Backend = BackendDurable
	}
	if cfg.StateStore.DataDir == "" {
		cfg.StateStore.DataDir = "/var/lib/streamstate"
	}
	if cfg.StateStore.CommitLog.Dir == "" {
		cfg.StateStore.CommitLog.Dir = filepath.Join(cfg.StateStore.DataDir, "commitlog")
	}
	if cfg.StateStore.CommitLog.SegmentSize == 0 {
		cfg.StateStore.CommitLog.SegmentSize = 64 << 20
	}
	if cfg.StateStore.CommitLog.MaxRecordSize == 0 {
		cfg.StateStore.CommitLog.MaxRecordSize = 16 << 20
	}
	if cfg.StateStore.Postgres.Table == "" {
		cfg.StateStore.Postgres.Table = "state_kv"
	}

	if cfg.MetaStore.Backend == "" {
		cfg.MetaStore.Backend = BackendMemory
	}
	if cfg.MetaStore.RedisAddr == "" {
		cfg.MetaStore.RedisAddr = "localhost:6379"
	}
	if cfg.MetaStore.Namespace == "" {
		cfg.MetaStore.Namespace = "streamstate"
	}

	if cfg.Checkpoint.Interval == 0 {
		cfg.Checkpoint.Interval = time.Second
	}
	if cfg.Checkpoint.Workers == 0 {
		cfg.Checkpoint.Workers = 1
	}
	if cfg.Checkpoint.QueueSize == 0 {
		cfg.Checkpoint.QueueSize = 4
	}

	if cfg.Exchange.ConnectTimeout == 0 {
		cfg.Exchange.ConnectTimeout = 5 * time.Second
	}
	if cfg.Exchange.SinkBuffer == 0 {
		cfg.Exchange.SinkBuffer = 16
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.StateStore.Backend {
	case BackendMemory, BackendDurable:
	case BackendPostgres:
		if c.StateStore.Postgres.DSN == "" {
			return fmt.Errorf("state_store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("state_store.backend must be one of memory, durable, postgres")
	}

	switch c.MetaStore.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("meta_store.backend must be one of memory, redis")
	}

	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint.interval must not be negative")
	}
	if c.Checkpoint.Workers < 1 {
		return fmt.Errorf("checkpoint.workers must be at least 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
