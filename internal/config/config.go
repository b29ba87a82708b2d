// Package config loads flowbatch configuration from ~/.flowbatch/config.yaml,
// an optional project overlay, and FLOWBATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by New before any file or environment override.
const (
	DefaultWorkerCount      = 10
	DefaultLineTimeoutSec   = 600
	DefaultHealthTimeoutSec = 300
	DefaultPollIntervalMS   = 1000
	DefaultStorageBackend   = BackendLocal
	DefaultRedisKeyPrefix   = "flowbatch:cancel:"
	DefaultMongoDatabase    = "flowbatch"
	DefaultMongoTimeoutSec  = 10
	DefaultPostgresMaxConns = 10
	configFileName          = "config.yaml"
	configDirName           = ".flowbatch"
)

// Storage backends accepted by storage.backend.
const (
	BackendLocal    = "local"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Sentinel validation errors.
var (
	ErrInvalidWorkerCount = errors.New("batch.worker_count must be >= 1")
	ErrInvalidTimeout     = errors.New("timeouts must be >= 0")
	ErrInvalidBackend     = errors.New("unknown storage backend")
	ErrMissingDSN         = errors.New("storage backend requires a connection string")
	ErrInvalidLineRate    = errors.New("batch.line_rate must be >= 0")
	ErrMissingBucket      = errors.New("publish.minio.bucket is required when publish.minio.endpoint is set")
)

// Config is the full flowbatch configuration.
type Config struct {
	Batch    BatchConfig    `yaml:"batch"`
	Executor ExecutorConfig `yaml:"executor"`
	Storage  StorageConfig  `yaml:"storage"`
	Cancel   CancelConfig   `yaml:"cancel"`
	Publish  PublishConfig  `yaml:"publish"`
	Logging  LoggingConfig  `yaml:"logging"`

	configPath string
}

// BatchConfig holds engine settings.
type BatchConfig struct {
	WorkerCount     int `yaml:"worker_count"`
	LineTimeoutSec  int `yaml:"line_timeout_sec"`
	BatchTimeoutSec int `yaml:"batch_timeout_sec"`
	// LineRate limits line admissions per second. Zero disables the limit.
	LineRate       float64 `yaml:"line_rate"`
	LineBurst      int     `yaml:"line_burst"`
	PollIntervalMS int     `yaml:"poll_interval_ms"`
	ResumeStrict   bool    `yaml:"resume_strict"`
	// RaiseOnLineFailure makes a run fail when any line failed.
	RaiseOnLineFailure bool `yaml:"raise_on_line_failure"`
}

// ExecutorConfig holds settings for out-of-process executors.
type ExecutorConfig struct {
	HealthTimeoutSec    int  `yaml:"health_timeout_sec"`
	StrictCompatibility bool `yaml:"strict_compatibility"`
	// Command overrides the executor binary. Empty means this binary.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// StorageConfig selects and configures the run storage backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Dir      string         `yaml:"dir"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_sec"`
}

// MongoConfig configures the Mongo backend.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// CancelConfig configures the remote cancel signal.
type CancelConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// PublishConfig configures where run outputs are published.
type PublishConfig struct {
	MinIO MinIOConfig `yaml:"minio"`
}

// MinIOConfig configures the object store publisher.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an endpoint is configured.
func (m MinIOConfig) Enabled() bool { return m.Endpoint != "" }

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	return &Config{
		Batch: BatchConfig{
			WorkerCount:    DefaultWorkerCount,
			LineTimeoutSec: DefaultLineTimeoutSec,
			PollIntervalMS: DefaultPollIntervalMS,
		},
		Executor: ExecutorConfig{
			HealthTimeoutSec: DefaultHealthTimeoutSec,
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			Postgres: PostgresConfig{
				MaxOpenConns: DefaultPostgresMaxConns,
				MaxIdleConns: DefaultPostgresMaxConns,
			},
			Mongo: MongoConfig{
				Database:   DefaultMongoDatabase,
				TimeoutSec: DefaultMongoTimeoutSec,
			},
		},
		Cancel: CancelConfig{
			Redis: RedisConfig{KeyPrefix: DefaultRedisKeyPrefix},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// New returns the defaults overlaid with the global config file (if present)
// and environment overrides. A malformed config file is ignored; Load reports
// such errors.
func New() *Config {
	cfg := Default()
	if dir, err := GetConfigDir(); err == nil {
		path := filepath.Join(dir, configFileName)
		cfg.configPath = path
		if _, statErr := os.Stat(path); statErr == nil {
			_ = ShallowMergeYAML(cfg, path)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg
}

// Load reads a config file over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.configPath = path
	if err := ShallowMergeYAML(cfg, path); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string { return c.configPath }

// Save writes the config as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	c.configPath = path
	return nil
}

// envOverride binds one FLOWBATCH_* variable to a setter.
type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

//nolint:gochecknoglobals // Static table of environment bindings.
var envOverrides = []envOverride{
	{"FLOWBATCH_WORKER_COUNT", func(c *Config, v string) error { return setInt(&c.Batch.WorkerCount, v) }},
	{"FLOWBATCH_LINE_TIMEOUT_SEC", func(c *Config, v string) error { return setInt(&c.Batch.LineTimeoutSec, v) }},
	{"FLOWBATCH_BATCH_TIMEOUT_SEC", func(c *Config, v string) error { return setInt(&c.Batch.BatchTimeoutSec, v) }},
	{"FLOWBATCH_LINE_RATE", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Batch.LineRate = f
		return nil
	}},
	{"FLOWBATCH_RESUME_STRICT", func(c *Config, v string) error { return setBool(&c.Batch.ResumeStrict, v) }},
	{"FLOWBATCH_STRICT_COMPATIBILITY", func(c *Config, v string) error {
		return setBool(&c.Executor.StrictCompatibility, v)
	}},
	{"FLOWBATCH_STORAGE_BACKEND", func(c *Config, v string) error { return setString(&c.Storage.Backend, v) }},
	{"FLOWBATCH_STORAGE_DIR", func(c *Config, v string) error { return setString(&c.Storage.Dir, v) }},
	{"FLOWBATCH_POSTGRES_URL", func(c *Config, v string) error { return setString(&c.Storage.Postgres.URL, v) }},
	{"FLOWBATCH_MONGO_URI", func(c *Config, v string) error { return setString(&c.Storage.Mongo.URI, v) }},
	{"FLOWBATCH_REDIS_ADDR", func(c *Config, v string) error { return setString(&c.Cancel.Redis.Addr, v) }},
	{"FLOWBATCH_REDIS_PASSWORD", func(c *Config, v string) error { return setString(&c.Cancel.Redis.Password, v) }},
	{"FLOWBATCH_MINIO_ENDPOINT", func(c *Config, v string) error { return setString(&c.Publish.MinIO.Endpoint, v) }},
	{"FLOWBATCH_MINIO_ACCESS_KEY", func(c *Config, v string) error { return setString(&c.Publish.MinIO.AccessKey, v) }},
	{"FLOWBATCH_MINIO_SECRET_KEY", func(c *Config, v string) error { return setString(&c.Publish.MinIO.SecretKey, v) }},
	{"FLOWBATCH_MINIO_BUCKET", func(c *Config, v string) error { return setString(&c.Publish.MinIO.Bucket, v) }},
	{"FLOWBATCH_LOG_LEVEL", func(c *Config, v string) error { return setString(&c.Logging.Level, v) }},
	{"FLOWBATCH_LOG_FORMAT", func(c *Config, v string) error { return setString(&c.Logging.Format, v) }},
	{"FLOWBATCH_LOG_FILE", func(c *Config, v string) error { return setString(&c.Logging.File, v) }},
}

// ApplyEnv applies FLOWBATCH_* overrides found through lookup. Values that
// fail to parse are skipped and reported in the returned slice.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) []string {
	var skipped []string
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			skipped = append(skipped, o.name)
		}
	}
	return skipped
}

func setString(dst *string, v string) error {
	*dst = v
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

// Validate checks the config for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Batch.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, c.Batch.WorkerCount))
	}
	if c.Batch.LineTimeoutSec < 0 || c.Batch.BatchTimeoutSec < 0 || c.Executor.HealthTimeoutSec < 0 {
		errs = append(errs, ErrInvalidTimeout)
	}
	if c.Batch.LineRate < 0 {
		errs = append(errs, ErrInvalidLineRate)
	}

	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, fmt.Errorf("%w: storage.postgres.url", ErrMissingDSN))
		}
	case BackendMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, fmt.Errorf("%w: storage.mongo.uri", ErrMissingDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidBackend, c.Storage.Backend))
	}

	if c.Publish.MinIO.Enabled() && c.Publish.MinIO.Bucket == "" {
		errs = append(errs, ErrMissingBucket)
	}

	return errors.Join(errs...)
}
