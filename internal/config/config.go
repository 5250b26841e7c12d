package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates sections: COSTBOOK_SCHEDULER__MAX_CONCURRENT_JOBS sets
// scheduler.max_concurrent_jobs.
const EnvPrefix = "COSTBOOK_"

type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Storage       StorageConfig       `koanf:"storage"`
	Cache         CacheConfig         `koanf:"cache"`
	Lineage       LineageConfig       `koanf:"lineage"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Limits        LimitsConfig        `koanf:"limits"`
	Retention     RetentionConfig     `koanf:"retention"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Collaborators CollaboratorsConfig `koanf:"collaborators"`
	Inputs        InputsConfig        `koanf:"inputs"`
	Logging       LoggingConfig       `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `koanf:"driver"`
	// URL is a file path for sqlite and a connection string for postgres.
	URL string `koanf:"url"`
}

type StorageConfig struct {
	JobsDir string `koanf:"jobs_dir"`
}

type CacheConfig struct {
	// Backend is database, redis or memory.
	Backend     string `koanf:"backend"`
	RedisAddr   string `koanf:"redis_addr"`
	RedisPrefix string `koanf:"redis_prefix"`
}

type LineageConfig struct {
	// Backend is database or mongo.
	Backend       string `koanf:"backend"`
	MongoURI      string `koanf:"mongo_uri"`
	MongoDatabase string `koanf:"mongo_database"`
}

type SchedulerConfig struct {
	MaxConcurrentJobs int           `koanf:"max_concurrent_jobs"`
	PollInterval      time.Duration `koanf:"poll_interval"`
}

type LimitsConfig struct {
	MaxFileSizeMB int `koanf:"max_file_size_mb"`
}

// MaxInputBytes converts MaxFileSizeMB to bytes.
func (l LimitsConfig) MaxInputBytes() int64 {
	return int64(l.MaxFileSizeMB) << 20
}

type RetentionConfig struct {
	// Days is how long finished jobs are kept; 0 keeps them forever.
	Days          int           `koanf:"days"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// Period returns the retention as a duration.
func (r RetentionConfig) Period() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

type PipelineConfig struct {
	DefaultTitle string `koanf:"default_title"`
}

type CollaboratorsConfig struct {
	ExtractCmd    string        `koanf:"extract_cmd"`
	TransformCmd  string        `koanf:"transform_cmd"`
	LoadCmd       string        `koanf:"load_cmd"`
	EnrichURL     string        `koanf:"enrich_url"`
	EnrichTimeout time.Duration `koanf:"enrich_timeout"`
}

// InputsConfig enables catalogs fetched by reference instead of uploaded.
type InputsConfig struct {
	URLEnabled bool          `koanf:"url_enabled"`
	URLTimeout time.Duration `koanf:"url_timeout"`
	S3Enabled  bool          `koanf:"s3_enabled"`
	S3Region   string        `koanf:"s3_region"`
	// S3Endpoint points at an S3-compatible store such as MinIO; empty uses
	// AWS.
	S3Endpoint string `koanf:"s3_endpoint"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads defaults, then the YAML file at path (if any), then
// environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	loadDefaults(k)

	// 2. YAML file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// 3. Environment: COSTBOOK_SERVER__PORT -> server.port. Empty values are
	// skipped so they do not blank out file settings.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		mapped := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
		return mapped, value
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}
	check(c.Database.URL != "", "database.url is required")
	check(c.Storage.JobsDir != "", "storage.jobs_dir is required")

	switch c.Cache.Backend {
	case "database", "memory":
	case "redis":
		check(c.Cache.RedisAddr != "", "cache.redis_addr is required for the redis backend")
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q: want database, redis or memory", c.Cache.Backend))
	}

	switch c.Lineage.Backend {
	case "database":
	case "mongo":
		check(c.Lineage.MongoURI != "", "lineage.mongo_uri is required for the mongo backend")
		check(c.Lineage.MongoDatabase != "", "lineage.mongo_database is required for the mongo backend")
	default:
		errs = append(errs, fmt.Errorf("lineage.backend %q: want database or mongo", c.Lineage.Backend))
	}

	check(c.Scheduler.MaxConcurrentJobs > 0, "scheduler.max_concurrent_jobs must be at least 1")
	check(c.Scheduler.PollInterval > 0, "scheduler.poll_interval must be positive")
	check(c.Limits.MaxFileSizeMB > 0, "limits.max_file_size_mb must be positive")
	check(c.Retention.Days >= 0, "retention.days must not be negative")
	check(c.Retention.Days == 0 || c.Retention.SweepInterval > 0, "retention.sweep_interval must be positive")

	check(strings.TrimSpace(c.Collaborators.ExtractCmd) != "", "collaborators.extract_cmd is required")
	check(strings.TrimSpace(c.Collaborators.TransformCmd) != "", "collaborators.transform_cmd is required")
	check(strings.TrimSpace(c.Collaborators.LoadCmd) != "", "collaborators.load_cmd is required")
	check(c.Collaborators.EnrichURL == "" || c.Collaborators.EnrichTimeout > 0, "collaborators.enrich_timeout must be positive")

	check(!c.Inputs.URLEnabled || c.Inputs.URLTimeout > 0, "inputs.url_timeout must be positive")

	switch c.Logging.Format {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want json or pretty", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q: want debug, info, warn or error", c.Logging.Level))
	}

	return errors.Join(errs...)
}
