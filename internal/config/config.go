// Package config loads converter configuration from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode    string        `yaml:"mode"` // "once" | "http" | "amqp"
	Storage StorageConfig `yaml:"storage"`
	Schema  SchemaConfig  `yaml:"schema"`
	Work    WorkConfig    `yaml:"work"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Catalog CatalogConfig `yaml:"catalog"`
	Audit   AuditConfig   `yaml:"audit"`
	HTTP    HTTPConfig    `yaml:"http"`
	Queue   QueueConfig   `yaml:"queue"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem"
	LocalDir   string `yaml:"local_dir"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type SchemaConfig struct {
	Source string `yaml:"source"` // "embedded" | "dir" | "bucket"
	Dir    string `yaml:"dir"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type WorkConfig struct {
	TempDir  string `yaml:"temp_dir"`
	Timezone string `yaml:"timezone"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

type HTTPConfig struct {
	Address        string        `yaml:"address"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type QueueConfig struct {
	URL      string `yaml:"url"`
	Name     string `yaml:"name"`
	Prefetch int    `yaml:"prefetch"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Mode: "once",
		Storage: StorageConfig{
			Backend:  "s3",
			LocalDir: "./data",
		},
		Schema: SchemaConfig{
			Source: "embedded",
			Prefix: "schemas/",
		},
		Work: WorkConfig{
			TempDir:  os.TempDir(),
			Timezone: "Local",
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "snapshot_converter",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
		Audit: AuditConfig{
			BackupDir: "./audit-backup",
		},
		HTTP: HTTPConfig{
			Address:        ":8080",
			RequestTimeout: 15 * time.Minute,
		},
		Queue: QueueConfig{
			Name:     "snapshot-conversions",
			Prefetch: 1,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Mode = getenvDefault("MODE", cfg.Mode)

	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.LocalDir = getenvDefault("LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("S3_REGION", getenvDefault("AWS_REGION", cfg.Storage.S3Region))

	cfg.Schema.Source = getenvDefault("SCHEMA_SOURCE", cfg.Schema.Source)
	cfg.Schema.Dir = getenvDefault("SCHEMA_DIR", cfg.Schema.Dir)
	cfg.Schema.Bucket = getenvDefault("SCHEMA_BUCKET", cfg.Schema.Bucket)
	cfg.Schema.Prefix = getenvDefault("SCHEMA_PREFIX", cfg.Schema.Prefix)

	cfg.Work.TempDir = getenvDefault("WORK_DIR", cfg.Work.TempDir)
	cfg.Work.Timezone = getenvDefault("SNAPSHOT_TIMEZONE", cfg.Work.Timezone)

	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)

	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Metrics.Namespace = getenvDefault("METRICS_NAMESPACE", cfg.Metrics.Namespace)

	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", cfg.Catalog.Namespace)

	cfg.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", cfg.Audit.Endpoint)
	cfg.Audit.BackupDir = getenvDefault("AUDIT_BACKUP_DIR", cfg.Audit.BackupDir)

	cfg.HTTP.Address = getenvDefault("HTTP_ADDRESS", cfg.HTTP.Address)

	cfg.Queue.URL = getenvDefault("AMQP_URL", cfg.Queue.URL)
	cfg.Queue.Name = getenvDefault("AMQP_QUEUE", cfg.Queue.Name)

	var errs []error
	var err error
	if cfg.Metrics.Enabled, err = getenvBool("METRICS_ENABLED", cfg.Metrics.Enabled); err != nil {
		errs = append(errs, err)
	}
	if cfg.Audit.Enabled, err = getenvBool("AUDIT_ENABLED", cfg.Audit.Enabled); err != nil {
		errs = append(errs, err)
	}
	if v := os.Getenv("HTTP_REQUEST_TIMEOUT"); v != "" {
		if cfg.HTTP.RequestTimeout, err = time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("HTTP_REQUEST_TIMEOUT: %w", err))
		}
	}
	if v := os.Getenv("AMQP_PREFETCH"); v != "" {
		if cfg.Queue.Prefetch, err = strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("AMQP_PREFETCH: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks that the selected mode and backends have what they need.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case "once", "http":
	case "amqp":
		if c.Queue.URL == "" {
			errs = append(errs, fmt.Errorf("AMQP_URL is required in amqp mode"))
		}
		if c.Queue.Name == "" {
			errs = append(errs, fmt.Errorf("AMQP_QUEUE is required in amqp mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}

	switch c.Storage.Backend {
	case "gcs", "s3", "mem":
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, fmt.Errorf("LOCAL_DIR is required for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Schema.Source {
	case "embedded":
	case "dir":
		if c.Schema.Dir == "" {
			errs = append(errs, fmt.Errorf("SCHEMA_DIR is required when SCHEMA_SOURCE=dir"))
		}
	case "bucket":
		if c.Schema.Bucket == "" {
			errs = append(errs, fmt.Errorf("SCHEMA_BUCKET is required when SCHEMA_SOURCE=bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown schema source %q", c.Schema.Source))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.Prefetch < 1 {
		errs = append(errs, fmt.Errorf("queue prefetch must be positive"))
	}

	return errors.Join(errs...)
}

// Location resolves the configured snapshot time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Work.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Work.Timezone, err)
	}
	return loc, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvBool(key string, def bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
