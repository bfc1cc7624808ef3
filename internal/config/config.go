// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Blobstore BlobstoreConfig `yaml:"blobstore"`
	Metastore MetastoreConfig `yaml:"metastore"`
	Upload    UploadConfig    `yaml:"upload"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type BlobstoreConfig struct {
	Backend string `yaml:"backend"` // "local" | "s3"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// S3 (also works for B2, R2, MinIO)
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"` // custom endpoint for B2/MinIO/R2
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"` // static credentials; default chain when empty
	SecretKey string `yaml:"secret_key"`

	// Common
	Prefix string `yaml:"prefix"`
}

type MetastoreConfig struct {
	Backend       string `yaml:"backend"` // "memory" | "redis"
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type UploadConfig struct {
	// ChunkSize is the client-side chunk size handed out in chunk plans.
	ChunkSize int64 `yaml:"chunk_size"`

	// PartSize is the standard part size for the artifact multipart
	// upload. Every non-terminal part is exactly this size.
	PartSize int64 `yaml:"part_size"`

	// ReadWindow is the range-read window used while repackaging. Must
	// be smaller than PartSize.
	ReadWindow int64 `yaml:"read_window"`

	// CompressionLevel selects deflate compression for archive entries.
	// 0 stores entries pass-through, which is the default because source
	// data is usually already-compressed media.
	CompressionLevel int `yaml:"compression_level"`

	// MaxConcurrentParts bounds in-flight part uploads per repackaging.
	MaxConcurrentParts int `yaml:"max_concurrent_parts"`

	// DrainTimeoutSeconds caps the wait for pending part uploads after
	// the encoder finalizes. Tune below the host execution limit.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	RetryAttempts     int `yaml:"retry_attempts"`
	RetryBaseDelayMs  int `yaml:"retry_base_delay_ms"`
	RetryJitterMs     int `yaml:"retry_jitter_ms"`
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
}

type ArtifactConfig struct {
	DefaultTTLHours      int `yaml:"default_ttl_hours"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

type NotifyConfig struct {
	Mode     string `yaml:"mode"` // "disabled" | "http" | "file"
	Endpoint string `yaml:"endpoint"`
	Path     string `yaml:"path"`
}

const (
	defaultChunkSize  = 8 * 1024 * 1024
	defaultPartSize   = 50 * 1024 * 1024
	defaultReadWindow = 10 * 1024 * 1024
)

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		Server:  ServerConfig{Address: ":8080"},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Address: ":9090"},
		Blobstore: BlobstoreConfig{
			Backend:  "local",
			LocalDir: "./data",
			Prefix:   "stowage/",
		},
		Metastore: MetastoreConfig{
			Backend:      "memory",
			RedisAddress: "localhost:6379",
		},
		Upload: UploadConfig{
			ChunkSize:           defaultChunkSize,
			PartSize:            defaultPartSize,
			ReadWindow:          defaultReadWindow,
			CompressionLevel:    0,
			MaxConcurrentParts:  4,
			DrainTimeoutSeconds: 60,
			RetryAttempts:       4,
			RetryBaseDelayMs:    1000,
			RetryJitterMs:       1000,
			SessionTTLMinutes:   24 * 60,
		},
		Artifact: ArtifactConfig{
			DefaultTTLHours:      7 * 24,
			SweepIntervalMinutes: 15,
		},
		Notify: NotifyConfig{Mode: "disabled"},
	}
}

// Load reads configuration from the given YAML file (if path is non-empty),
// then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad loads configuration from STOWAGE_CONFIG (if set) and exits on
// failure.
func MustLoad() Config {
	cfg, err := Load(os.Getenv("STOWAGE_CONFIG"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Server.Address = getenvDefault("SERVER_ADDRESS", cfg.Server.Address)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)

	cfg.Blobstore.Backend = getenvDefault("BLOBSTORE_BACKEND", cfg.Blobstore.Backend)
	cfg.Blobstore.LocalDir = getenvDefault("BLOBSTORE_LOCAL_DIR", cfg.Blobstore.LocalDir)
	cfg.Blobstore.Bucket = getenvDefault("BLOBSTORE_BUCKET", cfg.Blobstore.Bucket)
	cfg.Blobstore.Endpoint = getenvDefault("BLOBSTORE_ENDPOINT", cfg.Blobstore.Endpoint)
	cfg.Blobstore.Region = getenvDefault("BLOBSTORE_REGION", cfg.Blobstore.Region)
	cfg.Blobstore.AccessKey = getenvDefault("BLOBSTORE_ACCESS_KEY", cfg.Blobstore.AccessKey)
	cfg.Blobstore.SecretKey = getenvDefault("BLOBSTORE_SECRET_KEY", cfg.Blobstore.SecretKey)
	cfg.Blobstore.Prefix = getenvDefault("BLOBSTORE_PREFIX", cfg.Blobstore.Prefix)

	cfg.Metastore.Backend = getenvDefault("METASTORE_BACKEND", cfg.Metastore.Backend)
	cfg.Metastore.RedisAddress = getenvDefault("REDIS_ADDRESS", cfg.Metastore.RedisAddress)
	cfg.Metastore.RedisPassword = getenvDefault("REDIS_PASSWORD", cfg.Metastore.RedisPassword)
	cfg.Metastore.RedisDB = getenvInt("REDIS_DB", cfg.Metastore.RedisDB)

	cfg.Upload.ChunkSize = getenvInt64("UPLOAD_CHUNK_SIZE", cfg.Upload.ChunkSize)
	cfg.Upload.PartSize = getenvInt64("UPLOAD_PART_SIZE", cfg.Upload.PartSize)
	cfg.Upload.ReadWindow = getenvInt64("UPLOAD_READ_WINDOW", cfg.Upload.ReadWindow)
	cfg.Upload.CompressionLevel = getenvInt("UPLOAD_COMPRESSION_LEVEL", cfg.Upload.CompressionLevel)
	cfg.Upload.MaxConcurrentParts = getenvInt("UPLOAD_MAX_CONCURRENT_PARTS", cfg.Upload.MaxConcurrentParts)
	cfg.Upload.DrainTimeoutSeconds = getenvInt("UPLOAD_DRAIN_TIMEOUT_SECONDS", cfg.Upload.DrainTimeoutSeconds)

	cfg.Notify.Mode = getenvDefault("NOTIFY_MODE", cfg.Notify.Mode)
	cfg.Notify.Endpoint = getenvDefault("NOTIFY_ENDPOINT", cfg.Notify.Endpoint)
	cfg.Notify.Path = getenvDefault("NOTIFY_PATH", cfg.Notify.Path)
}

// Validate checks invariants that the rest of the system assumes.
func (c Config) Validate() error {
	switch c.Blobstore.Backend {
	case "local":
		if c.Blobstore.LocalDir == "" {
			return fmt.Errorf("config: local_dir required for local blobstore backend")
		}
	case "s3":
		if c.Blobstore.Bucket == "" {
			return fmt.Errorf("config: bucket required for s3 blobstore backend")
		}
	default:
		return fmt.Errorf("config: unknown blobstore backend %q", c.Blobstore.Backend)
	}

	switch c.Metastore.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown metastore backend %q", c.Metastore.Backend)
	}

	if c.Upload.PartSize <= 0 {
		return fmt.Errorf("config: part_size must be positive")
	}
	if c.Upload.ReadWindow <= 0 || c.Upload.ReadWindow >= c.Upload.PartSize {
		return fmt.Errorf("config: read_window must be positive and smaller than part_size")
	}
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive")
	}
	if c.Upload.MaxConcurrentParts < 1 {
		return fmt.Errorf("config: max_concurrent_parts must be at least 1")
	}
	if c.Upload.RetryAttempts < 1 {
		return fmt.Errorf("config: retry_attempts must be at least 1")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}
