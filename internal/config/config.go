package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the import engine.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Import   ImportConfig   `yaml:"import"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the lock registry / progress cache settings.
// An empty Addr disables Redis; the engine falls back to Postgres advisory
// locks and in-memory progress caching.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds the local storage root and the optional S3 source the
// upload tier drops files into.
type StorageConfig struct {
	Root       string `yaml:"root"`      // e.g. "storage/app"
	S3Bucket   string `yaml:"s3_bucket"` // empty disables the S3 source
	S3Region   string `yaml:"s3_region"`
	S3Prefix   string `yaml:"s3_prefix"`
	AWSProfile string `yaml:"aws_profile"`
}

// GetAWSProfile returns the AWS profile, with environment variable override.
// On ECS/Lambda an empty profile is returned so the default credential chain
// (IAM role) is used.
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// ImportConfig holds the engine tunables.
type ImportConfig struct {
	ChunkSize              int     `yaml:"chunk_size"`
	MinChunkSize           int     `yaml:"min_chunk_size"`
	MaxChunkSize           int     `yaml:"max_chunk_size"`
	MemoryLimitMB          int     `yaml:"memory_limit_mb"`
	MaxFileSizeMB          int     `yaml:"max_file_size_mb"`
	MaxRows                int64   `yaml:"max_rows"`
	ValidationCacheTTLSecs int     `yaml:"validation_cache_ttl_seconds"` // 0 disables the cache
	UpdateExisting         *bool   `yaml:"update_existing_on_duplicate"` // nil → true (original behavior)
	ErrorRateLockFactor    float64 `yaml:"error_rate_lock_factor"`
}

// WorkerConfig holds the job-claiming loop settings.
type WorkerConfig struct {
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	StuckThresholdMins   int `yaml:"stuck_threshold_minutes"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// ValidationCacheTTL returns the validator cache TTL as a duration.
func (c ImportConfig) ValidationCacheTTL() time.Duration {
	return time.Duration(c.ValidationCacheTTLSecs) * time.Second
}

// MaxFileSizeBytes returns the file size ceiling in bytes.
func (c ImportConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// UpdateExistingOnDuplicate resolves the store-duplicate update policy.
// The flag defaults to true when unset, matching historical behavior.
func (c ImportConfig) UpdateExistingOnDuplicate() bool {
	if c.UpdateExisting == nil {
		return true
	}
	return *c.UpdateExisting
}

// PollInterval returns the worker poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StuckThreshold returns the no-progress alert threshold as a duration.
func (c WorkerConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMins) * time.Minute
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "storage/app"
	}
	if cfg.Import.ChunkSize == 0 {
		cfg.Import.ChunkSize = 100
	}
	if cfg.Import.MinChunkSize == 0 {
		cfg.Import.MinChunkSize = 10
	}
	if cfg.Import.MaxChunkSize == 0 {
		cfg.Import.MaxChunkSize = 500
	}
	if cfg.Import.MemoryLimitMB == 0 {
		cfg.Import.MemoryLimitMB = 256
	}
	if cfg.Import.MaxFileSizeMB == 0 {
		cfg.Import.MaxFileSizeMB = 20
	}
	if cfg.Import.MaxRows == 0 {
		cfg.Import.MaxRows = 50000
	}
	if cfg.Import.ErrorRateLockFactor == 0 {
		cfg.Import.ErrorRateLockFactor = 1.3
	}
	if cfg.Worker.PollIntervalSeconds == 0 {
		cfg.Worker.PollIntervalSeconds = 10
	}
	if cfg.Worker.StuckThresholdMins == 0 {
		cfg.Worker.StuckThresholdMins = 30
	}
	if cfg.Worker.ShutdownGraceSeconds == 0 {
		cfg.Worker.ShutdownGraceSeconds = 30
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars on the worker hosts.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("IMPORT_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("IMPORT_S3_REGION"); v != "" {
		cfg.Storage.S3Region = v
	}
	if v := os.Getenv("IMPORT_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Import.ChunkSize = n
		}
	}
	if v := os.Getenv("IMPORT_UPDATE_EXISTING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Import.UpdateExisting = &b
		}
	}

	return cfg, nil
}
