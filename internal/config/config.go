package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// Configuration represents the complete installation configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Pool    PoolConfig    `yaml:"pool"`
	Relaxed RelaxedConfig `yaml:"relaxed"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// PoolConfig configures the pooled synchronous-access VFS
type PoolConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Name            string `yaml:"name"`
	Directory       string `yaml:"directory"`
	Storage         string `yaml:"storage"`
	InitialCapacity int    `yaml:"initial_capacity"`
	MaxCapacity     int    `yaml:"max_capacity"`
	ResetOnInit     bool   `yaml:"reset_on_init"`
	MakeDefault     bool   `yaml:"make_default"`
	Exclusive       bool   `yaml:"exclusive"`
}

// RelaxedConfig configures the deferred-durability VFS
type RelaxedConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Name          string        `yaml:"name"`
	Namespace     string        `yaml:"namespace"`
	BlockSize     string        `yaml:"block_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	ReservedWait  time.Duration `yaml:"reserved_wait"`
	Store         StoreConfig   `yaml:"store"`
	Codec         CodecConfig   `yaml:"codec"`
	CommitBreaker BreakerConfig `yaml:"commit_breaker"`
	MakeDefault   bool          `yaml:"make_default"`
}

// StoreConfig selects the object store behind the relaxed VFS
type StoreConfig struct {
	Type   string            `yaml:"type"`
	SQLite SQLiteStoreConfig `yaml:"sqlite"`
	S3     S3StoreConfig     `yaml:"s3"`
}

// SQLiteStoreConfig represents the SQLite-table object store settings
type SQLiteStoreConfig struct {
	Path string `yaml:"path"`
}

// S3StoreConfig represents the S3 object store settings
type S3StoreConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxRetries      int    `yaml:"max_retries"`
}

// CodecConfig represents block compression settings
type CodecConfig struct {
	Algorithm string `yaml:"algorithm"`
}

// BreakerConfig represents the commit circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	// Address is where /metrics is served. Empty means not served.
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogFile:       "",
			LogMaxSizeMB:  100,
			LogMaxBackups: 3,
			LogMaxAgeDays: 28,
		},
		Pool: PoolConfig{
			Enabled:         true,
			Name:            "opfs-sahpool",
			Directory:       ".opfs-sahpool",
			Storage:         "os",
			InitialCapacity: 6,
			MaxCapacity:     0,
			ResetOnInit:     false,
			MakeDefault:     false,
			Exclusive:       true,
		},
		Relaxed: RelaxedConfig{
			Enabled:       false,
			Name:          "relaxed-idb",
			Namespace:     "relaxed-idb",
			BlockSize:     "4KiB",
			FlushInterval: time.Second,
			DrainTimeout:  10 * time.Second,
			ReservedWait:  50 * time.Millisecond,
			Store: StoreConfig{
				Type: "memory",
				SQLite: SQLiteStoreConfig{
					Path: "relaxed-idb.sqlite",
				},
				S3: S3StoreConfig{
					Region:     "us-east-1",
					MaxRetries: 3,
				},
			},
			Codec: CodecConfig{
				Algorithm: "none",
			},
			CommitBreaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "sqlitevfs",
			Path:      "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from SQLITEVFS_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("SQLITEVFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("SQLITEVFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("SQLITEVFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	// Pool settings
	if val := os.Getenv("SQLITEVFS_POOL_NAME"); val != "" {
		c.Pool.Name = val
	}
	if val := os.Getenv("SQLITEVFS_POOL_DIRECTORY"); val != "" {
		c.Pool.Directory = val
	}
	if val := os.Getenv("SQLITEVFS_POOL_CAPACITY"); val != "" {
		capacity, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid SQLITEVFS_POOL_CAPACITY: %w", err)
		}
		c.Pool.InitialCapacity = capacity
	}
	if val := os.Getenv("SQLITEVFS_POOL_MAX_CAPACITY"); val != "" {
		capacity, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid SQLITEVFS_POOL_MAX_CAPACITY: %w", err)
		}
		c.Pool.MaxCapacity = capacity
	}
	if val := os.Getenv("SQLITEVFS_POOL_RESET"); val != "" {
		c.Pool.ResetOnInit = strings.ToLower(val) == "true"
	}

	// Relaxed settings
	if val := os.Getenv("SQLITEVFS_RELAXED_ENABLED"); val != "" {
		c.Relaxed.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SQLITEVFS_RELAXED_NAME"); val != "" {
		c.Relaxed.Name = val
	}
	if val := os.Getenv("SQLITEVFS_RELAXED_BLOCK_SIZE"); val != "" {
		c.Relaxed.BlockSize = val
	}
	if val := os.Getenv("SQLITEVFS_RELAXED_FLUSH_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Relaxed.FlushInterval = duration
		}
	}
	if val := os.Getenv("SQLITEVFS_RELAXED_STORE"); val != "" {
		c.Relaxed.Store.Type = val
	}
	if val := os.Getenv("SQLITEVFS_S3_BUCKET"); val != "" {
		c.Relaxed.Store.S3.Bucket = val
	}
	if val := os.Getenv("SQLITEVFS_S3_ENDPOINT"); val != "" {
		c.Relaxed.Store.S3.Endpoint = val
	}

	if val := os.Getenv("SQLITEVFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SQLITEVFS_METRICS_ADDRESS"); val != "" {
		c.Metrics.Address = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// BlockSizeBytes parses the relaxed block size
func (r *RelaxedConfig) BlockSizeBytes() (int, error) {
	size, err := humanize.ParseBytes(r.BlockSize)
	if err != nil {
		return 0, invalid("invalid block_size %q: %v", r.BlockSize, err)
	}
	if size < 512 || size > 1<<20 || size&(size-1) != 0 {
		return 0, invalid("block_size must be a power of two between 512B and 1MiB, got %s", r.BlockSize)
	}
	return int(size), nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Global.LogFormat {
	case "text", "json", "color":
	default:
		return invalid("invalid log_format: %s (must be one of: text, json, color)", c.Global.LogFormat)
	}

	if c.Pool.Enabled {
		if err := c.Pool.Validate(); err != nil {
			return err
		}
	}
	if c.Relaxed.Enabled {
		if err := c.Relaxed.Validate(); err != nil {
			return err
		}
	}
	if c.Pool.Enabled && c.Relaxed.Enabled {
		if c.Pool.Name == c.Relaxed.Name {
			return invalid("pool and relaxed vfs names cannot be the same: %s", c.Pool.Name)
		}
		if c.Pool.MakeDefault && c.Relaxed.MakeDefault {
			return invalid("only one vfs can be the default")
		}
	}

	return nil
}

// Validate validates the pool section
func (p *PoolConfig) Validate() error {
	if p.Name == "" {
		return invalid("pool name cannot be empty")
	}
	if p.Directory == "" {
		return invalid("pool directory cannot be empty")
	}
	switch p.Storage {
	case "os", "memory":
	default:
		return invalid("invalid pool storage: %s (must be one of: os, memory)", p.Storage)
	}
	if p.InitialCapacity < 1 {
		return invalid("initial_capacity must be at least 1")
	}
	if p.MaxCapacity != 0 && p.MaxCapacity < p.InitialCapacity {
		return invalid("max_capacity (%d) must be 0 or at least initial_capacity (%d)",
			p.MaxCapacity, p.InitialCapacity)
	}
	return nil
}

// Validate validates the relaxed section
func (r *RelaxedConfig) Validate() error {
	if r.Name == "" {
		return invalid("relaxed name cannot be empty")
	}
	if r.Namespace == "" {
		return invalid("relaxed namespace cannot be empty")
	}
	if _, err := r.BlockSizeBytes(); err != nil {
		return err
	}
	if r.FlushInterval <= 0 {
		return invalid("flush_interval must be greater than 0")
	}
	if r.DrainTimeout <= 0 {
		return invalid("drain_timeout must be greater than 0")
	}
	if r.ReservedWait < 0 {
		return invalid("reserved_wait cannot be negative")
	}

	switch r.Store.Type {
	case "memory":
	case "sqlite":
		if r.Store.SQLite.Path == "" {
			return invalid("sqlite store path cannot be empty")
		}
	case "s3":
		if r.Store.S3.Bucket == "" {
			return invalid("s3 store bucket cannot be empty")
		}
		if (r.Store.S3.AccessKeyID == "") != (r.Store.S3.SecretAccessKey == "") {
			return invalid("s3 access_key_id and secret_access_key must be set together")
		}
	default:
		return invalid("invalid store type: %s (must be one of: memory, sqlite, s3)", r.Store.Type)
	}

	switch r.Codec.Algorithm {
	case "", "none", "snappy", "zstd":
	default:
		return invalid("invalid codec algorithm: %s (must be one of: none, snappy, zstd)", r.Codec.Algorithm)
	}

	if r.CommitBreaker.FailureThreshold < 0 {
		return invalid("commit_breaker.failure_threshold cannot be negative")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return vfserrors.Newf(vfserrors.KindInvalidConfig, format, args...).WithComponent("config")
}
