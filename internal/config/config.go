package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/graphfs/pkg/errors"
	"github.com/objectfs/graphfs/pkg/health"
	"github.com/objectfs/graphfs/pkg/utils"
)

const component = "config"

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "GRAPHFS_"

// Device types
const (
	DeviceFile   = "file"
	DeviceS3     = "s3"
	DeviceBadger = "badger"
	DeviceMemory = "memory"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Cache     CacheConfig     `yaml:"cache"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Device    DeviceConfig    `yaml:"device"`
	S3        S3Config        `yaml:"s3"`
	Health    health.Config   `yaml:"health"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig configures the cache holding bitmap pages
type CacheConfig struct {
	Name          string        `yaml:"name"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
}

// AllocatorConfig describes the on-device free-space bitmap
type AllocatorConfig struct {
	TotalBits   uint64 `yaml:"total_bits"`
	BitmapBlock uint64 `yaml:"bitmap_block"`
}

// DeviceConfig selects and configures the block device
type DeviceConfig struct {
	Type        string `yaml:"type"`
	Path        string `yaml:"path"`
	BlockSize   int    `yaml:"block_size"`
	Compression string `yaml:"compression"`
	SyncWrites  bool   `yaml:"sync_writes"`
}

// S3Config represents the S3 device settings
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Retry           RetryConfig   `yaml:"retry"`
	CircuitBreaker  BreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings for device requests
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// BreakerConfig represents circuit breaker settings for device requests
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// NewDefault returns a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			LogFormat:   "text",
			MetricsPort: 9090,
		},
		Cache: CacheConfig{
			Name:          "bitmap",
			Capacity:      64,
			SweepInterval: 100 * time.Millisecond,
			WaitTimeout:   5 * time.Second,
		},
		Allocator: AllocatorConfig{
			TotalBits:   1 << 20,
			BitmapBlock: 1,
		},
		Device: DeviceConfig{
			Type:        DeviceFile,
			Path:        "graphfs.img",
			BlockSize:   4096,
			Compression: "none",
		},
		S3: S3Config{
			Region:         "us-east-1",
			RequestTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  4,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     5 * time.Second,
			},
			CircuitBreaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Health: health.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Newf(errors.ErrCodeConfigLoad, "failed to read config file %s", filename).
			WithComponent(component).WithOperation("load_from_file").WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Newf(errors.ErrCodeConfigLoad, "failed to parse config file %s", filename).
			WithComponent(component).WithOperation("load_from_file").WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from GRAPHFS_* environment variables.
// Malformed numeric or duration values are reported, not ignored.
func (c *Configuration) LoadFromEnv() error {
	e := envLoader{}

	// Global settings
	e.str("LOG_LEVEL", &c.Global.LogLevel)
	e.str("LOG_FILE", &c.Global.LogFile)
	e.str("LOG_FORMAT", &c.Global.LogFormat)
	e.int("METRICS_PORT", &c.Global.MetricsPort)
	e.duration("HEALTH_CHECK_INTERVAL", &c.Health.CheckInterval)

	// Cache settings
	e.str("CACHE_NAME", &c.Cache.Name)
	e.int("CACHE_CAPACITY", &c.Cache.Capacity)
	e.duration("CACHE_SWEEP_INTERVAL", &c.Cache.SweepInterval)
	e.duration("CACHE_WAIT_TIMEOUT", &c.Cache.WaitTimeout)

	// Allocator settings
	e.uint64("ALLOCATOR_TOTAL_BITS", &c.Allocator.TotalBits)
	e.uint64("ALLOCATOR_BITMAP_BLOCK", &c.Allocator.BitmapBlock)

	// Device settings
	e.str("DEVICE_TYPE", &c.Device.Type)
	e.str("DEVICE_PATH", &c.Device.Path)
	e.int("DEVICE_BLOCK_SIZE", &c.Device.BlockSize)
	e.str("DEVICE_COMPRESSION", &c.Device.Compression)
	e.bool("DEVICE_SYNC_WRITES", &c.Device.SyncWrites)

	// S3 settings
	e.str("S3_BUCKET", &c.S3.Bucket)
	e.str("S3_PREFIX", &c.S3.Prefix)
	e.str("S3_REGION", &c.S3.Region)
	e.str("S3_ENDPOINT", &c.S3.Endpoint)
	e.str("S3_ACCESS_KEY_ID", &c.S3.AccessKeyID)
	e.str("S3_SECRET_ACCESS_KEY", &c.S3.SecretAccessKey)
	e.str("S3_SESSION_TOKEN", &c.S3.SessionToken)
	e.bool("S3_FORCE_PATH_STYLE", &c.S3.ForcePathStyle)
	e.duration("S3_REQUEST_TIMEOUT", &c.S3.RequestTimeout)
	e.int("S3_RETRY_MAX_ATTEMPTS", &c.S3.Retry.MaxAttempts)
	e.bool("S3_CIRCUIT_BREAKER_ENABLED", &c.S3.CircuitBreaker.Enabled)
	e.int("S3_CIRCUIT_BREAKER_THRESHOLD", &c.S3.CircuitBreaker.FailureThreshold)

	if len(e.bad) > 0 {
		return errors.Newf(errors.ErrCodeConfigLoad, "invalid environment values: %s", strings.Join(e.bad, ", ")).
			WithComponent(component).WithOperation("load_from_env")
	}
	return nil
}

// envLoader reads GRAPHFS_* variables and collects the names of
// variables that failed to parse.
type envLoader struct {
	bad []string
}

func (e *envLoader) lookup(name string) (string, bool) {
	val := os.Getenv(EnvPrefix + name)
	return val, val != ""
}

func (e *envLoader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envLoader) int(name string, dst *int) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.bad = append(e.bad, EnvPrefix+name)
			return
		}
		*dst = n
	}
}

func (e *envLoader) uint64(name string, dst *uint64) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			e.bad = append(e.bad, EnvPrefix+name)
			return
		}
		*dst = n
	}
}

func (e *envLoader) duration(name string, dst *time.Duration) {
	if val, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.bad = append(e.bad, EnvPrefix+name)
			return
		}
		*dst = d
	}
}

func (e *envLoader) bool(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		*dst = strings.ToLower(val) == "true"
	}
}

// SaveToFile saves the configuration to a YAML file. The file is replaced
// atomically so readers never see a partial config.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to marshal config").
			WithComponent(component).WithOperation("save_to_file").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to create config directory").
			WithComponent(component).WithOperation("save_to_file").WithCause(err)
	}

	if err := atomic.WriteFile(filename, bytes.NewReader(data)); err != nil {
		return errors.NewError(errors.ErrCodeConfigSave, "failed to write config file").
			WithComponent(component).WithOperation("save_to_file").WithCause(err)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrCodeConfigValidation, format, args...).
		WithComponent(component).WithOperation("validate")
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR, FATAL)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}
	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return invalid("metrics_port %d out of range", c.Global.MetricsPort)
	}

	if c.Cache.Capacity <= 0 {
		return invalid("cache capacity must be greater than 0")
	}
	if c.Cache.SweepInterval <= 0 {
		return invalid("cache sweep_interval must be greater than 0")
	}
	if c.Cache.WaitTimeout <= 0 {
		return invalid("cache wait_timeout must be greater than 0")
	}

	if c.Health.ErrorThreshold <= 0 || c.Health.UnavailableThreshold < c.Health.ErrorThreshold {
		return invalid("health thresholds must satisfy 0 < error_threshold <= unavailable_threshold")
	}
	if c.Health.CheckInterval <= 0 {
		return invalid("health check_interval must be greater than 0")
	}

	if c.Allocator.TotalBits == 0 {
		return invalid("allocator total_bits must be greater than 0")
	}

	if c.Device.BlockSize <= 0 || c.Device.BlockSize%8 != 0 {
		return invalid("device block_size %d must be a positive multiple of 8", c.Device.BlockSize)
	}
	switch strings.ToLower(c.Device.Compression) {
	case "", "none", "lz4", "zstd":
	default:
		return invalid("invalid device compression: %s (must be none, lz4 or zstd)", c.Device.Compression)
	}

	switch c.Device.Type {
	case DeviceFile, DeviceBadger:
		if c.Device.Path == "" {
			return invalid("device path is required for %s devices", c.Device.Type)
		}
	case DeviceMemory:
	case DeviceS3:
		if c.S3.Bucket == "" {
			return invalid("s3 bucket is required for s3 devices")
		}
		if c.S3.Retry.MaxAttempts <= 0 {
			return invalid("s3 retry max_attempts must be greater than 0")
		}
		if cb := c.S3.CircuitBreaker; cb.Enabled && (cb.FailureThreshold <= 0 || cb.OpenTimeout <= 0) {
			return invalid("s3 circuit_breaker failure_threshold and open_timeout must be greater than 0")
		}
	default:
		return invalid("invalid device type: %s (must be one of: %s)", c.Device.Type,
			strings.Join([]string{DeviceFile, DeviceS3, DeviceBadger, DeviceMemory}, ", "))
	}

	return nil
}

// Logger builds the structured logger described by the global section
func (g GlobalConfig) Logger() (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid log level").
			WithComponent(component).WithCause(err)
	}
	format, err := utils.ParseLogFormat(g.LogFormat)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid log format").
			WithComponent(component).WithCause(err)
	}
	out, err := utils.OpenLogOutput(g.LogFile)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cannot open log output").
			WithComponent(component).WithCause(err)
	}

	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = out
	return utils.NewStructuredLogger(cfg)
}
