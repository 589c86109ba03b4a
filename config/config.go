// Package config provides configuration management for the pixelpipe service.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml, /etc/pixelpipe/config.yaml)
//  3. .env files
//  4. Environment variables
//
// The well-known deployment keys (DB_PATH, PORT, POLL_INTERVAL_MS, CONCURRENCY,
// MAX_RETRIES, IMAGE_MAX_PER_SKU, DEFAULT_THEME, TJMS_WEBHOOK_SECRET,
// SKIP_WEBHOOK_VERIFICATION, AI_COMPOSITOR and the provider/object-store
// credentials) are bound without a prefix so that existing deployments keep
// working; everything else uses the PIXELPIPE_ prefix with underscores for
// nested keys (e.g. PIXELPIPE_SERVER_READ_TIMEOUT).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// BodyLimit caps request payload size (default: "10M")
	BodyLimit string `mapstructure:"body_limit"`

	// RateLimit is requests per second per client (0 = no limit)
	RateLimit float64 `mapstructure:"rate_limit"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`
}

// DatabaseConfig contains the embedded store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file location
	Path string `mapstructure:"path"`
}

// ProcessorConfig contains job processor tuning.
type ProcessorConfig struct {
	// PollInterval is the period between runnable-job scans
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Concurrency is the maximum number of in-flight jobs
	Concurrency int `mapstructure:"concurrency"`

	// MaxRetries is the retry budget per job
	MaxRetries int `mapstructure:"max_retries"`

	// LeaseTTL is the exclusive-processing window per leased job.
	// Must exceed the longest expected provider timeout.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// WebhookConfig contains intake settings.
type WebhookConfig struct {
	// Secret is the shared HMAC secret for webhook signatures.
	// Mandatory in production.
	Secret string `mapstructure:"secret"`

	// SkipVerification bypasses signature checks. Only honored outside
	// production and only when Secret is absent.
	SkipVerification bool `mapstructure:"skip_verification"`

	// ImageMaxPerSKU is the per-SKU quota on completed jobs (default: 4)
	ImageMaxPerSKU int `mapstructure:"image_max_per_sku"`

	// DefaultTheme is assigned when a webhook omits the theme
	DefaultTheme string `mapstructure:"default_theme"`
}

// StorageConfig contains object-store connection settings.
type StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (empty = AWS)
	Endpoint string `mapstructure:"endpoint"`

	// Region is the S3 signing region
	Region string `mapstructure:"region"`

	// Bucket holds all pipeline artifacts
	Bucket string `mapstructure:"bucket"`

	// AccessKey / SecretKey are static credentials (MinIO, Hetzner, ...)
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// PathStyle forces path-style addressing (required for MinIO)
	PathStyle bool `mapstructure:"path_style"`

	// PresignTTL is the validity window of presigned URLs (default: 1h)
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

// ProvidersConfig contains AI provider selection and credentials.
type ProvidersConfig struct {
	// AICompositor selects the default AI compositor variant
	// (none, freepik, nanobanana)
	AICompositor string `mapstructure:"ai_compositor"`

	// SegmentAPIKey authenticates the background-removal provider
	SegmentAPIKey string `mapstructure:"segment_api_key"`

	// FreepikAPIKey authenticates the Freepik compositor/generator
	FreepikAPIKey string `mapstructure:"freepik_api_key"`

	// NanobananaAPIKey authenticates the Nanobanana compositor
	NanobananaAPIKey string `mapstructure:"nanobanana_api_key"`
}

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Environment is the deployment environment
	// (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the pixelpipe service.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// IsProduction reports whether the service runs in the production environment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Service.Environment, "production")
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the standard pixelpipe defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "pixelpipe")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.body_limit", "10M")
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("database.path", "pixelpipe.db")

	l.v.SetDefault("processor.poll_interval", "5s")
	l.v.SetDefault("processor.concurrency", 4)
	l.v.SetDefault("processor.max_retries", 3)
	l.v.SetDefault("processor.lease_ttl", "10m")

	l.v.SetDefault("webhook.secret", "")
	l.v.SetDefault("webhook.skip_verification", false)
	l.v.SetDefault("webhook.image_max_per_sku", 4)
	l.v.SetDefault("webhook.default_theme", "default")

	l.v.SetDefault("storage.endpoint", "")
	l.v.SetDefault("storage.region", "us-east-1")
	l.v.SetDefault("storage.bucket", "pixelpipe")
	l.v.SetDefault("storage.path_style", false)
	l.v.SetDefault("storage.presign_ttl", "1h")

	l.v.SetDefault("providers.ai_compositor", "none")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// bindWellKnownEnv binds the historical un-prefixed deployment variables.
func (l *Loader) bindWellKnownEnv() {
	bindings := map[string]string{
		"database.path":                "DB_PATH",
		"server.port":                  "PORT",
		"processor.poll_interval":      "POLL_INTERVAL_MS",
		"processor.concurrency":        "CONCURRENCY",
		"processor.max_retries":        "MAX_RETRIES",
		"webhook.image_max_per_sku":    "IMAGE_MAX_PER_SKU",
		"webhook.default_theme":        "DEFAULT_THEME",
		"webhook.secret":               "TJMS_WEBHOOK_SECRET",
		"webhook.skip_verification":    "SKIP_WEBHOOK_VERIFICATION",
		"providers.ai_compositor":      "AI_COMPOSITOR",
		"providers.segment_api_key":    "SEGMENT_API_KEY",
		"providers.freepik_api_key":    "FREEPIK_API_KEY",
		"providers.nanobanana_api_key": "NANOBANANA_API_KEY",
		"storage.endpoint":             "S3_ENDPOINT",
		"storage.region":               "S3_REGION",
		"storage.bucket":               "S3_BUCKET",
		"storage.access_key":           "S3_ACCESS_KEY",
		"storage.secret_key":           "S3_SECRET_KEY",
		"service.environment":          "ENVIRONMENT",
	}
	for key, env := range bindings {
		_ = l.v.BindEnv(key, env)
	}
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("/etc/pixelpipe")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	l.bindWellKnownEnv()

	// POLL_INTERVAL_MS is historically a plain millisecond count, which would
	// not parse as a duration. Normalize it before decoding.
	if raw := os.Getenv("POLL_INTERVAL_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			l.v.Set("processor.poll_interval", fmt.Sprintf("%dms", ms))
		}
	}

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig is a convenience function that loads configuration with
// standard defaults and validates the result.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("PIXELPIPE")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if cfg.Processor.Concurrency < 1 {
		return fmt.Errorf("processor concurrency must be at least 1")
	}
	if cfg.Processor.MaxRetries < 0 {
		return fmt.Errorf("processor max_retries must not be negative")
	}
	if cfg.Webhook.ImageMaxPerSKU < 1 {
		return fmt.Errorf("image_max_per_sku must be at least 1")
	}
	if cfg.IsProduction() {
		if cfg.Webhook.Secret == "" {
			return fmt.Errorf("TJMS_WEBHOOK_SECRET is required in production")
		}
		// The development bypass has no effect in production.
		cfg.Webhook.SkipVerification = false
	}
	switch cfg.Providers.AICompositor {
	case "none", "freepik", "nanobanana":
	default:
		return fmt.Errorf("unknown ai_compositor: %q", cfg.Providers.AICompositor)
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
