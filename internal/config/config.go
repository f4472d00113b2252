// Package config loads and validates icon resolver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Resolver ResolverConfig `mapstructure:"resolver"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Mapping  MappingConfig  `mapstructure:"mapping"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ResolverConfig holds the per-record resolution policy.
type ResolverConfig struct {
	PrefixURLs           bool   `mapstructure:"prefix_urls"`
	UseTitleField        bool   `mapstructure:"use_title_field"`
	SkipExisting         bool   `mapstructure:"skip_existing"`
	UpdateLastModified   bool   `mapstructure:"update_last_modified"`
	MaxIconSize          int    `mapstructure:"max_icon_size"`
	CustomProvider       string `mapstructure:"custom_provider"`
	UseFallbackProviders bool   `mapstructure:"use_fallback_providers"`
	IconNamePrefix       string `mapstructure:"icon_name_prefix"`
}

// HTTPConfig configures the outbound fetcher.
type HTTPConfig struct {
	AllowInvalidCerts bool    `mapstructure:"allow_invalid_certs"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	ProxyURL          string  `mapstructure:"proxy_url"`
	UserAgent         string  `mapstructure:"user_agent"`
	PerHostRPS        float64 `mapstructure:"per_host_rps"`
	PerHostBurst      int     `mapstructure:"per_host_burst"`
}

// BatchConfig bounds batch fan-out.
type BatchConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MaxActiveBatches caps API batches running at once; the rest wait in a
	// queue of QueueDepth.
	MaxActiveBatches int `mapstructure:"max_active_batches"`
	QueueDepth       int `mapstructure:"queue_depth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig selects where unique icons are exported.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig points at the sqlite record store.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// MappingConfig names an optional Android mapping override file.
type MappingConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

const (
	minTimeoutSeconds = 5
	maxTimeoutSeconds = 120
	minIconSize       = 16
	maxIconSize       = 128
	iconSizeStep      = 16
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ICONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("resolver.prefix_urls", false)
	v.SetDefault("resolver.use_title_field", false)
	v.SetDefault("resolver.skip_existing", false)
	v.SetDefault("resolver.update_last_modified", true)
	v.SetDefault("resolver.max_icon_size", 128)
	v.SetDefault("resolver.custom_provider", "")
	v.SetDefault("resolver.use_fallback_providers", false)
	v.SetDefault("resolver.icon_name_prefix", "yafd-")
	v.SetDefault("http.allow_invalid_certs", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.proxy_url", "")
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.per_host_burst", 1)
	v.SetDefault("batch.max_concurrency", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_active_batches", 4)
	v.SetDefault("server.queue_depth", 64)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "icons")
	v.SetDefault("db.path", "")
	v.SetDefault("mapping.file", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. The HTTP timeout
// and icon size are clamped by their getters rather than rejected.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxActiveBatches < 0 || c.Server.QueueDepth < 0 {
		return fmt.Errorf("server.max_active_batches and server.queue_depth must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Batch.MaxConcurrency < 0 {
		return fmt.Errorf("batch.max_concurrency must be >= 0")
	}
	if c.HTTP.PerHostRPS < 0 {
		return fmt.Errorf("http.per_host_rps must be >= 0")
	}
	if c.HTTP.PerHostBurst < 0 {
		return fmt.Errorf("http.per_host_burst must be >= 0")
	}
	switch c.Storage.Backend {
	case "", BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level %q is invalid", c.Logging.Level)
		}
	}
	return nil
}

// ConnectTimeout returns http.timeout_seconds clamped to 5..120 seconds.
func (c Config) ConnectTimeout() time.Duration {
	secs := min(max(c.HTTP.TimeoutSeconds, minTimeoutSeconds), maxTimeoutSeconds)
	return time.Duration(secs) * time.Second
}

// MaxIconSize returns resolver.max_icon_size clamped to 16..128 and rounded
// down to a multiple of 16.
func (c Config) MaxIconSize() int {
	size := min(max(c.Resolver.MaxIconSize, minIconSize), maxIconSize)
	return size - size%iconSizeStep
}
