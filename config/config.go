// Package config provides configuration management for the message store.
//
// This package handles loading configuration from multiple sources with proper precedence:
//   - YAML configuration files
//   - Environment variables (configurable prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.msgstore/config.yaml, /etc/msgstore/config.yaml)
//  3. .env files
//  4. Environment variables (configurable prefix, default: MSGSTORE_)
//
// # Usage Example
//
//	cfg, err := config.LoadConfig("MSGSTORE", "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Logging.Apply()
//	store, err := objstore.NewCouchStore(cfg.CouchDB.BuildURL(), cfg.CouchDB.Prefix)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use prefix and underscores for nested keys:
//   - MSGSTORE_COUCHDB_URL=http://localhost:5984
//   - MSGSTORE_REDIS_URL=redis://localhost:6379/0
//   - MSGSTORE_CACHE_TRUNCATE_AT=500
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"msgstore.evalgo.org/common"
)

// CouchDBConfig contains the authoritative store connection settings.
type CouchDBConfig struct {
	// URL is the CouchDB server URL (default: http://localhost:5984)
	URL string `mapstructure:"url"`

	// Prefix namespaces the per-bucket databases (default: msgstore_)
	Prefix string `mapstructure:"prefix"`

	// Username for CouchDB authentication
	Username string `mapstructure:"username"`

	// Password for CouchDB authentication
	Password string `mapstructure:"password"`
}

// BuildURL constructs the full CouchDB URL with authentication.
func (c *CouchDBConfig) BuildURL() string {
	if c.Username != "" && c.Password != "" {
		url := strings.Replace(c.URL, "://", "://"+c.Username+":"+c.Password+"@", 1)
		return url
	}
	return c.URL
}

// RedisConfig contains the batch info cache connection settings.
type RedisConfig struct {
	// URL is the Redis connection URL (default: redis://localhost:6379/0).
	// Credentials go in the URL userinfo section.
	URL string `mapstructure:"url"`
}

// CacheConfig tunes the batch info cache.
type CacheConfig struct {
	// KeyPrefix namespaces every cache key. Empty means no prefix.
	KeyPrefix string `mapstructure:"key_prefix"`

	// TruncateAt caps the per-batch recency sets. Zero falls back to the
	// cache default.
	TruncateAt int `mapstructure:"truncate_at"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`

	// AddCaller adds the calling function to every log entry
	AddCaller bool `mapstructure:"add_caller"`
}

// Apply configures the shared global logger with these settings.
func (c *LoggingConfig) Apply() {
	loggerConfig := common.DefaultLoggerConfig()
	if c.Level != "" {
		loggerConfig.Level = common.LogLevel(c.Level)
	}
	if c.Format != "" {
		loggerConfig.Format = c.Format
	}
	loggerConfig.AddCaller = c.AddCaller
	common.ConfigureLogger(loggerConfig)
}

// Config is the root configuration for the message store.
type Config struct {
	// CouchDB contains the authoritative store settings
	CouchDB CouchDBConfig `mapstructure:"couchdb"`

	// Redis contains the cache connection settings
	Redis RedisConfig `mapstructure:"redis"`

	// Cache contains cache tuning knobs
	Cache CacheConfig `mapstructure:"cache"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
// The prefix is used for environment variables (e.g., "MSGSTORE" -> "MSGSTORE_REDIS_URL").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard message store defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("couchdb.url", "http://localhost:5984")
	l.v.SetDefault("couchdb.prefix", "msgstore_")
	l.v.SetDefault("couchdb.username", "")
	l.v.SetDefault("couchdb.password", "")

	l.v.SetDefault("redis.url", "redis://localhost:6379/0")

	l.v.SetDefault("cache.key_prefix", "")
	l.v.SetDefault("cache.truncate_at", 0)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
	l.v.SetDefault("logging.add_caller", false)
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	// Set config file
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.msgstore")
		l.v.AddConfigPath("/etc/msgstore")
	}

	// Read config file
	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// For auto-discovery, only fail on non-NotFound errors
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // Ignore if .env doesn't exist

	// Setup environment variable binding
	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Unmarshal into target
	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig is a convenience function that loads configuration with standard defaults.
// The envPrefix is used for environment variables (e.g., "MSGSTORE" -> "MSGSTORE_REDIS_URL").
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
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
	if cfg.CouchDB.URL == "" {
		return fmt.Errorf("couchdb url is required")
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if cfg.Cache.TruncateAt < 0 {
		return fmt.Errorf("invalid cache truncate_at: %d", cfg.Cache.TruncateAt)
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
