// Package config loads engine configuration from multiple sources with
// proper precedence:
//   - YAML configuration files
//   - .env files
//   - Environment variables (MWO_ prefix)
//   - Default values
//
// Environment variables override all other sources. Nested keys use
// underscores: MWO_DATABASE_URL, MWO_SCHEDULER_TICK_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix for all settings.
const EnvPrefix = "MWO"

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains the health endpoint server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains the Postgres connection settings.
type DatabaseConfig struct {
	// URL is the Postgres connection string
	URL string `mapstructure:"url"`

	// Migrate runs schema migration on startup
	Migrate bool `mapstructure:"migrate"`
}

// QueueConfig contains the RabbitMQ settings.
type QueueConfig struct {
	// URL is the AMQP connection string
	URL string `mapstructure:"url"`
}

// RedisConfig contains the Redis settings for the dedup window and the
// scheduler lease.
type RedisConfig struct {
	// URL is the Redis connection string
	URL string `mapstructure:"url"`

	// DedupWindow is how long a published job id suppresses duplicates
	DedupWindow time.Duration `mapstructure:"dedup_window"`

	// LockTTL is the scheduler lease duration
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// SchedulerConfig contains scheduler cycle settings.
type SchedulerConfig struct {
	// TickInterval is the time between scheduler cycles
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// QueryTimeout bounds each data-source query
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the engine's full configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the engine's defaults. Connection URLs have no
// default; validation fails when they are missing.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "migration-engine")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.shutdown_timeout", "30s")

	l.v.SetDefault("database.migrate", true)

	l.v.SetDefault("redis.dedup_window", "10m")
	l.v.SetDefault("redis.lock_ttl", "2m")

	l.v.SetDefault("scheduler.tick_interval", "1m")
	l.v.SetDefault("scheduler.query_timeout", "30s")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
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
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("/etc/migration-engine")
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

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates the engine configuration.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader(EnvPrefix)
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
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if cfg.Scheduler.QueryTimeout <= 0 {
		return fmt.Errorf("scheduler.query_timeout must be positive")
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
