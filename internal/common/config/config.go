// Package config provides configuration management for Agentplane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agentplane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Session  SessionConfig  `mapstructure:"session"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. When Driver is "sqlite" only
// Path is used; "postgres" uses the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig selects and configures the sandbox provider.
type SandboxConfig struct {
	// Provider is the sandbox backend: "sprites" or "docker".
	Provider string `mapstructure:"provider"`

	// Image is the container image pre-seeded with the agent CLIs and the
	// in-sandbox helper scripts (docker provider).
	Image string `mapstructure:"image"`

	// DockerHost is the Docker daemon address (docker provider).
	DockerHost string `mapstructure:"dockerHost"`

	// SpritesToken is the Sprites.dev API token (sprites provider).
	SpritesToken string `mapstructure:"spritesToken"`

	// NamePrefix prefixes every sandbox name so stale instances can be found.
	NamePrefix string `mapstructure:"namePrefix"`
}

// SessionConfig holds session runtime tuning.
type SessionConfig struct {
	IdleTimeoutMs         int      `mapstructure:"idleTimeoutMs"`
	SyncIntervalMs        int      `mapstructure:"syncIntervalMs"`
	HealthIntervalMs      int      `mapstructure:"healthIntervalMs"`
	WatcherReadyTimeoutMs int      `mapstructure:"watcherReadyTimeoutMs"`
	MaxWatchedFileBytes   int64    `mapstructure:"maxWatchedFileBytes"`
	DebounceMs            int      `mapstructure:"debounceMs"`
	BinaryExtensions      []string `mapstructure:"binaryExtensions"`
}

// ProfilesConfig holds agent profile loading configuration.
type ProfilesConfig struct {
	// Dir is a directory of YAML profile definitions seeded into the store
	// at startup. Empty disables seeding.
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint. Empty disables tracing.
	Endpoint string `mapstructure:"endpoint"`
}

// IdleTimeout returns the idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// SyncInterval returns the periodic sync interval as a time.Duration.
func (s *SessionConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalMs) * time.Millisecond
}

// HealthInterval returns the health check interval as a time.Duration.
func (s *SessionConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalMs) * time.Millisecond
}

// WatcherReadyTimeout returns the watcher readiness timeout as a time.Duration.
func (s *SessionConfig) WatcherReadyTimeout() time.Duration {
	return time.Duration(s.WatcherReadyTimeoutMs) * time.Millisecond
}

// Debounce returns the file-content read debounce as a time.Duration.
func (s *SessionConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentplane.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentplane")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentplane")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.provider", "docker")
	v.SetDefault("sandbox.image", "agentplane/sandbox:latest")
	v.SetDefault("sandbox.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.spritesToken", "")
	v.SetDefault("sandbox.namePrefix", "agentplane-")

	// Session defaults
	v.SetDefault("session.idleTimeoutMs", 15*60*1000)
	v.SetDefault("session.syncIntervalMs", 60*1000)
	v.SetDefault("session.healthIntervalMs", 30*1000)
	v.SetDefault("session.watcherReadyTimeoutMs", 30*1000)
	v.SetDefault("session.maxWatchedFileBytes", 1024*1024)
	v.SetDefault("session.debounceMs", 500)
	v.SetDefault("session.binaryExtensions", []string{
		".png", ".jpg", ".jpeg", ".gif", ".webp", ".ico", ".pdf",
		".zip", ".tar", ".gz", ".bz2", ".xz", ".7z",
		".so", ".dylib", ".dll", ".exe", ".bin", ".o", ".a",
		".woff", ".woff2", ".ttf", ".otf", ".eot",
		".mp3", ".mp4", ".wav", ".avi", ".mov", ".sqlite", ".db",
	})

	// Profile defaults
	v.SetDefault("profiles.dir", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.endpoint", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from the config key naming.
	_ = v.BindEnv("database.path", "AGENTPLANE_DB_PATH")
	_ = v.BindEnv("database.driver", "AGENTPLANE_DB_DRIVER")
	_ = v.BindEnv("sandbox.spritesToken", "SPRITES_API_TOKEN", "AGENTPLANE_SANDBOX_SPRITES_TOKEN")
	_ = v.BindEnv("sandbox.dockerHost", "DOCKER_HOST", "AGENTPLANE_SANDBOX_DOCKER_HOST")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "AGENTPLANE_TRACING_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentplane/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Sandbox.Provider {
	case "docker", "sprites":
	default:
		errs = append(errs, "sandbox.provider must be one of: docker, sprites")
	}

	if cfg.Session.IdleTimeoutMs <= 0 {
		errs = append(errs, "session.idleTimeoutMs must be positive")
	}
	if cfg.Session.SyncIntervalMs <= 0 {
		errs = append(errs, "session.syncIntervalMs must be positive")
	}
	if cfg.Session.HealthIntervalMs <= 0 {
		errs = append(errs, "session.healthIntervalMs must be positive")
	}
	if cfg.Session.MaxWatchedFileBytes <= 0 {
		errs = append(errs, "session.maxWatchedFileBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
