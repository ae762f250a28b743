// Package config provides configuration management for the orchestration core.
// It supports loading configuration from environment variables, a config file,
// and defaults, all resolved through github.com/spf13/viper.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Intervention InterventionConfig `mapstructure:"intervention"`
	ACP          ACPConfig          `mapstructure:"acp"`
}

// ServerConfig holds HTTP server configuration for the ambient API surface.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig selects and configures the C1 memory store adapter.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
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

// DSN returns the PostgreSQL connection string for pgx/stdlib.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig configures the optional external broker bridge for the Memory Sync Bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty disables the external bridge
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig selects the container-backed Agent Supervisor.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds the scheduler/orchestrator's tunable timeouts.
type SchedulerConfig struct {
	DependencyPollInterval int `mapstructure:"dependencyPollIntervalMs"` // ms
	DependencyWaitTimeout  int `mapstructure:"dependencyWaitTimeoutSec"` // seconds
	StarvationWarningAfter int `mapstructure:"starvationWarningAfterSec"`
	DefaultMaxRetries      int `mapstructure:"defaultMaxRetries"`
}

func (s SchedulerConfig) DependencyPollIntervalDuration() time.Duration {
	return time.Duration(s.DependencyPollInterval) * time.Millisecond
}

func (s SchedulerConfig) DependencyWaitTimeoutDuration() time.Duration {
	return time.Duration(s.DependencyWaitTimeout) * time.Second
}

func (s SchedulerConfig) StarvationWarningDuration() time.Duration {
	return time.Duration(s.StarvationWarningAfter) * time.Second
}

// InterventionConfig controls the Intervention Registry's monitor loop.
type InterventionConfig struct {
	MonitorInterval int `mapstructure:"monitorIntervalSec"`
}

func (i InterventionConfig) MonitorIntervalDuration() time.Duration {
	return time.Duration(i.MonitorInterval) * time.Second
}

// ACPConfig controls the Protocol Adapter's timeouts.
type ACPConfig struct {
	RequestTimeoutSec int `mapstructure:"requestTimeoutSec"`
	StopGraceSec      int `mapstructure:"stopGraceSec"`
}

func (a ACPConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeoutSec) * time.Second
}

func (a ACPConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGraceSec) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MEMNEXUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./memnexus.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "memnexus")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "memnexus")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "memnexus")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("scheduler.dependencyPollIntervalMs", 100)
	v.SetDefault("scheduler.dependencyWaitTimeoutSec", 300)
	v.SetDefault("scheduler.starvationWarningAfterSec", 60)
	v.SetDefault("scheduler.defaultMaxRetries", 3)

	v.SetDefault("intervention.monitorIntervalSec", 5)

	v.SetDefault("acp.requestTimeoutSec", 30)
	v.SetDefault("acp.stopGraceSec", 5)
}

// defaultDockerHost returns the platform-appropriate Docker socket path,
// respecting the DOCKER_HOST env var as an override.
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables (prefix MEMNEXUS_),
// an optional config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath in addition to the
// current directory and /etc/memnexus/.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEMNEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/memnexus/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite driver")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Scheduler.DefaultMaxRetries < 0 {
		errs = append(errs, "scheduler.defaultMaxRetries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
