// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Engine        EngineConfig        `yaml:"engine"`
	Store         StoreConfig         `yaml:"store"`
	Events        EventsConfig        `yaml:"events"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operations HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find process definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// EngineConfig describes transition engine settings.
type EngineConfig struct {
	CascadeLimit    int           `yaml:"cascade_limit"`
	ProviderWorkers int           `yaml:"provider_workers"`
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`

	// Consecutive failures after which a provider fails fast for
	// ProviderCoolDown.
	ProviderFailureThreshold int           `yaml:"provider_failure_threshold"`
	ProviderCoolDown         time.Duration `yaml:"provider_cool_down"`
}

// StoreConfig describes process persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// EventsConfig describes the lifecycle event stream.
type EventsConfig struct {
	RedisAddrEnv string `yaml:"redis_addr_env"`
	Stream       string `yaml:"stream"`
	MaxLen       int64  `yaml:"max_len"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// ArchiveConfig describes audit trail archival to object storage.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseTLS       bool   `yaml:"use_tls"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	// AlwaysSample lists root span names recorded regardless of the rate.
	AlwaysSample []string `yaml:"always_sample"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Engine: EngineConfig{
			CascadeLimit:    10000,
			ProviderWorkers: 8,
			IdempotencyTTL:  24 * time.Hour,

			ProviderFailureThreshold: 5,
			ProviderCoolDown:         30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SBPM_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			Stream: "sbpm:events",
			MaxLen: 100000,
		},
		Idempotency: IdempotencyConfig{
			Driver:  "memory",
			AddrEnv: "SBPM_REDIS_ADDR",
		},
		Archive: ArchiveConfig{
			Prefix:       "trails/",
			AccessKeyEnv: "SBPM_ARCHIVE_ACCESS_KEY",
			SecretKeyEnv: "SBPM_ARCHIVE_SECRET_KEY",
			UseTLS:       true,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
				AlwaysSample: []string{"provider.execute", "workflow.cancel"},
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required")
	}
	if c.Engine.CascadeLimit < 1 {
		errs = append(errs, "engine.cascade_limit must be positive")
	}
	if c.Engine.ProviderWorkers < 1 {
		errs = append(errs, "engine.provider_workers must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}

	switch c.Idempotency.Driver {
	case "memory":
	case "redis":
		if c.Idempotency.AddrEnv == "" {
			errs = append(errs, "idempotency.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported (memory, redis)", c.Idempotency.Driver))
	}

	if c.Events.RedisAddrEnv != "" && c.Events.Stream == "" {
		errs = append(errs, "events.stream is required when events.redis_addr_env is set")
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive.endpoint is required when archive is enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive.bucket is required when archive is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SBPM_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SBPM_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SBPM_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("SBPM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SBPM_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("SBPM_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("SBPM_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
