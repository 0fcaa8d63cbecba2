// Package config provides configuration management for IOCForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/iocforge/internal/api/gateway"
	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/ingestion"
	"github.com/lvonguyen/iocforge/internal/jobs"
	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/pipeline"
	"github.com/lvonguyen/iocforge/internal/repository"
)

// Config holds all IOCForge configuration.
type Config struct {
	Server      ServerConfig        `yaml:"server"`
	Redis       RedisConfig         `yaml:"redis"`
	Cache       CacheConfig         `yaml:"cache"`
	Database    repository.Config   `yaml:"database"`
	Enrichment  pipeline.Config     `yaml:"enrichment"`
	Ingest      ingestion.Limits    `yaml:"ingest"`
	UploadLimit gateway.Config      `yaml:"upload_rate_limit"`
	Queue       jobs.Config         `yaml:"queue"`
	ThreatIntel enrichment.Settings `yaml:"threat_intel"`
	Logging     LoggingConfig       `yaml:"logging"`
	Telemetry   TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	IPRateLimit     int           `yaml:"ip_rate_limit"` // requests per minute per IP, 0 = off
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend     string        `yaml:"backend"` // memory, redis
	Size        int           `yaml:"size"`
	KeyPrefix   string        `yaml:"key_prefix"`
	PositiveTTL time.Duration `yaml:"positive_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// TTL returns the configured windows.
func (c CacheConfig) TTL() cache.TTLSettings {
	return cache.TTLSettings{Positive: c.PositiveTTL, Negative: c.NegativeTTL}
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000"},
			IPRateLimit:     300,
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		Cache: CacheConfig{
			Backend:     "memory",
			Size:        100000,
			KeyPrefix:   "iocforge:cache",
			PositiveTTL: cache.DefaultPositiveTTL,
			NegativeTTL: cache.DefaultNegativeTTL,
		},
		Database:    repository.DefaultConfig(),
		Enrichment:  pipeline.DefaultConfig(),
		Ingest:      ingestion.DefaultLimits(),
		UploadLimit: gateway.DefaultConfig(),
		Queue:       jobs.DefaultConfig(),
		ThreatIntel: enrichment.DefaultSettings(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Cache.Backend {
	case "memory":
		if c.Cache.Size <= 0 {
			errs = append(errs, errors.New("cache.size must be positive"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.backend redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be memory or redis", c.Cache.Backend))
	}
	if err := c.Cache.TTL().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Enrichment.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("enrichment.provider_timeout must be positive"))
	}
	if c.Enrichment.MaxRetries < 0 || c.Enrichment.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("enrichment.max_retries %d out of range 0-10", c.Enrichment.MaxRetries))
	}
	if c.Enrichment.Concurrency <= 0 {
		errs = append(errs, errors.New("enrichment.concurrency must be positive"))
	}
	if c.Ingest.MaxBytes <= 0 || c.Ingest.MaxRows <= 0 {
		errs = append(errs, errors.New("ingest limits must be positive"))
	}
	switch c.Queue.Backend {
	case "local":
	case "nats":
		if c.Queue.NATS.URL == "" || c.Queue.NATS.Subject == "" {
			errs = append(errs, errors.New("queue.nats requires url and subject"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q must be local or nats", c.Queue.Backend))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue.workers must be positive"))
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampling_rate %v out of range 0-1", c.Telemetry.SamplingRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Observability builds the telemetry settings for service/version.
func (c *Config) Observability(service, version string) observability.Config {
	return observability.Config{
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		LogLevel:       c.Logging.Level,
		LogFormat:      c.Logging.Format,
		TracingEnabled: c.Telemetry.TracingEnabled,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
		MetricsEnabled: c.Telemetry.MetricsEnabled,
	}
}

// EnabledProviders returns the names of enabled threat intel providers.
func (c *Config) EnabledProviders() []string {
	ti := c.ThreatIntel
	var providers []string
	for _, p := range []struct {
		name    string
		enabled bool
	}{
		{"virustotal", ti.VirusTotal.Enabled},
		{"urlscan", ti.URLScan.Enabled},
		{"otx", ti.OTX.Enabled},
		{"misp", ti.MISP.Enabled},
		{"crowdstrike", ti.CrowdStrike.Enabled},
		{"recordedfuture", ti.RecordedFuture.Enabled},
		{"flashpoint", ti.Flashpoint.Enabled},
		{"osint", ti.OSINT.Enabled},
	} {
		if p.enabled {
			providers = append(providers, p.name)
		}
	}
	return providers
}
