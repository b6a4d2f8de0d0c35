// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "QUOTEDESK_"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Identity      IdentityConfig      `yaml:"identity" envPrefix:"IDENTITY_"`
	CalcAPI       CalcAPIConfig       `yaml:"calc_api" envPrefix:"CALC_API_"`
	Session       SessionConfig       `yaml:"session" envPrefix:"SESSION_"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Events        EventsConfig        `yaml:"events" envPrefix:"EVENTS_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORS            CORSConfig    `yaml:"cors" envPrefix:"CORS_"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes inbound bearer token verification. Tokens are
// HMAC-signed; the secret itself is read from the variable named by SecretEnv.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer" env:"ISSUER"`
	Audience   string            `yaml:"audience" env:"AUDIENCE"`
	SecretEnv  string            `yaml:"secret_env" env:"SECRET_ENV"`
	Algorithms []string          `yaml:"algorithms"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// Secret returns the HMAC signing secret.
func (c IdentityConfig) Secret() []byte {
	if c.SecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(c.SecretEnv))
}

// CalcAPIConfig describes the remote premium calculation service.
type CalcAPIConfig struct {
	BaseURL        string               `yaml:"base_url" env:"BASE_URL"`
	Timeout        time.Duration        `yaml:"timeout" env:"TIMEOUT"`
	SpecFile       string               `yaml:"spec_file" env:"SPEC_FILE"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" envPrefix:"RETRY_"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig describes retry settings. MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// SessionConfig describes quotation session persistence.
type SessionConfig struct {
	Driver           string        `yaml:"driver" env:"DRIVER"`
	DSNEnv           string        `yaml:"dsn_env" env:"DSN_ENV"`
	AddrEnv          string        `yaml:"addr_env" env:"ADDR_ENV"`
	DB               int           `yaml:"db"`
	MaxConns         int32         `yaml:"max_conns"`
	TTL              time.Duration `yaml:"ttl" env:"TTL"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ComputingTimeout time.Duration `yaml:"computing_timeout"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled" env:"ENABLED"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// EventsConfig describes publication of session events to Kafka.
type EventsConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Brokers      []string      `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic        string        `yaml:"topic" env:"TOPIC"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL"`
	Tracing  TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled" env:"ENABLED"`
	Exporter          string  `yaml:"exporter" env:"EXPORTER"`
	Endpoint          string  `yaml:"endpoint" env:"ENDPOINT"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
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
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Tenant-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "QUOTEDESK_JWT_SECRET",
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		CalcAPI: CalcAPIConfig{
			Timeout: 20 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       1,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Session: SessionConfig{
			Driver:           "memory",
			MaxConns:         10,
			TTL:              8 * time.Hour,
			SweepInterval:    5 * time.Minute,
			ComputingTimeout: 2 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Events: EventsConfig{
			Topic:        "quotedesk.session-events",
			BatchTimeout: 50 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
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

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with QUOTEDESK_* environment variables. Unset
// variables leave the file value in place.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

var (
	sessionDrivers     = map[string]bool{"memory": true, "redis": true, "postgres": true}
	idempotencyDrivers = map[string]bool{"memory": true, "redis": true}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.secret_env is required")
	}
	if c.CalcAPI.BaseURL == "" {
		errs = append(errs, "calc_api.base_url is required")
	}
	if c.CalcAPI.Retry.MaxAttempts < 1 {
		errs = append(errs, "calc_api.retry.max_attempts must be at least 1")
	}
	if !sessionDrivers[c.Session.Driver] {
		errs = append(errs, fmt.Sprintf("session.driver %q is not one of memory, redis, postgres", c.Session.Driver))
	}
	if c.Session.Driver == "postgres" && c.Session.DSNEnv == "" {
		errs = append(errs, "session.dsn_env is required for the postgres driver")
	}
	if c.Session.Driver == "redis" && c.Session.AddrEnv == "" {
		errs = append(errs, "session.addr_env is required for the redis driver")
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Idempotency.Enabled && !idempotencyDrivers[c.Idempotency.Store.Driver] {
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver))
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, "events.brokers is required when events are enabled")
		}
		if c.Events.Topic == "" {
			errs = append(errs, "events.topic is required when events are enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
