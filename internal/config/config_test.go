package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.HandlerTimeout != 25*time.Second {
		t.Errorf("Server.HandlerTimeout = %v, want default 25s", cfg.Server.HandlerTimeout)
	}
	if cfg.Identity.Audience != "quotedesk" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.CalcAPI.BaseURL != "https://rating.internal/api" {
		t.Errorf("CalcAPI.BaseURL = %q", cfg.CalcAPI.BaseURL)
	}
	if cfg.CalcAPI.Timeout != 10*time.Second {
		t.Errorf("CalcAPI.Timeout = %v, want 10s", cfg.CalcAPI.Timeout)
	}
	if cfg.CalcAPI.Retry.MaxAttempts != 2 {
		t.Errorf("CalcAPI.Retry.MaxAttempts = %d, want 2", cfg.CalcAPI.Retry.MaxAttempts)
	}
	if cfg.Session.Driver != "redis" || cfg.Session.TTL != 4*time.Hour {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Session.ComputingTimeout != 2*time.Minute {
		t.Errorf("Session.ComputingTimeout = %v, want default 2m", cfg.Session.ComputingTimeout)
	}
	if !cfg.Events.Enabled || len(cfg.Events.Brokers) != 2 {
		t.Errorf("Events = %+v", cfg.Events)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_calc_api(t *testing.T) {
	_, err := Load("testdata/missing_calc_api.yaml")
	if err == nil {
		t.Fatal("Load() without calc_api.base_url should return error")
	}
	if !strings.Contains(err.Error(), "calc_api.base_url") {
		t.Errorf("error = %v, want mention of calc_api.base_url", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.CalcAPI.Retry.MaxAttempts != 1 {
		t.Errorf("default Retry.MaxAttempts = %d, want 1 (no retry)", cfg.CalcAPI.Retry.MaxAttempts)
	}
	if cfg.Session.Driver != "memory" {
		t.Errorf("default Session.Driver = %q, want memory", cfg.Session.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUOTEDESK_SERVER_PORT", "3000")
	t.Setenv("QUOTEDESK_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("QUOTEDESK_CALC_API_BASE_URL", "http://localhost:7000/api")
	t.Setenv("QUOTEDESK_CALC_API_TIMEOUT", "3s")
	t.Setenv("QUOTEDESK_SESSION_DRIVER", "memory")
	t.Setenv("QUOTEDESK_EVENTS_BROKERS", "a:9092,b:9092,c:9092")
	t.Setenv("QUOTEDESK_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.CalcAPI.BaseURL != "http://localhost:7000/api" {
		t.Errorf("CalcAPI.BaseURL = %q, want env override", cfg.CalcAPI.BaseURL)
	}
	if cfg.CalcAPI.Timeout != 3*time.Second {
		t.Errorf("CalcAPI.Timeout = %v, want 3s", cfg.CalcAPI.Timeout)
	}
	if cfg.Session.Driver != "memory" {
		t.Errorf("Session.Driver = %q, want memory", cfg.Session.Driver)
	}
	if len(cfg.Events.Brokers) != 3 {
		t.Errorf("Events.Brokers = %v, want 3 entries", cfg.Events.Brokers)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	// Untouched by env.
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q, want file value", cfg.Identity.Issuer)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.CalcAPI.BaseURL = "https://rating.internal/api"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults plus base url", mutate: func(*Config) {}},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "unknown session driver", mutate: func(c *Config) { c.Session.Driver = "mongo" }, wantErr: "session.driver"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Session.Driver = "postgres" }, wantErr: "session.dsn_env"},
		{name: "zero retry attempts", mutate: func(c *Config) { c.CalcAPI.Retry.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "events without brokers", mutate: func(c *Config) { c.Events.Enabled = true }, wantErr: "events.brokers"},
		{
			name: "idempotency bad driver",
			mutate: func(c *Config) {
				c.Idempotency.Enabled = true
				c.Idempotency.Store.Driver = "postgres"
			},
			wantErr: "idempotency.store.driver",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestIdentityConfig_Secret(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "s3cret")
	c := IdentityConfig{SecretEnv: "TEST_JWT_SECRET"}
	if got := string(c.Secret()); got != "s3cret" {
		t.Errorf("Secret() = %q, want s3cret", got)
	}
	if (IdentityConfig{}).Secret() != nil {
		t.Error("Secret() with no env name should be nil")
	}
}
