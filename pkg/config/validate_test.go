package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation to fail")
	}

	validationErr, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(validationErr.Errors) < 2 {
		t.Errorf("expected multiple errors, got %d", len(validationErr.Errors))
	}
	if !strings.Contains(validationErr.Error(), "validation failed with") {
		t.Errorf("error message should mention multiple errors: %s", validationErr.Error())
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Config)
		errorField string
	}{
		{
			name:       "unknown ledger backend",
			modify:     func(c *Config) { c.Ledger.Backend = "postgres" },
			errorField: "ledger.backend",
		},
		{
			name:       "unknown stream scheme",
			modify:     func(c *Config) { c.Ledger.Stream = "tenant" },
			errorField: "ledger.stream",
		},
		{
			name: "single stream without name",
			modify: func(c *Config) {
				c.Ledger.Stream = "single"
				c.Ledger.StreamName = ""
			},
			errorField: "ledger.stream_name",
		},
		{
			name:       "sqlite ledger without path",
			modify:     func(c *Config) { c.Ledger.SQLite.Path = "" },
			errorField: "ledger.sqlite.path",
		},
		{
			name:       "idle connections above open",
			modify:     func(c *Config) { c.Ledger.SQLite.MaxIdleConns = 50 },
			errorField: "ledger.sqlite.max_idle_conns",
		},
		{
			name:       "pricing sqlite without path",
			modify:     func(c *Config) { c.Pricing.SQLitePath = "" },
			errorField: "pricing.sqlite_path",
		},
		{
			name:       "watch without path",
			modify:     func(c *Config) { c.Pricing.Watch = true },
			errorField: "pricing.path",
		},
		{
			name:       "lower-case currency",
			modify:     func(c *Config) { c.Pricing.Currencies = map[string]int32{"usd": 2} },
			errorField: "pricing.currencies.usd",
		},
		{
			name:       "currency precision out of range",
			modify:     func(c *Config) { c.Pricing.Currencies = map[string]int32{"XAU": 12} },
			errorField: "pricing.currencies.XAU",
		},
		{
			name:       "unknown usage backend",
			modify:     func(c *Config) { c.Usage.Backend = "s3" },
			errorField: "usage.backend",
		},
		{
			name:       "negative workers",
			modify:     func(c *Config) { c.Replay.Workers = -1 },
			errorField: "replay.workers",
		},
		{
			name:       "max backoff below initial",
			modify:     func(c *Config) { c.Attribution.MaxBackoff = time.Millisecond },
			errorField: "attribution.max_backoff",
		},
		{
			name:       "bad cron expression",
			modify:     func(c *Config) { c.Audit.Schedule = "hourly" },
			errorField: "audit.schedule",
		},
		{
			name:       "bad listen address",
			modify:     func(c *Config) { c.Telemetry.ListenAddress = "9090" },
			errorField: "telemetry.listen_address",
		},
		{
			name:       "bad log level",
			modify:     func(c *Config) { c.Telemetry.Logging.Level = "verbose" },
			errorField: "telemetry.logging.level",
		},
		{
			name:       "bad log format",
			modify:     func(c *Config) { c.Telemetry.Logging.Format = "xml" },
			errorField: "telemetry.logging.format",
		},
		{
			name:       "metrics path without slash",
			modify:     func(c *Config) { c.Telemetry.Metrics.Path = "metrics" },
			errorField: "telemetry.metrics.path",
		},
		{
			name: "sample ratio out of range",
			modify: func(c *Config) {
				c.Telemetry.Tracing.Enabled = true
				c.Telemetry.Tracing.SampleRatio = 1.5
			},
			errorField: "telemetry.tracing.sample_ratio",
		},
		{
			name: "unknown sampler",
			modify: func(c *Config) {
				c.Telemetry.Tracing.Enabled = true
				c.Telemetry.Tracing.Sampler = "sometimes"
			},
			errorField: "telemetry.tracing.sampler",
		},
		{
			name:       "readiness path without slash",
			modify:     func(c *Config) { c.Telemetry.Health.ReadinessPath = "ready" },
			errorField: "telemetry.health.readiness_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			errs := err.(ValidationError).Errors

			found := false
			for _, e := range errs {
				if e.Field == tt.errorField {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected error for field %q, got errors: %v", tt.errorField, errs)
			}
		})
	}
}

func TestValidate_MemoryBackendsSkipSQLiteChecks(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Ledger.Backend = "memory"
	cfg.Ledger.SQLite.Path = ""
	cfg.Usage.Backend = "memory"
	cfg.Usage.SQLitePath = ""

	if err := Validate(cfg); err != nil {
		t.Errorf("memory backends should not require sqlite paths: %v", err)
	}
}

func TestValidate_TracingDisabledSkipsChecks(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Telemetry.Tracing.Sampler = "sometimes"

	if err := Validate(cfg); err != nil {
		t.Errorf("disabled tracing should not be validated: %v", err)
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      ValidationError
		contains string
	}{
		{
			name:     "empty errors",
			err:      ValidationError{Errors: []FieldError{}},
			contains: "configuration validation failed",
		},
		{
			name: "single error",
			err: ValidationError{
				Errors: []FieldError{
					{Field: "ledger.backend", Message: "required"},
				},
			},
			contains: "ledger.backend",
		},
		{
			name: "multiple errors",
			err: ValidationError{
				Errors: []FieldError{
					{Field: "ledger.backend", Message: "required"},
					{Field: "audit.schedule", Message: "invalid"},
				},
			},
			contains: "2 errors",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errMsg := tt.err.Error()
			if !strings.Contains(errMsg, tt.contains) {
				t.Errorf("expected error message to contain %q, got: %s", tt.contains, errMsg)
			}
		})
	}
}
