package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "ledger.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateLedger(&cfg.Ledger)...)
	errs = append(errs, validatePricing(&cfg.Pricing)...)
	errs = append(errs, validateUsage(&cfg.Usage)...)
	errs = append(errs, validateReplay(&cfg.Replay)...)
	errs = append(errs, validateAttribution(&cfg.Attribution)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

var validBackends = map[string]bool{"sqlite": true, "memory": true}

func validateBackend(field, backend, path string) []FieldError {
	var errs []FieldError
	if !validBackends[backend] {
		errs = append(errs, FieldError{
			Field:   field + ".backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'sqlite' or 'memory'", backend),
		})
	}
	if backend == "sqlite" && path == "" {
		errs = append(errs, FieldError{
			Field:   field + ".sqlite_path",
			Message: "SQLite path is required when backend is 'sqlite'",
		})
	}
	return errs
}

// validateLedger validates ledger configuration.
func validateLedger(cfg *LedgerConfig) []FieldError {
	var errs []FieldError

	if !validBackends[cfg.Backend] {
		errs = append(errs, FieldError{
			Field:   "ledger.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'sqlite' or 'memory'", cfg.Backend),
		})
	}

	switch cfg.Stream {
	case "execution", "component":
	case "single":
		if cfg.StreamName == "" {
			errs = append(errs, FieldError{
				Field:   "ledger.stream_name",
				Message: "stream name is required when stream is 'single'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "ledger.stream",
			Message: fmt.Sprintf("invalid stream %q: must be 'execution', 'component', or 'single'", cfg.Stream),
		})
	}

	if cfg.Backend == "sqlite" {
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "ledger.sqlite.path",
				Message: "SQLite path is required when backend is 'sqlite'",
			})
		}
		if cfg.SQLite.MaxOpenConns < 1 {
			errs = append(errs, FieldError{
				Field:   "ledger.sqlite.max_open_conns",
				Message: "max open connections must be at least 1",
			})
		}
		if cfg.SQLite.MaxIdleConns < 0 || cfg.SQLite.MaxIdleConns > cfg.SQLite.MaxOpenConns {
			errs = append(errs, FieldError{
				Field:   "ledger.sqlite.max_idle_conns",
				Message: "max idle connections must be between 0 and max_open_conns",
			})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{
				Field:   "ledger.sqlite.busy_timeout",
				Message: "busy timeout must be non-negative",
			})
		}
	}

	return errs
}

// validatePricing validates pricing registry configuration.
func validatePricing(cfg *PricingConfig) []FieldError {
	errs := validateBackend("pricing", cfg.Backend, cfg.SQLitePath)

	if cfg.Watch && cfg.Path == "" {
		errs = append(errs, FieldError{
			Field:   "pricing.path",
			Message: "path is required when watch is enabled",
		})
	}
	if cfg.WatchDebounce < 0 {
		errs = append(errs, FieldError{
			Field:   "pricing.watch_debounce",
			Message: "watch debounce must be non-negative",
		})
	}
	for code, places := range cfg.Currencies {
		if len(code) != 3 || strings.ToUpper(code) != code {
			errs = append(errs, FieldError{
				Field:   "pricing.currencies." + code,
				Message: "currency must be a three-letter upper-case ISO 4217 code",
			})
		}
		if places < 0 || places > 8 {
			errs = append(errs, FieldError{
				Field:   "pricing.currencies." + code,
				Message: fmt.Sprintf("minor units must be between 0 and 8, got %d", places),
			})
		}
	}

	return errs
}

// validateUsage validates usage store configuration.
func validateUsage(cfg *UsageConfig) []FieldError {
	errs := validateBackend("usage", cfg.Backend, cfg.SQLitePath)
	if cfg.BusyTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "usage.busy_timeout",
			Message: "busy timeout must be non-negative",
		})
	}
	return errs
}

// validateReplay validates replay configuration.
func validateReplay(cfg *ReplayConfig) []FieldError {
	var errs []FieldError
	if cfg.Workers < 0 {
		errs = append(errs, FieldError{
			Field:   "replay.workers",
			Message: "workers must be non-negative",
		})
	}
	return errs
}

// validateAttribution validates ingest pipeline configuration.
func validateAttribution(cfg *AttributionConfig) []FieldError {
	var errs []FieldError
	if cfg.MaxRetries < 0 {
		errs = append(errs, FieldError{
			Field:   "attribution.max_retries",
			Message: "max retries must be non-negative",
		})
	}
	if cfg.InitialBackoff < 0 {
		errs = append(errs, FieldError{
			Field:   "attribution.initial_backoff",
			Message: "initial backoff must be non-negative",
		})
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		errs = append(errs, FieldError{
			Field:   "attribution.max_backoff",
			Message: "max backoff must not be less than initial backoff",
		})
	}
	return errs
}

// validateAudit validates audit scheduler configuration.
func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "audit.schedule",
			Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.Schedule, err),
		})
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, FieldError{
			Field:   "audit.timeout",
			Message: "timeout must be positive",
		})
	}

	return errs
}

// validateTelemetry validates telemetry configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "telemetry.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: %v", cfg.ListenAddress, err),
		})
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled {
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.path",
				Message: "metrics path must start with '/'",
			})
		}
		if cfg.Metrics.Namespace == "" {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.namespace",
				Message: "metrics namespace is required",
			})
		}
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.endpoint",
				Message: "endpoint is required when tracing is enabled",
			})
		}
		validSamplers := map[string]bool{"always": true, "never": true, "ratio": true}
		if !validSamplers[cfg.Tracing.Sampler] {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
			})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sample_ratio",
				Message: "sample ratio must be between 0.0 and 1.0",
			})
		}
	}

	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.liveness_path",
			Message: "health path must start with '/'",
		})
	}
	if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.readiness_path",
			Message: "health path must start with '/'",
		})
	}

	return errs
}
