package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "TALLY_"

// LoadConfig loads configuration from a YAML file at the specified path.
// The file is overlaid on the defaults, then validated.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention TALLY_SECTION_FIELD (e.g., TALLY_LEDGER_BACKEND).
// Environment variables always take precedence over file-based configuration.
//
// An empty path loads the defaults, so the CLI runs without a config file.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = NewDefaultConfig()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		cfg, err = parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// envOverride reads one variable; malformed values are collected as field errors.
type envOverride struct {
	errs []FieldError
}

func (o *envOverride) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (o *envOverride) fail(name, val, kind string) {
	o.errs = append(o.errs, FieldError{
		Field:   EnvPrefix + name,
		Message: fmt.Sprintf("invalid %s %q", kind, val),
	})
}

func (o *envOverride) str(name string, dst *string) {
	if val, ok := o.lookup(name); ok {
		*dst = val
	}
}

func (o *envOverride) boolean(name string, dst *bool) {
	if val, ok := o.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			o.fail(name, val, "boolean")
			return
		}
		*dst = b
	}
}

func (o *envOverride) integer(name string, dst *int) {
	if val, ok := o.lookup(name); ok {
		i, err := strconv.Atoi(val)
		if err != nil {
			o.fail(name, val, "integer")
			return
		}
		*dst = i
	}
}

func (o *envOverride) float(name string, dst *float64) {
	if val, ok := o.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			o.fail(name, val, "number")
			return
		}
		*dst = f
	}
}

func (o *envOverride) duration(name string, dst *time.Duration) {
	if val, ok := o.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			o.fail(name, val, "duration")
			return
		}
		*dst = d
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables use the format TALLY_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) error {
	o := &envOverride{}

	// Ledger overrides
	o.str("LEDGER_BACKEND", &cfg.Ledger.Backend)
	o.str("LEDGER_STREAM", &cfg.Ledger.Stream)
	o.str("LEDGER_STREAM_NAME", &cfg.Ledger.StreamName)
	o.str("LEDGER_SQLITE_PATH", &cfg.Ledger.SQLite.Path)
	o.integer("LEDGER_SQLITE_MAX_OPEN_CONNS", &cfg.Ledger.SQLite.MaxOpenConns)
	o.integer("LEDGER_SQLITE_MAX_IDLE_CONNS", &cfg.Ledger.SQLite.MaxIdleConns)
	o.boolean("LEDGER_SQLITE_WAL_MODE", &cfg.Ledger.SQLite.WALMode)
	o.duration("LEDGER_SQLITE_BUSY_TIMEOUT", &cfg.Ledger.SQLite.BusyTimeout)

	// Pricing overrides
	o.str("PRICING_BACKEND", &cfg.Pricing.Backend)
	o.str("PRICING_SQLITE_PATH", &cfg.Pricing.SQLitePath)
	o.str("PRICING_PATH", &cfg.Pricing.Path)
	o.boolean("PRICING_WATCH", &cfg.Pricing.Watch)
	o.duration("PRICING_WATCH_DEBOUNCE", &cfg.Pricing.WatchDebounce)

	// Usage overrides
	o.str("USAGE_BACKEND", &cfg.Usage.Backend)
	o.str("USAGE_SQLITE_PATH", &cfg.Usage.SQLitePath)
	o.duration("USAGE_BUSY_TIMEOUT", &cfg.Usage.BusyTimeout)

	// Replay overrides
	o.integer("REPLAY_WORKERS", &cfg.Replay.Workers)

	// Attribution overrides
	o.integer("ATTRIBUTION_MAX_RETRIES", &cfg.Attribution.MaxRetries)
	o.duration("ATTRIBUTION_INITIAL_BACKOFF", &cfg.Attribution.InitialBackoff)
	o.duration("ATTRIBUTION_MAX_BACKOFF", &cfg.Attribution.MaxBackoff)

	// Audit overrides
	o.boolean("AUDIT_ENABLED", &cfg.Audit.Enabled)
	o.str("AUDIT_SCHEDULE", &cfg.Audit.Schedule)
	o.boolean("AUDIT_REPLAY", &cfg.Audit.Replay)
	o.duration("AUDIT_TIMEOUT", &cfg.Audit.Timeout)

	// Telemetry overrides
	o.str("TELEMETRY_LISTEN_ADDRESS", &cfg.Telemetry.ListenAddress)
	o.str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	o.str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	o.boolean("TELEMETRY_LOGGING_ADD_SOURCE", &cfg.Telemetry.Logging.AddSource)
	o.boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	o.str("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	o.str("TELEMETRY_METRICS_NAMESPACE", &cfg.Telemetry.Metrics.Namespace)
	o.boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	o.str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	o.str("TELEMETRY_TRACING_SERVICE_NAME", &cfg.Telemetry.Tracing.ServiceName)
	o.str("TELEMETRY_TRACING_SAMPLER", &cfg.Telemetry.Tracing.Sampler)
	o.float("TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)
	o.boolean("TELEMETRY_TRACING_INSECURE", &cfg.Telemetry.Tracing.Insecure)
	o.duration("TELEMETRY_TRACING_TIMEOUT", &cfg.Telemetry.Tracing.Timeout)

	if len(o.errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", ValidationError{Errors: o.errs})
	}
	return nil
}
