package config

import "time"

// Config is the root configuration structure for Tally.
// It contains all configuration sections for the attribution engine.
type Config struct {
	// Ledger configures the append-only cost ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Pricing configures the pricing model registry.
	Pricing PricingConfig `yaml:"pricing"`

	// Usage configures retention of raw usage records.
	Usage UsageConfig `yaml:"usage"`

	// Replay configures the replay engine.
	Replay ReplayConfig `yaml:"replay"`

	// Attribution configures the ingest pipeline.
	Attribution AttributionConfig `yaml:"attribution"`

	// Audit configures scheduled chain verification.
	Audit AuditConfig `yaml:"audit"`

	// Telemetry configures logging, metrics, tracing and health checks.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LedgerConfig contains configuration for the cost ledger.
type LedgerConfig struct {
	// Backend specifies the storage backend.
	// Valid values: "sqlite", "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// Stream selects how events are partitioned into hash chains.
	// Valid values: "execution", "component", "single"
	// Default: "execution"
	Stream string `yaml:"stream"`

	// StreamName is the chain name used when Stream is "single".
	// Default: "ledger"
	StreamName string `yaml:"stream_name"`

	// SQLite contains SQLite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file.
	// Default: "tally-ledger.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open database connections.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle database connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PricingConfig contains configuration for the pricing registry.
type PricingConfig struct {
	// Backend specifies where published versions are persisted.
	// Valid values: "sqlite", "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLitePath is the pricing table database file.
	// Default: "tally-pricing.db"
	SQLitePath string `yaml:"sqlite_path"`

	// Path is a pricing document or a directory of documents published
	// wholesale at startup. Optional.
	Path string `yaml:"path"`

	// Watch publishes documents added under Path while serving.
	// Default: false
	Watch bool `yaml:"watch"`

	// WatchDebounce delays publishing after a change is detected.
	// Default: 100ms
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// Currencies overrides the minor-unit table, e.g. {"JPY": 0}.
	Currencies map[string]int32 `yaml:"currencies"`
}

// UsageConfig contains configuration for the usage record store.
type UsageConfig struct {
	// Backend specifies the storage backend.
	// Valid values: "sqlite", "memory"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLitePath is the usage record database file.
	// Default: "tally-usage.db"
	SQLitePath string `yaml:"sqlite_path"`

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ReplayConfig contains configuration for the replay engine.
type ReplayConfig struct {
	// Workers bounds how many executions are replayed in parallel.
	// Zero uses GOMAXPROCS.
	// Default: 0
	Workers int `yaml:"workers"`
}

// AttributionConfig contains configuration for the ingest pipeline.
type AttributionConfig struct {
	// MaxRetries is the number of append retries after a ledger write error.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the wait before the first retry.
	// Default: 50ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential backoff.
	// Default: 1s
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// AuditConfig contains configuration for scheduled verification.
type AuditConfig struct {
	// Enabled turns on the audit scheduler in "tally serve".
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression for audit runs.
	// Default: "0 * * * *" (hourly)
	Schedule string `yaml:"schedule"`

	// Replay also replays every execution against its original pricing.
	// Default: false
	Replay bool `yaml:"replay"`

	// Timeout bounds one audit run.
	// Default: 10m
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// ListenAddress is the address "tally serve" binds for metrics and health.
	// Default: "127.0.0.1:9090"
	ListenAddress string `yaml:"listen_address"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains Prometheus metrics configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains OpenTelemetry tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level.
	// Valid values: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the log output format.
	// Valid values: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource adds file and line to each log record.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether metrics are collected and exposed.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the Prometheus metric namespace.
	// Default: "tally"
	Namespace string `yaml:"namespace"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	// Enabled determines whether tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// ServiceName identifies this process in traces.
	// Default: "tally"
	ServiceName string `yaml:"service_name"`

	// Sampler selects the sampling strategy.
	// Valid values: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces sampled when Sampler is "ratio".
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Insecure disables TLS to the collector.
	// Default: false
	Insecure bool `yaml:"insecure"`

	// Timeout bounds exports to the collector.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains health check configuration.
type HealthConfig struct {
	// LivenessPath is the HTTP path of the liveness probe.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the HTTP path of the readiness probe.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// CheckTimeout bounds each readiness check.
	// Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}
