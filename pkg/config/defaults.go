package config

import "time"

// Default values for configuration fields.
const (
	// Ledger defaults
	DefaultLedgerBackend            = "sqlite"
	DefaultLedgerStream             = "execution"
	DefaultLedgerStreamName         = "ledger"
	DefaultLedgerSQLitePath         = "tally-ledger.db"
	DefaultLedgerSQLiteMaxOpenConns = 10
	DefaultLedgerSQLiteMaxIdleConns = 5
	DefaultLedgerSQLiteWALMode      = true
	DefaultLedgerSQLiteBusyTimeout  = 5 * time.Second

	// Pricing defaults
	DefaultPricingBackend       = "sqlite"
	DefaultPricingSQLitePath    = "tally-pricing.db"
	DefaultPricingWatch         = false
	DefaultPricingWatchDebounce = 100 * time.Millisecond

	// Usage defaults
	DefaultUsageBackend     = "sqlite"
	DefaultUsageSQLitePath  = "tally-usage.db"
	DefaultUsageBusyTimeout = 5 * time.Second

	// Attribution defaults
	DefaultAttributionMaxRetries     = 3
	DefaultAttributionInitialBackoff = 50 * time.Millisecond
	DefaultAttributionMaxBackoff     = time.Second

	// Audit defaults
	DefaultAuditEnabled  = false
	DefaultAuditSchedule = "0 * * * *"
	DefaultAuditReplay   = false
	DefaultAuditTimeout  = 10 * time.Minute

	// Telemetry defaults
	DefaultTelemetryListenAddress = "127.0.0.1:9090"
	DefaultLoggingLevel           = "info"
	DefaultLoggingFormat          = "json"
	DefaultMetricsEnabled         = true
	DefaultPrometheusPath         = "/metrics"
	DefaultMetricsNamespace       = "tally"
	DefaultTracingEnabled         = false
	DefaultTracingEndpoint        = "localhost:4317"
	DefaultTracingServiceName     = "tally"
	DefaultTracingSampler         = "ratio"
	DefaultTracingSampleRatio     = 0.1
	DefaultTracingTimeout         = 10 * time.Second
	DefaultHealthLivenessPath     = "/health"
	DefaultHealthReadinessPath    = "/ready"
	DefaultHealthCheckTimeout     = 5 * time.Second
)

// NewDefaultConfig returns a configuration with every default applied.
// Loading a file overlays it on this value, so booleans that default to
// true can still be switched off explicitly.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Ledger.SQLite.WALMode = DefaultLedgerSQLiteWALMode
	cfg.Pricing.Watch = DefaultPricingWatch
	cfg.Audit.Enabled = DefaultAuditEnabled
	cfg.Audit.Replay = DefaultAuditReplay
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.Enabled = DefaultTracingEnabled
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Ledger defaults
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = DefaultLedgerBackend
	}
	if cfg.Ledger.Stream == "" {
		cfg.Ledger.Stream = DefaultLedgerStream
	}
	if cfg.Ledger.StreamName == "" {
		cfg.Ledger.StreamName = DefaultLedgerStreamName
	}
	if cfg.Ledger.SQLite.Path == "" {
		cfg.Ledger.SQLite.Path = DefaultLedgerSQLitePath
	}
	if cfg.Ledger.SQLite.MaxOpenConns == 0 {
		cfg.Ledger.SQLite.MaxOpenConns = DefaultLedgerSQLiteMaxOpenConns
	}
	if cfg.Ledger.SQLite.MaxIdleConns == 0 {
		cfg.Ledger.SQLite.MaxIdleConns = DefaultLedgerSQLiteMaxIdleConns
	}
	if cfg.Ledger.SQLite.BusyTimeout == 0 {
		cfg.Ledger.SQLite.BusyTimeout = DefaultLedgerSQLiteBusyTimeout
	}

	// Pricing defaults
	if cfg.Pricing.Backend == "" {
		cfg.Pricing.Backend = DefaultPricingBackend
	}
	if cfg.Pricing.SQLitePath == "" {
		cfg.Pricing.SQLitePath = DefaultPricingSQLitePath
	}
	if cfg.Pricing.WatchDebounce == 0 {
		cfg.Pricing.WatchDebounce = DefaultPricingWatchDebounce
	}

	// Usage defaults
	if cfg.Usage.Backend == "" {
		cfg.Usage.Backend = DefaultUsageBackend
	}
	if cfg.Usage.SQLitePath == "" {
		cfg.Usage.SQLitePath = DefaultUsageSQLitePath
	}
	if cfg.Usage.BusyTimeout == 0 {
		cfg.Usage.BusyTimeout = DefaultUsageBusyTimeout
	}

	// Attribution defaults
	if cfg.Attribution.MaxRetries == 0 {
		cfg.Attribution.MaxRetries = DefaultAttributionMaxRetries
	}
	if cfg.Attribution.InitialBackoff == 0 {
		cfg.Attribution.InitialBackoff = DefaultAttributionInitialBackoff
	}
	if cfg.Attribution.MaxBackoff == 0 {
		cfg.Attribution.MaxBackoff = DefaultAttributionMaxBackoff
	}

	// Audit defaults
	if cfg.Audit.Schedule == "" {
		cfg.Audit.Schedule = DefaultAuditSchedule
	}
	if cfg.Audit.Timeout == 0 {
		cfg.Audit.Timeout = DefaultAuditTimeout
	}

	// Telemetry defaults
	if cfg.Telemetry.ListenAddress == "" {
		cfg.Telemetry.ListenAddress = DefaultTelemetryListenAddress
	}
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultPrometheusPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Tracing.Endpoint == "" {
		cfg.Telemetry.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = DefaultTracingServiceName
	}
	if cfg.Telemetry.Tracing.Sampler == "" {
		cfg.Telemetry.Tracing.Sampler = DefaultTracingSampler
	}
	if cfg.Telemetry.Tracing.SampleRatio == 0 {
		cfg.Telemetry.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if cfg.Telemetry.Tracing.Timeout == 0 {
		cfg.Telemetry.Tracing.Timeout = DefaultTracingTimeout
	}
	if cfg.Telemetry.Health.LivenessPath == "" {
		cfg.Telemetry.Health.LivenessPath = DefaultHealthLivenessPath
	}
	if cfg.Telemetry.Health.ReadinessPath == "" {
		cfg.Telemetry.Health.ReadinessPath = DefaultHealthReadinessPath
	}
	if cfg.Telemetry.Health.CheckTimeout == 0 {
		cfg.Telemetry.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
