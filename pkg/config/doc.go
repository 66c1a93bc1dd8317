// Package config provides configuration management for Tally.
//
// Configuration is read from a YAML file overlaid on defaults, then
// environment variables are applied and the result is validated.
//
//	cfg, err := config.LoadConfigWithEnvOverrides("tally.yaml")
//
// An empty path skips the file, so every command runs without one.
//
// # Environment Variable Overrides
//
// Variables follow the naming convention TALLY_SECTION_FIELD:
//
//   - TALLY_LEDGER_BACKEND overrides ledger.backend
//   - TALLY_PRICING_PATH overrides pricing.path
//   - TALLY_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// A malformed value (a duration that does not parse, say) fails loading
// rather than being ignored.
//
// # Sections
//
//	ledger:
//	  backend: sqlite          # sqlite | memory
//	  stream: execution        # execution | component | single
//	  sqlite:
//	    path: tally-ledger.db
//	pricing:
//	  backend: sqlite
//	  sqlite_path: tally-pricing.db
//	  path: ./pricing          # document or directory published at startup
//	  currencies: {JPY: 0}
//	usage:
//	  backend: sqlite
//	  sqlite_path: tally-usage.db
//	replay:
//	  workers: 8
//	attribution:
//	  max_retries: 3
//	audit:
//	  enabled: true
//	  schedule: "0 * * * *"
//	  replay: true
//	telemetry:
//	  listen_address: 127.0.0.1:9090
//	  logging:
//	    level: info
//	    format: json
//
// Validation collects every problem into a ValidationError:
//
//	configuration validation failed with 2 errors:
//	  - ledger.stream: invalid stream "tenant": must be 'execution', 'component', or 'single'
//	  - audit.schedule: invalid cron expression "hourly": ...
//
// # Singleton
//
// Initialize stores the process-wide configuration once at startup and
// GetConfig returns it. Tests should pass explicit Config values instead.
package config
