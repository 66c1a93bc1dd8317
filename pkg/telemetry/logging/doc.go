// Package logging configures log/slog for Tally.
//
// New builds a JSON or text logger from the telemetry.logging section.
// Records logged through a context pick up the fields attached to it:
//
//	ctx = logging.WithExecutionID(ctx, "exec-42")
//	logger.InfoContext(ctx, "Attributed usage record", "record_id", id)
//	// ... "execution_id":"exec-42","record_id":"..."
//
// The trace and span ids of an active OpenTelemetry span are added the
// same way, so log lines can be joined with traces.
//
// Setup installs the logger as the slog default. Components create their
// loggers from slog.Default() with a "component" attribute, so Setup must
// run before they are constructed.
package logging
