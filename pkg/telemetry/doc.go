// Package telemetry groups the observability packages used by tally.
//
// # Components
//
//   - logging: slog setup with execution, stream and trace context attributes
//   - metrics: Prometheus collectors for ledger, attribution, replay and audit
//   - tracing: OpenTelemetry tracer provider with an OTLP gRPC exporter
//   - health: liveness and readiness endpoints for "tally serve"
//
// Metrics never carry execution or stream labels; both are unbounded.
// Component labels pass through a cardinality limiter.
package telemetry
