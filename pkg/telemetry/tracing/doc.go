// Package tracing configures OpenTelemetry tracing for tally.
//
// # Overview
//
// New installs a global tracer provider that exports spans to an OTLP gRPC
// collector. The ledger, attribution and replay packages create their spans
// through otel.Tracer, so they pick up the provider without holding a
// reference to it. When tracing is disabled a noop tracer is returned and
// those packages emit nothing.
//
// # Spans
//
//   - attribution.Ingest, attribution.Correct: one per source or correction
//   - ledger.Append, ledger.VerifyChain: one per chain operation
//   - replay.Replay: one per replayed execution
//   - audit.Run: one per audit run
//
// # Sampling
//
// Three sampling strategies are supported:
//   - always: Sample all traces
//   - never: Sample no traces
//   - ratio: Sample a fraction of traces by trace id
//
// Every strategy is parent-based.
//
// # Usage
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "ingest")
//	defer span.End()
package tracing
