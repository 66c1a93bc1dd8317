package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Context keys for common log fields.
type contextKey string

const (
	// ExecutionIDKey is the context key for execution ids.
	ExecutionIDKey contextKey = "execution_id"

	// StreamKey is the context key for ledger stream names.
	StreamKey contextKey = "stream"

	// SourceKey is the context key for usage source names.
	SourceKey contextKey = "source"
)

// WithExecutionID adds an execution id to the context.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// GetExecutionID retrieves the execution id from the context.
func GetExecutionID(ctx context.Context) string {
	if id, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithStream adds a ledger stream name to the context.
func WithStream(ctx context.Context, stream string) context.Context {
	return context.WithValue(ctx, StreamKey, stream)
}

// GetStream retrieves the ledger stream name from the context.
func GetStream(ctx context.Context) string {
	if stream, ok := ctx.Value(StreamKey).(string); ok {
		return stream
	}
	return ""
}

// WithSource adds a usage source name to the context.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

// GetSource retrieves the usage source name from the context.
func GetSource(ctx context.Context) string {
	if source, ok := ctx.Value(SourceKey).(string); ok {
		return source
	}
	return ""
}

// contextAttrs extracts the log fields carried by ctx, including the ids
// of the active span.
func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr

	if id := GetExecutionID(ctx); id != "" {
		attrs = append(attrs, slog.String("execution_id", id))
	}
	if stream := GetStream(ctx); stream != "" {
		attrs = append(attrs, slog.String("stream", stream))
	}
	if source := GetSource(ctx); source != "" {
		attrs = append(attrs, slog.String("source", source))
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return attrs
}
