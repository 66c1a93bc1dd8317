package logging

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	if got := GetExecutionID(ctx); got != "" {
		t.Errorf("GetExecutionID() on empty context = %q", got)
	}

	ctx = WithExecutionID(ctx, "exec-9")
	ctx = WithStream(ctx, "search")
	ctx = WithSource(ctx, "usage.jsonl")

	if got := GetExecutionID(ctx); got != "exec-9" {
		t.Errorf("GetExecutionID() = %q, want %q", got, "exec-9")
	}
	if got := GetStream(ctx); got != "search" {
		t.Errorf("GetStream() = %q, want %q", got, "search")
	}
	if got := GetSource(ctx); got != "usage.jsonl" {
		t.Errorf("GetSource() = %q, want %q", got, "usage.jsonl")
	}
}

func TestContextAttrs_SpanContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithExecutionID(ctx, "exec-1")

	attrs := contextAttrs(ctx)
	got := make(map[string]string, len(attrs))
	for _, a := range attrs {
		got[a.Key] = a.Value.String()
	}

	if got["execution_id"] != "exec-1" {
		t.Errorf("execution_id = %q", got["execution_id"])
	}
	if got["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace_id = %q", got["trace_id"])
	}
	if got["span_id"] != "00f067aa0ba902b7" {
		t.Errorf("span_id = %q", got["span_id"])
	}
}

func TestContextAttrs_Empty(t *testing.T) {
	if attrs := contextAttrs(context.Background()); len(attrs) != 0 {
		t.Errorf("expected no attributes, got %v", attrs)
	}
}
