package event

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingBridge(t *testing.T) (*OTelBridge, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelBridge(tp.Tracer("test")), exporter
}

func waitSpans(t *testing.T, exporter *tracetest.InMemoryExporter, n int) tracetest.SpanStubs {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if spans := exporter.GetSpans(); len(spans) >= n {
			return spans
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d spans", n)
	return nil
}

func TestOTelBridge_SpanPerEvent(t *testing.T) {
	bridge, exporter := recordingBridge(t)
	bus := NewBus()
	sub := bridge.Observe(bus)
	defer bus.Unsubscribe(sub)

	e := New(TypeToolCallCompleted, map[string]any{
		"tool_name": "http_request",
		"is_error":  false,
		"attempts":  2,
	})
	e.NodeID = "fetch"
	e.ExecutionID = "exec-1"
	e.GraphID = "pipeline"
	bus.Publish(e)

	spans := waitSpans(t, exporter, 1)
	span := spans[0]
	if span.Name != string(TypeToolCallCompleted) {
		t.Errorf("span name = %q, want %q", span.Name, TypeToolCallCompleted)
	}

	attrs := map[string]any{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["hive.node_id"] != "fetch" {
		t.Errorf("node_id = %v, want fetch", attrs["hive.node_id"])
	}
	if attrs["hive.execution_id"] != "exec-1" {
		t.Errorf("execution_id = %v, want exec-1", attrs["hive.execution_id"])
	}
	if attrs["hive.graph_id"] != "pipeline" {
		t.Errorf("graph_id = %v, want pipeline", attrs["hive.graph_id"])
	}
	if attrs["hive.data.tool_name"] != "http_request" {
		t.Errorf("tool_name = %v, want http_request", attrs["hive.data.tool_name"])
	}
	if attrs["hive.data.is_error"] != false {
		t.Errorf("is_error = %v, want false", attrs["hive.data.is_error"])
	}
	if attrs["hive.data.attempts"] != int64(2) {
		t.Errorf("attempts = %v, want 2", attrs["hive.data.attempts"])
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelBridge_ErrorStatus(t *testing.T) {
	bridge, exporter := recordingBridge(t)
	bus := NewBus()
	sub := bridge.Observe(bus)
	defer bus.Unsubscribe(sub)

	bus.Publish(New(TypeExecutionFailed, map[string]any{"error": "node b: visit cap exceeded"}))

	spans := waitSpans(t, exporter, 1)
	if got := spans[0].Status.Code; got != codes.Error {
		t.Errorf("status code = %v, want Error", got)
	}
	if got := spans[0].Status.Description; got != "node b: visit cap exceeded" {
		t.Errorf("status description = %q", got)
	}
}
