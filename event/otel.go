package event

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelBridge turns bus events into OpenTelemetry spans. Each event becomes
// a point-in-time span named after the event type, carrying the identity
// tuple and data payload as attributes.
//
// Attach to a bus the same way as Log:
//
//	tracer := otel.Tracer("hive")
//	bridge := event.NewOTelBridge(tracer)
//	sub := bridge.Observe(bus)
type OTelBridge struct {
	tracer trace.Tracer
}

// NewOTelBridge creates a bridge emitting spans through the given tracer.
func NewOTelBridge(tracer trace.Tracer) *OTelBridge {
	return &OTelBridge{tracer: tracer}
}

// Observe attaches the bridge to a session bus. The returned subscription
// should be passed to Unsubscribe when the session stops.
func (o *OTelBridge) Observe(bus Bus) *Subscription {
	return bus.SubscribeFunc(Filter{}, o.Handle)
}

// Handle records one event as an immediately-ended span.
func (o *OTelBridge) Handle(e AgentEvent) {
	_, span := o.tracer.Start(context.Background(), string(e.Type),
		trace.WithTimestamp(e.Timestamp))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("hive.stream_id", e.StreamID),
		attribute.String("hive.node_id", e.NodeID),
		attribute.String("hive.execution_id", e.ExecutionID),
		attribute.String("hive.graph_id", e.GraphID),
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, attribute.String("hive.correlation_id", e.CorrelationID))
	}
	for k, v := range e.Data {
		attrs = append(attrs, dataAttribute("hive.data."+k, v))
	}
	span.SetAttributes(attrs...)

	if msg, ok := e.Data["error"].(string); ok && msg != "" {
		span.SetStatus(codes.Error, msg)
	}
}

// dataAttribute converts an arbitrary payload value to a span attribute,
// preserving primitive types and stringifying the rest.
func dataAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, stringify(val))
	}
}

func stringify(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	return string(data)
}
