package bub

import (
	"context"
	"time"
)

// Tracer creates spans for tracing bus publishes, tape appends, and
// model-loop iterations. The observer package provides an OTEL-backed
// implementation via NewTracer(). A nil Tracer disables tracing.
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation. Callers must call End() exactly
// once when the operation completes.
type Span interface {
	// SetAttr adds attributes to the span after creation.
	SetAttr(attrs ...SpanAttr)
	// Event records a named event (annotation) on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records an error on the span and marks it as failed.
	Error(err error)
	// End completes the span.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// BoolAttr creates a bool-typed span attribute.
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Metrics receives runtime counters from the bus and the loop: message
// deliveries and drops, completed turns, model and tool latencies, and
// token usage. Implementations must be safe for concurrent use.
type Metrics interface {
	// BusDelivered records a routed message and how many subscribers
	// received it.
	BusDelivered(ctx context.Context, topic string, recipients int)
	// BusDropped records a message evicted from a slow subscriber's
	// write queue.
	BusDropped(ctx context.Context, topic string)
	// TurnCompleted records a finished loop turn with its step count,
	// accumulated token usage, and terminal error tag ("" on success).
	TurnCompleted(ctx context.Context, steps int, usage Usage, errTag string)
	// ModelCall records the latency of one provider round trip.
	ModelCall(ctx context.Context, provider string, elapsed time.Duration)
	// ToolExecution records one tool invocation and whether it failed.
	ToolExecution(ctx context.Context, tool string, elapsed time.Duration, failed bool)
}
