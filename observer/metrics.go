package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	bub "github.com/bublab/bub"
)

var _ bub.Metrics = (*Instruments)(nil)

// BusDelivered adds one count per recipient of a routed message.
func (i *Instruments) BusDelivered(ctx context.Context, topic string, recipients int) {
	i.busDeliveries.Add(ctx, int64(recipients),
		metric.WithAttributes(attribute.String("topic", topic)))
}

// BusDropped counts a delivery evicted from a full write queue.
func (i *Instruments) BusDropped(ctx context.Context, topic string) {
	i.busDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)))
}

// TurnCompleted records one finished turn: the turn counter tagged with
// its outcome, the step counter, and token usage split by direction.
func (i *Instruments) TurnCompleted(ctx context.Context, steps int, usage bub.Usage, errTag string) {
	outcome := "ok"
	if errTag != "" {
		outcome = errTag
	}
	i.loopTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	i.loopSteps.Add(ctx, int64(steps))
	i.tokenUsage.Add(ctx, int64(usage.InputTokens),
		metric.WithAttributes(attribute.String("direction", "input")))
	i.tokenUsage.Add(ctx, int64(usage.OutputTokens),
		metric.WithAttributes(attribute.String("direction", "output")))
}

// ModelCall records one provider round trip's latency.
func (i *Instruments) ModelCall(ctx context.Context, provider string, elapsed time.Duration) {
	i.modelDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
}

// ToolExecution counts one tool invocation and records its latency.
func (i *Instruments) ToolExecution(ctx context.Context, tool string, elapsed time.Duration, failed bool) {
	i.toolExecutions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.Bool("failed", failed)))
	i.toolDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)))
}
