// Package observer provides OTEL-based observability for the bus and
// the agent runtime.
//
// It configures trace and metric providers with OTLP HTTP exporters and
// hands out the instruments the runtime records into. Users export to
// any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/bublab/bub/observer"

// Instruments holds the OTEL instruments the runtime records into. It
// implements [bub.Metrics]; the bus and the loop record through that
// interface rather than touching the instruments directly.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	busDeliveries  metric.Int64Counter
	busDropped     metric.Int64Counter
	loopTurns      metric.Int64Counter
	loopSteps      metric.Int64Counter
	tokenUsage     metric.Int64Counter
	toolExecutions metric.Int64Counter

	// Histograms
	modelDuration metric.Float64Histogram
	toolDuration  metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function
// that must be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "bub"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	busDeliveries, err := meter.Int64Counter("bus.deliveries",
		metric.WithDescription("Messages delivered to subscribers"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	busDropped, err := meter.Int64Counter("bus.deliveries.dropped",
		metric.WithDescription("Deliveries dropped by full write queues"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	loopTurns, err := meter.Int64Counter("loop.turns",
		metric.WithDescription("Completed model turns"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}
	loopSteps, err := meter.Int64Counter("loop.steps",
		metric.WithDescription("Model calls across all turns"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	toolExecs, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool call executions"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	modelDur, err := meter.Float64Histogram("llm.request.duration",
		metric.WithDescription("Model call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	toolDur, err := meter.Float64Histogram("tool.execution.duration",
		metric.WithDescription("Tool execution latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         otel.Tracer(scopeName),
		Meter:          meter,
		busDeliveries:  busDeliveries,
		busDropped:     busDropped,
		loopTurns:      loopTurns,
		loopSteps:      loopSteps,
		tokenUsage:     tokenUsage,
		toolExecutions: toolExecs,
		modelDuration:  modelDur,
		toolDuration:   toolDur,
	}, nil
}
