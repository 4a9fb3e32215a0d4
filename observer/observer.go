// Package observer provides OTEL-based observability for the memory core.
//
// It wraps the embedding provider with an instrumented version and exposes
// a mnemo.Tracer for the core's ingest/recall/build/feedback spans. Users
// export to any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/mnemo/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	EmbedRequests  metric.Int64Counter
	ItemsCreated   metric.Int64Counter
	ItemsUpdated   metric.Int64Counter
	FeedbackEvents metric.Int64Counter

	// Histograms
	EmbedDuration  metric.Float64Histogram
	IngestDuration metric.Float64Histogram
	RecallDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("mnemo")),
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

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Meter:  meter,
		Logger: global.Logger(scopeName),
	}

	var err error
	if inst.EmbedRequests, err = meter.Int64Counter("mnemo.embed.requests",
		metric.WithDescription("Embedding provider requests")); err != nil {
		return nil, err
	}
	if inst.ItemsCreated, err = meter.Int64Counter("mnemo.items.created",
		metric.WithDescription("Memory items created by ingestion")); err != nil {
		return nil, err
	}
	if inst.ItemsUpdated, err = meter.Int64Counter("mnemo.items.updated",
		metric.WithDescription("Memory items updated by consolidation")); err != nil {
		return nil, err
	}
	if inst.FeedbackEvents, err = meter.Int64Counter("mnemo.feedback.events",
		metric.WithDescription("Feedback signals applied")); err != nil {
		return nil, err
	}
	if inst.EmbedDuration, err = meter.Float64Histogram("mnemo.embed.duration",
		metric.WithDescription("Embedding call duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if inst.IngestDuration, err = meter.Float64Histogram("mnemo.ingest.duration",
		metric.WithDescription("Ingest operation duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if inst.RecallDuration, err = meter.Float64Histogram("mnemo.recall.duration",
		metric.WithDescription("Recall operation duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return inst, nil
}
