// Package telemetry wires the OpenTelemetry tracer used across both
// binaries, generalized from the teacher's observe package's
// Tracer/StartSpan/Logger trio into a dependency-light form that needs no
// exporter to be useful in a self-hosted workstation: spans still carry
// trace_id/span_id into slog output even when nothing is exporting them
// upstream.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hyper-ai-inc/hyper-backend"

// Tracer returns the package-level tracer, using whichever TracerProvider
// is currently registered globally (InitProvider, or the SDK's no-op
// default if it was never called).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span under the shared tracer. The caller must
// call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Logger returns an slog.Logger enriched with trace_id/span_id from ctx's
// active span, or the default logger unchanged when there is none.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// InitProvider installs a TracerProvider tagged with serviceName as the
// global OTel provider. No span exporter is configured — spans are
// recorded and immediately dropped — since neither binary ships an
// OTLP/Jaeger endpoint to send to; wiring one is a matter of adding
// sdktrace.WithBatcher(exporter) here once an endpoint exists. Returns a
// shutdown function for main()'s defer.
func InitProvider(ctx context.Context, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
