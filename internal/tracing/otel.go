package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// pipeline holds the tracer provider installed by InitOpenTelemetry. Spans
// started before it is installed go to the no-op global provider.
var pipeline struct {
	once sync.Once
	mu   sync.Mutex
	tp   *sdktrace.TracerProvider
	err  error
}

// InitOpenTelemetry installs the process tracer provider for the ingestion
// pipeline. Only the first call has an effect. A sampleRatio outside (0, 1]
// samples every trace; child spans follow their parent's decision so a job
// is traced as a whole or not at all.
func InitOpenTelemetry(serviceName, version string, sampleRatio float64) error {
	pipeline.once.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
			),
		)
		if err != nil {
			pipeline.err = err
			return
		}

		if sampleRatio <= 0 || sampleRatio > 1 {
			sampleRatio = 1
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		)

		pipeline.mu.Lock()
		pipeline.tp = tp
		pipeline.mu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return pipeline.err
}

// ShutdownOpenTelemetry flushes pending spans and stops the provider. It is
// a no-op when tracing was never initialized.
func ShutdownOpenTelemetry(ctx context.Context) error {
	pipeline.mu.Lock()
	tp := pipeline.tp
	pipeline.mu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the named tracer. The span's trace id becomes
// the context trace id unless one is already set, so log lines written
// under the returned context carry it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

// FailSpan records err on span and marks it failed with a short reason
func FailSpan(span trace.Span, err error, reason string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
}
