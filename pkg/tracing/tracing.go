// Package tracing sets up OpenTelemetry with a Jaeger exporter and names the spans
// of the capture and upload pipeline.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rillcap"

// TracerProvider owns the SDK provider; the zero value is a disabled provider.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	// InstanceID tells worker instances (or capture agents) apart in the same trace.
	InstanceID  string
	Version     string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "rillcap",
		Version:     "dev",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs the global tracer provider and propagator. Child spans follow
// their parent's sampling decision; roots are sampled at SampleRate.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(version),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(cfg.InstanceID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	SessionIDKey = attribute.Key("session.id")
	SegmentIDKey = attribute.Key("segment.id")
	RemoteIDKey  = attribute.Key("segment.remote_id")
	AttemptKey   = attribute.Key("upload.attempt")
	BytesKey     = attribute.Key("upload.bytes")
	WorkerIDKey  = attribute.Key("worker.id")
	UploadedKey  = attribute.Key("drain.uploaded")
	FailedKey    = attribute.Key("drain.failed")
	RequeuedKey  = attribute.Key("drain.requeued")
)

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceWorkerMessage covers the handling of one message a tab sent over the worker channel.
func TraceWorkerMessage(ctx context.Context, messageType, connID, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("worker.%s", messageType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("worker.message_type", messageType),
			attribute.String("worker.conn_id", connID),
			SessionIDKey.String(sessionID),
		),
	)
}

// TraceUploadAttempt covers one presign + PUT of a segment.
func TraceUploadAttempt(ctx context.Context, sessionID, segmentID string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "upload.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			SessionIDKey.String(sessionID),
			SegmentIDKey.String(segmentID),
			AttemptKey.Int(attempt),
		),
	)
}

// TraceDrain covers one pass over the claimable segments.
func TraceDrain(ctx context.Context, workerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "upload.drain",
		trace.WithAttributes(WorkerIDKey.String(workerID)),
	)
}
