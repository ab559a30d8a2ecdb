// Package telemetry provides OpenTelemetry tracing for the target and
// the anonymous usage ping. Spans cover the two expensive stages of a
// flush, serializing and posting, and export to OTLP or stdout.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/ackarapazar/target-stitch"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Exporter: "stdout",
		Endpoint: "localhost:4317",
		Insecure: true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes target-specific
// span helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Noop returns a provider that records nothing. Used by tests and by
// sinks constructed without telemetry.
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		// The state stream owns stdout; spans go to stderr.
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(stderrWriter{}))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return Noop(), nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("target-stitch"),
			semconv.ServiceVersion(Version),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(tracerName)}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the target tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for flush stages ---

// StartFlush creates a span covering one whole batch flush.
func (p *Provider) StartFlush(ctx context.Context, stream string, messageCount int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "target.flush",
		trace.WithAttributes(
			attribute.String("target.stream", stream),
			attribute.Int("target.message_count", messageCount),
		),
	)
}

// StartSerialize creates a span for the serializing stage.
func (p *Provider) StartSerialize(ctx context.Context, messageCount int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "target.serialize",
		trace.WithAttributes(attribute.Int("target.message_count", messageCount)),
	)
}

// StartPost creates a span for submitting one request body.
func (p *Provider) StartPost(ctx context.Context, bodyBytes int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "target.post",
		trace.WithAttributes(attribute.Int("target.body_bytes", bodyBytes)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
