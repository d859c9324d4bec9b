package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	tr "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TraceExporter creates the span exporter a tracer provider batches into.
type TraceExporter func(ctx context.Context) (trace.SpanExporter, error)

// ExportHTTP sends spans to an OTLP/HTTP collector.
func ExportHTTP(endpoint string, usehttps bool) TraceExporter {
	return func(ctx context.Context) (trace.SpanExporter, error) {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if !usehttps {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
}

// ExportGRPC sends spans to an OTLP/gRPC collector over a plaintext
// connection.
func ExportGRPC(endpoint string) TraceExporter {
	return func(ctx context.Context) (trace.SpanExporter, error) {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, err
		}
		return otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	}
}

// ExportStdout writes spans to stdout. Debugging only.
func ExportStdout(pretty bool) TraceExporter {
	return func(ctx context.Context) (trace.SpanExporter, error) {
		if pretty {
			return stdouttrace.New(stdouttrace.WithPrettyPrint())
		}
		return stdouttrace.New()
	}
}

// ExportEmpty keeps tracing enabled, so trace ids reach the logs, but
// exports nothing.
func ExportEmpty() TraceExporter {
	return func(ctx context.Context) (trace.SpanExporter, error) {
		return emptyExporter{}, nil
	}
}

type emptyExporter struct{}

func (emptyExporter) Shutdown(context.Context) error { return nil }

func (emptyExporter) ExportSpans(context.Context, []trace.ReadOnlySpan) error { return nil }

// Exporter picks an exporter by name: http, grpc, stdout or none.
func Exporter(kind, endpoint string, usehttps, pretty bool) (TraceExporter, error) {
	switch kind {
	case "http":
		return ExportHTTP(endpoint, usehttps), nil
	case "grpc":
		return ExportGRPC(endpoint), nil
	case "stdout":
		return ExportStdout(pretty), nil
	case "", "none":
		return ExportEmpty(), nil
	}
	return nil, fmt.Errorf("unknown trace exporter %q", kind)
}

// NewTracerProvider builds an always-sampling provider for serviceName.
func NewTracerProvider(ctx context.Context, serviceName, version string, exporter TraceExporter) (*trace.TracerProvider, error) {
	if exporter == nil {
		return nil, errors.New("failed to create trace exporter: exporter is nil")
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exp, err := exporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithResource(res),
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(exp)),
	), nil
}

// Setup installs a tracer provider and the B3 propagator globally. The
// returned func flushes and stops the provider.
func Setup(ctx context.Context, serviceName, version string, exporter TraceExporter) (func(context.Context) error, error) {
	tp, err := NewTracerProvider(ctx, serviceName, version, exporter)
	if err != nil {
		return nil, err
	}
	otel.SetTextMapPropagator(b3.New())
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

const tracerName = "github.com/mark3labs/estatectl"

// Start opens a span on the global tracer provider.
func Start(ctx context.Context, name string) (context.Context, tr.Span) {
	return otel.GetTracerProvider().Tracer(tracerName).Start(ctx, name)
}
