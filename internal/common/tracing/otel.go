// Package tracing holds the shared OTel tracer for the fabric processes.
// Spans are exported only when OTEL_EXPORTER_OTLP_ENDPOINT is set; every
// Tracer call otherwise hands out noop tracers.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "matrixfabric"

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	flusher  *sdktrace.TracerProvider
)

// Tracer returns a named tracer, initializing the provider on first use.
func Tracer(name string) trace.Tracer {
	initOnce.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. A nil return with no exporter wired is
// the noop case.
func Shutdown(ctx context.Context) error {
	if flusher == nil {
		return nil
	}
	return flusher.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	// otlptracehttp wants host[:port], not a URL.
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	flusher = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = flusher
	otel.SetTracerProvider(provider)
}
