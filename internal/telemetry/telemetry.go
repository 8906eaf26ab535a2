// Package telemetry wires the core's tick loop, PPO updates, and dialogue
// generation to OpenTelemetry tracing. Tracing is opt-in: until Init is
// called with a config that carries an endpoint, every tracer returned by
// Tracer is the global no-op implementation, so an unconfigured hub pays
// nothing for spans it never exports.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/npcbrain/internal/config"
)

const defaultServiceName = "npcbrain"

var provider *sdktrace.TracerProvider

// Init configures the global tracer provider per cfg. A disabled or
// endpoint-less config leaves the global no-op provider in place.
func Init(ctx context.Context, cfg config.TelemetryConfig) error {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" is the default transport
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return fmt.Errorf("telemetry: build exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return nil
}

// Tracer returns a named tracer drawing from the global provider — the
// real one if Init configured an exporter, the built-in no-op otherwise.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Int64Attr is a convenience re-export so callers outside this package
// don't need their own import of the attribute package for a single call.
func Int64Attr(key string, v int64) attribute.KeyValue {
	return attribute.Int64(key, v)
}

// Shutdown flushes and closes the exporter, if one was configured.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
