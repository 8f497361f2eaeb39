// Package telemetry bootstraps the process-wide OpenTelemetry trace and
// metric providers. Exporters write OTLP-shaped JSON to stdout; shipping
// to a collector is a deployment concern, not a gateway one.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	// ServiceName appears as service.name on every span and metric.
	ServiceName string
	// Version appears as service.version.
	Version string
	// MetricInterval is the periodic metric export interval. Zero uses
	// the SDK default.
	MetricInterval time.Duration
}

type options struct {
	traceWriter  io.Writer
	metricWriter io.Writer
	pretty       bool
}

// Option adjusts the exporter setup.
type Option func(*options)

// WithTraceWriter redirects span export away from stdout.
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) { o.traceWriter = w }
}

// WithMetricWriter redirects metric export away from stdout.
func WithMetricWriter(w io.Writer) Option {
	return func(o *options) { o.metricWriter = w }
}

// WithPrettyPrint indents span output for local debugging.
func WithPrettyPrint() Option {
	return func(o *options) { o.pretty = true }
}

// SetupProviders initialises the global tracer and meter providers and
// returns a shutdown function that flushes buffered telemetry. Callers
// must invoke it during graceful termination.
func SetupProviders(ctx context.Context, cfg Config, opts ...Option) (func(context.Context) error, error) {
	o := options{traceWriter: os.Stdout, metricWriter: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	traceOpts := []stdouttrace.Option{stdouttrace.WithWriter(o.traceWriter)}
	if o.pretty {
		traceOpts = append(traceOpts, stdouttrace.WithPrettyPrint())
	}
	traceExp, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(o.metricWriter)))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricInterval))
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	return func(ctx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
