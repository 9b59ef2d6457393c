// Package observability bootstraps OpenTelemetry tracing and metrics
// with stdout exporters. Spans wrap the interceptor pipeline and daemon
// operations; disabling both yields no-op providers with zero overhead.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options selects which signals are exported.
type Options struct {
	// ServiceName is reported on every span and metric.
	ServiceName string
	// Traces enables the stdout trace exporter.
	Traces bool
	// Metrics enables the stdout metric exporter.
	Metrics bool
	// MetricInterval is the metric export interval. Defaults to 60s.
	MetricInterval time.Duration
}

// Provider owns the configured telemetry pipelines.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
}

// Setup builds the telemetry pipelines. Disabled signals get no-op
// implementations.
func Setup(ctx context.Context, opts Options) (*Provider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "opta-browser"
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = 60 * time.Second
	}

	p := &Provider{
		tracer: noop.NewTracerProvider().Tracer(opts.ServiceName),
		meter:  metricnoop.NewMeterProvider().Meter(opts.ServiceName),
	}
	if !opts.Traces && !opts.Metrics {
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	if opts.Traces {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		p.traceProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(p.traceProvider)
		p.tracer = p.traceProvider.Tracer(opts.ServiceName)
	}

	if opts.Metrics {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(opts.MetricInterval))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.meterProvider)
		p.meter = p.meterProvider.Meter(opts.ServiceName)
	}

	return p, nil
}

// Tracer returns the tracer for span creation. Always non-nil.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter for instrument creation. Always non-nil.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown flushes and stops the pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traceProvider != nil {
		if err := p.traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown traces: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
