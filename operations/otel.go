package operations

import (
	"context"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	packageName    = "github.com/evergreen-ci/quince/operations"
	exportInterval = 15 * time.Second
	exportTimeout  = exportInterval * 2
)

type telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter
	close  func(context.Context) error
}

// initTelemetry exports traces and metrics to the collector at
// endpoint. With no endpoint the global no-op providers are used.
func initTelemetry(ctx context.Context, endpoint string) (*telemetry, error) {
	if endpoint == "" {
		return &telemetry{
			tracer: otel.GetTracerProvider().Tracer(packageName),
			meter:  otel.GetMeterProvider().Meter(packageName),
			close:  func(context.Context) error { return nil },
		}, nil
	}

	r := resource.NewSchemaless(semconv.ServiceName("quince"))

	traceExporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(endpoint)))
	if err != nil {
		return nil, errors.Wrap(err, "initializing otel exporter")
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(r),
	)
	tp.RegisterSpanProcessor(utility.NewAttributeSpanProcessor())

	metricsExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	if err != nil {
		return nil, errors.Wrap(err, "making otel metrics exporter")
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(r),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricsExporter,
			sdkmetric.WithInterval(exportInterval),
			sdkmetric.WithTimeout(exportTimeout))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		grip.Error(errors.Wrap(err, "otel error"))
	}))

	return &telemetry{
		tracer: tp.Tracer(packageName),
		meter:  mp.Meter(packageName),
		close: func(ctx context.Context) error {
			catcher := grip.NewBasicCatcher()
			catcher.Wrap(tp.Shutdown(ctx), "trace provider shutdown")
			catcher.Wrap(traceExporter.Shutdown(ctx), "trace exporter shutdown")
			catcher.Wrap(mp.Shutdown(ctx), "meter provider shutdown")

			return catcher.Resolve()
		},
	}, nil
}
