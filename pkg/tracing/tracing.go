package tracing

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	util_log "github.com/clusterkite/kite/pkg/util/log"
)

// InstallOpenTelemetryTracer registers a global OTLP/gRPC tracer provider.
// The exporter endpoint and protocol come from the standard OTEL_EXPORTER_*
// environment variables. The returned function flushes and shuts the
// provider down.
func InstallOpenTelemetryTracer(appName, target string) (func(), error) {
	level.Info(util_log.Logger).Log("msg", "initialising OpenTelemetry tracer")

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(appName),
			attribute.String("target", target),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialise trace resource")
	}

	exp, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create OTLP trace exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		level.Error(util_log.Logger).Log("msg", "OpenTelemetry error", "err", err)
	}))

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			level.Error(util_log.Logger).Log("msg", "OpenTelemetry tracer shutdown failed", "err", err)
		}
	}
	return shutdown, nil
}
