package otelcol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/otelcol/exporters"
)

// Module provides the process tracer and meter providers. Tracing is exported
// over OTLP when OTEL.ADDR is set; otherwise the global no-op provider is used.
var Module = fx.Module("otelcol",
	fx.Provide(
		NewTracerProvider,
		func() metric.MeterProvider { return otel.GetMeterProvider() },
	),
	// installs the global provider even when nothing injects it
	fx.Invoke(func(trace.TracerProvider) {}),
)

func NewResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
}

func ProvideTrace(exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	if len(opts) == 0 {
		opts = []sdktrace.TracerProviderOption{sdktrace.WithResource(resource.Default())}
	}

	opts = append(opts, sdktrace.WithBatcher(exporter))

	return sdktrace.NewTracerProvider(opts...)
}

func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) (trace.TracerProvider, error) {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider(), nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Otel.Protocol {
	case "http":
		exporter, err = exporters.ProvideHttp(cfg)
	default:
		exporter, err = exporters.ProvideGrpc(cfg)
	}
	if err != nil {
		return nil, err
	}

	res, err := NewResource(cfg)
	if err != nil {
		return nil, err
	}

	tp := ProvideTrace(exporter, sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	zap.L().Info("tracing enabled", zap.String("addr", cfg.Otel.Addr), zap.String("protocol", cfg.Otel.Protocol))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp, nil
}
