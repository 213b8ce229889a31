package otelcol

import (
	"permit-engine/pkg/config"
	"permit-engine/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol", fx.Provide(NewTracerProvider))

func defaultTraceProviderOption() []trace.TracerProviderOption {
	return []trace.TracerProviderOption{
		trace.WithResource(resource.Default()),
	}
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if len(opts) == 0 {
		opts = defaultTraceProviderOption()
	}

	opts = append(opts, trace.WithBatcher(exporter))

	return trace.NewTracerProvider(opts...)
}

func serviceResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
}

// NewTracerProvider installs an OTLP-exporting provider as the global one
// when OTEL.ENABLE is set, and returns the global no-op provider otherwise.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) (oteltrace.TracerProvider, error) {
	if !cfg.Otel.Enable {
		return otel.GetTracerProvider(), nil
	}

	exporter, err := exporters.New(cfg)
	if err != nil {
		return nil, err
	}

	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	tp := ProvideTrace(exporter, trace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	zap.L().Info("[Otel] tracing enabled", zap.String("protocol", cfg.Otel.Protocol), zap.String("endpoint", cfg.Otel.Endpoint))

	lc.Append(fx.Hook{OnStop: tp.Shutdown})
	return tp, nil
}
