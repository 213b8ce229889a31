package exporters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"permit-engine/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

func ProvideHttp(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := []otlptracehttp.Option{otlptracehttp.WithCompression(otlptracehttp.GzipCompression)}
	if cfg.Otel.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Otel.Endpoint))
	}
	if cfg.Otel.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
}

// New picks the exporter for OTEL.PROTOCOL.
func New(cfg *config.Config) (*otlptrace.Exporter, error) {
	switch strings.ToLower(cfg.Otel.Protocol) {
	case "", "grpc":
		return ProvideGrpc(cfg)
	case "http":
		return ProvideHttp(cfg)
	default:
		return nil, fmt.Errorf("unsupported otel protocol %q", cfg.Otel.Protocol)
	}
}
