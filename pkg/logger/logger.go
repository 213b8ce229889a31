package logger

import (
	"context"

	"permit-engine/pkg/config"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg       *config.Config
	Lifecycle fx.Lifecycle `optional:"true"`
}

func productionConfig() zap.Config {
	c := zap.NewProductionConfig()
	c.Encoding = "json"
	c.EncoderConfig.TimeKey = "timestamp"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.EncoderConfig.LevelKey = "severity"
	c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	c.EncoderConfig.CallerKey = "caller"
	c.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	c.EncoderConfig.StacktraceKey = "stacktrace"
	c.OutputPaths = []string{"stdout"}
	c.ErrorOutputPaths = []string{"stderr"}
	return c
}

// New builds the process logger and installs it as zap's global, which is
// what the rest of the code logs through.
func New(p ConfigParams) *zap.Logger {
	log := zap.Must(zap.NewDevelopment())
	if p.Cfg != nil && p.Cfg.AppEnv == "production" {
		log = zap.Must(productionConfig().Build())
	}

	if p.Cfg != nil {
		log = log.With(
			zap.String("env", p.Cfg.AppEnv),
			zap.String("service_name", p.Cfg.AppName),
			zap.String("version", p.Cfg.AppVersion),
		)
	}

	zap.ReplaceGlobals(log)

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				// stdout sync returns EINVAL on some platforms
				_ = log.Sync()
				return nil
			},
		})
	}
	return log
}

// FromContext returns the global logger annotated with the trace and span
// of the current request, when there is one.
func FromContext(ctx context.Context) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return zap.L()
	}
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
