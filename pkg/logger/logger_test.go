package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"permit-engine/pkg/config"
)

func TestNewReplacesGlobals(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	cfg := &config.Config{AppEnv: "development", AppName: "permit-engine"}
	log := New(ConfigParams{Cfg: cfg})
	require.NotNil(t, log)
	require.Same(t, log, zap.L())
}

func TestFromContextAddsTraceFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := zap.L()
	zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	FromContext(ctx).Info("with span")
	FromContext(context.Background()).Info("without span")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, traceID.String(), entries[0].ContextMap()["trace_id"])
	require.NotContains(t, entries[1].ContextMap(), "trace_id")
}
