package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"permit-engine/pkg/chain"
	"permit-engine/pkg/config"
	"permit-engine/pkg/db"
	"permit-engine/pkg/gen"
	"permit-engine/pkg/hashistack/secretmanager"
	"permit-engine/pkg/lock"
	"permit-engine/pkg/logger"
	"permit-engine/pkg/otelcol"
	"permit-engine/pkg/redis"
	"permit-engine/pkg/sequence"
	"permit-engine/pkg/task"
	"permit-engine/services/ledger"
	"permit-engine/services/permit"
)

// The worker runs queued permit executions and the periodic sweep. It serves
// no HTTP traffic.
func main() {
	opts := []fx.Option{}
	if _, ok := os.LookupEnv("VAULT_ADDR"); ok {
		opts = append(opts, secretmanager.Module)
	}
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		opts = append(opts, config.RemoteModule)
	} else {
		opts = append(opts, config.Module)
	}

	opts = append(opts,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		lock.Module,
		sequence.Module,
		gen.Module,
		chain.Module,
		task.Client,
		task.Server,
		permit.Module,
		permit.Worker,
		ledger.Module,
		fxLogger,
	)

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
