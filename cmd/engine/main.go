package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	apiroutes "permit-engine/internal/httpapi"
	"permit-engine/pkg/chain"
	"permit-engine/pkg/config"
	"permit-engine/pkg/db"
	"permit-engine/pkg/gen"
	"permit-engine/pkg/hashistack/secretmanager"
	"permit-engine/pkg/health"
	"permit-engine/pkg/httpapi"
	"permit-engine/pkg/lock"
	"permit-engine/pkg/logger"
	"permit-engine/pkg/otelcol"
	"permit-engine/pkg/redis"
	"permit-engine/pkg/sequence"
	"permit-engine/pkg/server"
	"permit-engine/pkg/task"
	"permit-engine/services/community"
	"permit-engine/services/ledger"
	"permit-engine/services/permit"
	"permit-engine/services/withdrawal"
)

func main() {
	opts := append(baseOptions(),
		task.Client,
		httpapi.Module,
		apiroutes.Module,
		server.ProvideHTTPServer,
	)

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

// baseOptions wires config, storage, the chain adapters and every domain
// service. The worker binary shares the same set.
func baseOptions() []fx.Option {
	opts := []fx.Option{}
	if _, ok := os.LookupEnv("VAULT_ADDR"); ok {
		opts = append(opts, secretmanager.Module)
	}
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		opts = append(opts, config.RemoteModule)
	} else {
		opts = append(opts, config.Module)
	}

	return append(opts,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		lock.Module,
		sequence.Module,
		gen.Module,
		chain.Module,
		fx.Provide(provideChainProbe),
		permit.Module,
		ledger.Module,
		withdrawal.Module,
		community.Module,
		fxLogger,
	)
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})

func provideChainProbe(b chain.Backend) health.ChainProbe {
	return b
}
