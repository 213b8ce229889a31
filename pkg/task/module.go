package task

import (
	"context"
	"fmt"

	"permit-engine/pkg/config"
	"permit-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Client provides the asynq client and an Enqueuer on top of it. The API
// process only needs this half.
var Client = fx.Module("asynq.client",
	fx.Provide(NewClient, NewEnqueuer),
)

// Server runs queued permit work. Handlers are registered on the provided
// ServeMux by the domain modules.
var Server = fx.Module("asynq.server",
	fx.Provide(asynq.NewServeMux),
	fx.Invoke(RunServer),
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
}

func NewClient(lc fx.Lifecycle, cfg *config.Config) (*asynq.Client, error) {
	client := asynq.NewClient(redisOpt(cfg))
	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("asynq client: %w", err)
	}
	zap.L().Info("asynq client connected", zap.String("addr", cfg.Redis.Addr))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func RunServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(redisOpt(cfg), serverConfig(cfg))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := server.Start(mux); err != nil {
				return fmt.Errorf("asynq server: %w", err)
			}
			zap.L().Info("asynq server started",
				zap.String("addr", cfg.Redis.Addr),
				zap.Int("concurrency", max(cfg.Worker.Concurrency, 1)),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}

func serverConfig(cfg *config.Config) asynq.Config {
	return asynq.Config{
		Concurrency:    max(cfg.Worker.Concurrency, 1),
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues: map[string]int{
			taskname.QueueCritical: 10,
			taskname.QueueDefault:  5,
			taskname.QueueLow:      3,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			zap.L().Error("task failed",
				zap.String("task_type", t.Type()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
		Logger: zap.S(),
	}
}
