package redis

import (
	"context"
	"fmt"
	"time"

	"permit-engine/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

const (
	connectAttempts = 5
	connectBackoff  = 3 * time.Second
)

// New connects to redis, which backs owner locks, daily sequences and the
// task queue. It gives up after a few attempts so the process fails to start
// instead of running without locks.
func New(lc fx.Lifecycle, c *config.Config) (*redis.Client, error) {
	log := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectBackoff)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			log.Info("[Redis] connected")
			break
		}
		log.Warn("[Redis] not ready, retrying", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(connectBackoff)
	}
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", c.Redis.Addr, err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})
	return rdb, nil
}
