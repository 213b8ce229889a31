package lock

import (
	"context"
	"errors"
	"time"

	"permit-engine/pkg/rediskey"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds owner locks across engine instances. The TTL bounds how
// long a crashed holder can block an owner.
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 100 * time.Millisecond}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := rediskey.BuildOwnerLockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// the caller's ctx may already be cancelled; release regardless
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			zap.L().Warn("[Lock] failed to release owner lock", zap.String("key", redisKey), zap.Error(err))
		}
	}, nil
}
