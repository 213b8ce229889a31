package lock

import (
	"context"
	"sync"

	"permit-engine/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Locker serialises work per key. Lock blocks until the key is free or ctx
// is done; the returned func releases it and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

var Module = fx.Module("lock",
	fx.Provide(Provide),
)

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func Provide(p Params) Locker {
	if p.Config.Worker.DistributedLock && p.Redis != nil {
		zap.L().Info("[Lock] using redis owner locks", zap.Duration("ttl", p.Config.Worker.LockTTL))
		return NewRedisLocker(p.Redis, p.Config.Worker.LockTTL)
	}
	return NewLocal()
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries are dropped once no goroutine
// holds or waits on them.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
