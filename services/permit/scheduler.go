package permit

import (
	"context"
	"time"

	"permit-engine/pkg/config"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler runs the sweep on the configured cron schedule. A sweep still
// running when the next tick fires is not started twice.
type Scheduler struct {
	cron     *cron.Cron
	executor *Executor
	schedule string
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg *config.Config, executor *Executor) *Scheduler {
	logger := cronLogger{log: zap.L().Named("cron").Sugar()}
	timeout := cfg.Worker.LockTTL
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		), cron.WithLogger(logger)),
		executor: executor,
		schedule: cfg.Worker.Schedule,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.executor.Sweep(ctx); err != nil {
		zap.L().Error("[Scheduler] permit sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) Start() error {
	if s.schedule == "" {
		zap.L().Warn("[Scheduler] no sweep schedule configured")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return err
	}
	s.cron.Start()
	zap.L().Info("[Scheduler] permit sweep scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop cancels in-flight sweeps and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return s.Start()
		},
		OnStop: s.Stop,
	})
}
