package scheduler

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/Johnson1425-ux/segese-backend/internal/config"
)

func ProvideConfig(cfg config.Config) Config {
	sched := DefaultConfig()
	if cfg.SchedulerInterval > 0 {
		sched.RunInterval = time.Duration(cfg.SchedulerInterval) * time.Second
	}
	if cfg.SchedulerBatchSize > 0 {
		sched.BatchSize = cfg.SchedulerBatchSize
	}
	return sched
}

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
