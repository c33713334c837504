package scheduler

import (
	"context"

	"github.com/smallbiznis/rewardlink/internal/matching"
	"go.uber.org/fx"
)

// Module provides the scheduler without starting it; the API uses it for
// manual triggers.
var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(func(engine *matching.Engine) Evaluator { return engine }),
	fx.Provide(New),
)

// Loop runs the scheduler on its interval for the lifetime of the app.
var Loop = fx.Invoke(NewScheduler)

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if cancel != nil {
				cancel()
			}
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
