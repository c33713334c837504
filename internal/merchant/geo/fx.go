package geo

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rewardlink/internal/config"
	"github.com/smallbiznis/rewardlink/internal/merchant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	DB        *gorm.DB
	Repo      domain.Repository
	Log       *zap.Logger
	Redis     *redis.Client `optional:"true"`
}

// NewLocator picks the configured backend. The redis GEO set is built on
// start and rebuilt every GeoResyncInterval.
func NewLocator(p Params) domain.GeoLocator {
	if p.Config.GeoBackend != config.BackendRedis || p.Redis == nil {
		return NewSQLLocator(p.DB, p.Repo)
	}

	locator := NewRedisLocator(p.Redis)
	log := p.Log.Named("merchant.geo")
	sync := func(ctx context.Context) (int, error) {
		return locator.Sync(ctx, p.DB, p.Repo, log)
	}

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := sync(ctx)
			if err != nil {
				return err
			}
			log.Info("merchant geo index synced", zap.Int("merchants", n))
			if p.Config.GeoResyncInterval <= 0 {
				return nil
			}
			var loopCtx context.Context
			loopCtx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				resyncLoop(loopCtx, p.Config.GeoResyncInterval, log, sync)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
	return locator
}
