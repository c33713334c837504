package metering

import (
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/config"
	"github.com/smallbiznis/rewardlink/internal/metering/domain"
	"github.com/smallbiznis/rewardlink/internal/metering/repository"
	"github.com/smallbiznis/rewardlink/internal/metering/service"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("metering.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideFeatureSource),
	fx.Provide(provideGate),
)

func provideFeatureSource(db *gorm.DB, repo domain.Repository) domain.FeatureSource {
	return service.NewFeatureStore(db, repo)
}

type gateParams struct {
	fx.In

	Config   config.Config
	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	Features domain.FeatureSource
	Clock    clock.Clock
	GenID    *snowflake.Node
	Metrics  *obsmetrics.Metrics `optional:"true"`
	Redis    *redis.Client       `optional:"true"`
}

func provideGate(p gateParams) domain.Gate {
	if p.Config.MeteringBackend == config.BackendRedis && p.Redis != nil {
		return service.NewRedisGate(p.Redis, p.Log, p.Features, p.Clock, p.Metrics)
	}
	return service.NewSQLGate(p.DB, p.Log, p.Repo, p.Features, p.Clock, p.GenID, p.Metrics)
}
