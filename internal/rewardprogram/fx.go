package rewardprogram

import (
	"github.com/smallbiznis/rewardlink/internal/rewardprogram/repository"
	"github.com/smallbiznis/rewardlink/internal/rewardprogram/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rewardprogram.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
