package merchant

import (
	"github.com/smallbiznis/rewardlink/internal/merchant/geo"
	"github.com/smallbiznis/rewardlink/internal/merchant/repository"
	"github.com/smallbiznis/rewardlink/internal/merchant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("merchant.service",
	fx.Provide(repository.Provide),
	fx.Provide(geo.NewLocator),
	fx.Provide(service.NewResolver),
)
