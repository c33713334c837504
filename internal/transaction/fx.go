package transaction

import (
	"github.com/smallbiznis/rewardlink/internal/transaction/repository"
	"github.com/smallbiznis/rewardlink/internal/transaction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewStore),
	fx.Provide(service.New),
)
