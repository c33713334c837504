package matching

import "go.uber.org/fx"

var Module = fx.Module("matching",
	fx.Provide(NewEngine),
)
