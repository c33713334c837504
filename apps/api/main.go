package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/config"
	"github.com/smallbiznis/rewardlink/internal/matching"
	"github.com/smallbiznis/rewardlink/internal/merchant"
	"github.com/smallbiznis/rewardlink/internal/metering"
	"github.com/smallbiznis/rewardlink/internal/observability"
	"github.com/smallbiznis/rewardlink/internal/ratelimit"
	"github.com/smallbiznis/rewardlink/internal/rewardprogram"
	"github.com/smallbiznis/rewardlink/internal/scheduler"
	"github.com/smallbiznis/rewardlink/internal/server"
	"github.com/smallbiznis/rewardlink/internal/transaction"
	"github.com/smallbiznis/rewardlink/pkg/db"
	"go.uber.org/fx"
)

const nodeID = 2

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		transaction.Module,
		merchant.Module,
		rewardprogram.Module,
		metering.Module,
		matching.Module,

		// Manual triggers only; the interval loop runs in apps/scheduler.
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
