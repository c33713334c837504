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
	"github.com/smallbiznis/rewardlink/internal/transaction"
	"github.com/smallbiznis/rewardlink/pkg/db"
	"go.uber.org/fx"
)

// Snowflake node ids are split per binary so credits and leases minted by
// the scheduler never collide with the API's.
const nodeID = 3

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Reconcile pipeline
		transaction.Module,
		merchant.Module,
		rewardprogram.Module,
		metering.Module,
		matching.Module,
		scheduler.Module,

		// No server module!
		scheduler.Loop,
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
