package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/config"
	"github.com/smallbiznis/rewardlink/internal/matching"
	"github.com/smallbiznis/rewardlink/internal/merchant"
	"github.com/smallbiznis/rewardlink/internal/metering"
	"github.com/smallbiznis/rewardlink/internal/migration"
	"github.com/smallbiznis/rewardlink/internal/observability"
	"github.com/smallbiznis/rewardlink/internal/ratelimit"
	"github.com/smallbiznis/rewardlink/internal/rewardprogram"
	"github.com/smallbiznis/rewardlink/internal/scheduler"
	"github.com/smallbiznis/rewardlink/internal/server"
	"github.com/smallbiznis/rewardlink/internal/transaction"
	"github.com/smallbiznis/rewardlink/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		migration.Module,

		// Functional Domains
		transaction.Module,
		merchant.Module,
		rewardprogram.Module,
		metering.Module,
		matching.Module,

		scheduler.Module,
		scheduler.Loop,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
