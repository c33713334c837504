package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/metering/domain"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	keyUsageCounter = "rewardlink:usage:{%s:%s}:%d"
	keyUsageCredit  = "rewardlink:usage:{%s:%s}:credit:%s"

	// Credit markers outlive their bucket so a late replay still finds them.
	creditMarkerGrace = 24 * time.Hour
	openBucketMarker  = 400 * 24 * time.Hour
)

// tryCreditScript returns {status, remaining}. status 1 granted, 0 denied,
// 2 replayed. remaining is -1 for unlimited features.
const tryCreditScript = `
local existing = redis.call("GET", KEYS[2])
if existing then
  return {2, tonumber(existing)}
end

local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local used = tonumber(redis.call("GET", KEYS[1]) or "0")

if limit >= 0 and used + amount > limit then
  return {0, limit - used}
end

used = redis.call("INCRBY", KEYS[1], amount)
local counterTTL = tonumber(ARGV[3])
if counterTTL > 0 then
  redis.call("PEXPIRE", KEYS[1], counterTTL)
end

local remaining = -1
if limit >= 0 then
  remaining = limit - used
end
redis.call("SET", KEYS[2], remaining, "PX", tonumber(ARGV[4]))
return {1, remaining}
`

// RedisGate keeps counters in redis. The check, increment and idempotency
// marker run in one Lua script so they are atomic per key.
type RedisGate struct {
	client   *redis.Client
	script   *redis.Script
	log      *zap.Logger
	features domain.FeatureSource
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
}

func NewRedisGate(client *redis.Client, log *zap.Logger, features domain.FeatureSource, clk clock.Clock, metrics *obsmetrics.Metrics) *RedisGate {
	return &RedisGate{
		client:   client,
		script:   redis.NewScript(tryCreditScript),
		log:      log.Named("metering.redis"),
		features: features,
		clock:    clk,
		metrics:  metrics,
	}
}

func (g *RedisGate) TryCredit(ctx context.Context, req domain.CreditRequest) (domain.Grant, error) {
	if err := req.Validate(); err != nil {
		return domain.Grant{}, err
	}
	if g == nil || g.client == nil {
		return domain.Grant{}, &domain.UnavailableError{Op: "try credit", Err: errors.New("redis client not configured")}
	}
	feature, err := g.features.Feature(ctx, req.FeatureID)
	if err != nil {
		return domain.Grant{}, g.fail(ctx, req, featureError(req.FeatureID, err))
	}

	now := g.clock.Now()
	bucket := feature.BucketStart(now)
	limit := int64(-1)
	if !feature.Unlimited() {
		limit = *feature.IncludedUsage
	}

	var counterTTL, markerTTL time.Duration
	if end := feature.BucketEnd(now); !end.IsZero() {
		counterTTL = end.Sub(now)
		markerTTL = counterTTL + creditMarkerGrace
	} else {
		markerTTL = openBucketMarker
	}

	subject := req.SubjectID.String()
	res, err := g.script.Run(ctx, g.client,
		[]string{
			fmt.Sprintf(keyUsageCounter, feature.ID, subject, bucket.Unix()),
			fmt.Sprintf(keyUsageCredit, feature.ID, subject, req.IdempotencyKey),
		},
		req.Amount,
		limit,
		counterTTL.Milliseconds(),
		markerTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.Grant{}, g.fail(ctx, req, &domain.UnavailableError{Op: "try credit", Err: err})
	}
	if len(res) < 2 {
		return domain.Grant{}, g.fail(ctx, req, &domain.UnavailableError{Op: "try credit", Err: errors.New("invalid credit script response")})
	}

	grant := domain.Grant{
		Granted:     res[0] != 0,
		Replayed:    res[0] == 2,
		Unlimited:   feature.Unlimited(),
		BucketStart: bucket,
	}
	if !grant.Unlimited {
		grant.Remaining = max(res[1], 0)
	}

	result := creditResult(grant)
	obsmetrics.Scheduler().IncCredit(result)
	g.metrics.RecordCredit(ctx, req.FeatureID, result)
	return grant, nil
}

func (g *RedisGate) fail(ctx context.Context, req domain.CreditRequest, err error) error {
	return reportFailure(ctx, g.log, g.metrics, req, err)
}
