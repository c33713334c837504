package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rewardlink/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyReconcileTrigger = "rewardlink:reconcile:trigger:%s"

// TriggerLimiter bounds how often a caller may start a reconcile pass by hand.
// It uses a redis token bucket shared across API replicas and falls back to an
// in-process limiter per caller when redis is off or failing.
type TriggerLimiter struct {
	enabled bool
	log     *zap.Logger

	bucket *TokenBucket
	rate   float64
	burst  int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewTriggerLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) (*TriggerLimiter, error) {
	limitCfg := cfg.TriggerRateLimit
	if !limitCfg.Enabled {
		return &TriggerLimiter{}, nil
	}
	if limitCfg.Rate <= 0 || limitCfg.Burst <= 0 {
		return nil, errors.New("reconcile trigger rate limit must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TriggerLimiter{
		enabled: true,
		log:     log.Named("ratelimit.trigger"),
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.Rate,
		burst:   limitCfg.Burst,
		local:   make(map[string]*rate.Limiter),
	}, nil
}

func (l *TriggerLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow reports whether caller may trigger a run now. RetryAfter is set when
// the answer is no.
func (l *TriggerLimiter) Allow(ctx context.Context, caller string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = "anonymous"
	}

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyReconcileTrigger, caller), l.rate, l.burst)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.log.Warn("redis trigger limiter failed, using local limiter", zap.Error(err))
	}
	return l.allowLocal(caller), nil
}

func (l *TriggerLimiter) allowLocal(caller string) *RateLimitResult {
	l.mu.Lock()
	limiter, ok := l.local[caller]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[caller] = limiter
	}
	l.mu.Unlock()

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return &RateLimitResult{Allowed: true, Limit: l.burst, Remaining: int(limiter.Tokens())}
	}
	reservation.Cancel()
	return &RateLimitResult{Allowed: false, Limit: l.burst, RetryAfter: delay.Round(time.Millisecond)}
}
