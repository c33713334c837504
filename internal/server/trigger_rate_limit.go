package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rewardlink/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	rateLimitReasonCallerRate = "caller-rate"
	headerCaller              = "X-Caller"
)

// ReconcileTriggerRateLimit bounds manual reconcile triggers per caller.
func (s *Server) ReconcileTriggerRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.triggerLimiter == nil || !s.triggerLimiter.Enabled() {
			c.Next()
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		caller := triggerCaller(c)
		ctx := c.Request.Context()

		res, err := s.triggerLimiter.Allow(ctx, caller)
		if err != nil {
			logger.FromContext(ctx).Warn("reconcile trigger rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			denyTriggerRateLimit(c, endpoint, rateLimitReasonCallerRate, retryAfter, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func triggerCaller(c *gin.Context) string {
	if caller := strings.TrimSpace(c.GetHeader(headerCaller)); caller != "" {
		return caller
	}
	return c.ClientIP()
}

func denyTriggerRateLimit(c *gin.Context, endpoint, reason string, retryAfter int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("reconcile trigger rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	metrics.RecordTriggerAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	metrics.RecordTriggerDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
