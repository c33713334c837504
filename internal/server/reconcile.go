package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rewardlink/internal/observability/logger"
	"go.uber.org/zap"
)

const manualRunTimeout = 5 * time.Minute

// TriggerReconcile runs one scheduler pass synchronously. The run is detached
// from the request so a dropped client does not abandon leased rows.
func (s *Server) TriggerReconcile(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	reqCtx := c.Request.Context()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), manualRunTimeout)
	defer cancel()

	started := time.Now()
	if err := s.scheduler.RunOnce(ctx); err != nil {
		logger.FromContext(reqCtx).Warn("manual reconcile run failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"status":      "completed",
		"duration_ms": time.Since(started).Milliseconds(),
	}})
}

func (s *Server) ReconcileStats(c *gin.Context) {
	counts, err := s.transactionSvc.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": counts})
}
