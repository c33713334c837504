package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	obscontext "github.com/smallbiznis/rewardlink/internal/observability/context"
	obslogger "github.com/smallbiznis/rewardlink/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"go.uber.org/zap"
)

// jobRun carries per-run counters. Workers update them concurrently.
type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount atomic.Int64
	errorCount     atomic.Int64
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount.Add(int64(count))
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount.Add(1)
}

func (r *jobRun) Errors() int64 {
	if r == nil {
		return 0
	}
	return r.errorCount.Load()
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithRunID(ctx, run.runID)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int64("processed_count", run.processedCount.Load()),
		zap.Int64("error_count", run.errorCount.Load()),
	}
	log := s.logger(ctx)
	if run.Errors() > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("error", err.Error()),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (s *Scheduler) logOutcome(ctx context.Context, txn transactiondomain.Transaction, outcome transactiondomain.Outcome) {
	fields := []zap.Field{
		zap.String("transaction_id", txn.ID.String()),
		zap.String("from", string(outcome.From)),
		zap.String("state", string(outcome.State)),
		zap.Float64("confidence", outcome.Confidence),
		zap.Int("attempts", outcome.Attempts),
	}
	if outcome.Reason != transactiondomain.ReasonNone {
		fields = append(fields, zap.String("reason", string(outcome.Reason)))
	}
	if outcome.MerchantID != nil {
		fields = append(fields, zap.String("merchant_id", outcome.MerchantID.String()))
	}
	if outcome.ProgramID != nil {
		fields = append(fields, zap.String("program_id", outcome.ProgramID.String()))
	}
	s.logger(ctx).Debug("reconcile.transaction.committed", fields...)
}
