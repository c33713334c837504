package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/rewardlink/internal/config"
	"github.com/smallbiznis/rewardlink/internal/matching"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	"github.com/smallbiznis/rewardlink/internal/observability/tracing"
	"github.com/smallbiznis/rewardlink/internal/scheduler/guard"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const releaseTimeout = 5 * time.Second

// ReconcileJob claims one batch of unmatched and deferred transactions and
// drives each through the matching engine. A failing row is logged and
// counted; it never stops the rest of the batch.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	cfg := s.reconcileConfig()
	settings := matching.SettingsFrom(cfg)

	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileTransactions, cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	ctx, span := s.tracer.Start(ctx, "reconcile.batch", trace.WithAttributes(tracing.SafeAttributes(
		attribute.Int("reconcile.batch_size", cfg.BatchSize),
		attribute.Int("reconcile.max_attempts", settings.Policy.MaxAttempts),
	)...))
	defer span.End()

	if err := settings.Policy.Validate(); err != nil {
		s.logSchedulerError(ctx, run, "reconcile.config.invalid", JobReconcileTransactions, err)
		return err
	}

	batch, err := s.store.FetchUnmatchedBatch(ctx, transactiondomain.FetchRequest{
		Limit:         cfg.BatchSize,
		MaxAttempts:   settings.Policy.MaxAttempts,
		LeaseDuration: cfg.LeaseDuration,
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "fetch failed")
		s.logSchedulerError(ctx, run, "reconcile.batch.fetch_failed", JobReconcileTransactions, err)
		return err
	}
	span.SetAttributes(attribute.Int("reconcile.claimed", len(batch)))
	schedMetrics := obsmetrics.Scheduler()
	if len(batch) == 0 {
		schedMetrics.IncBatchDeferred(JobReconcileTransactions, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return nil
	}

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	var unstarted []transactiondomain.Transaction
	for i := range batch {
		if ctx.Err() != nil {
			unstarted = batch[i:]
			break
		}
		txn := batch[i]
		g.Go(func() error {
			s.processRow(ctx, run, txn, settings, cfg)
			return nil
		})
	}
	_ = g.Wait()

	if len(unstarted) > 0 {
		schedMetrics.IncBatchDeferred(JobReconcileTransactions, obsmetrics.SchedulerBatchDeferredReasonCanceled)
		s.releaseLeases(ctx, unstarted)
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) processRow(ctx context.Context, run *jobRun, txn transactiondomain.Transaction, settings matching.Settings, cfg config.ReconcileConfig) {
	rowCtx, cancel := context.WithTimeout(ctx, cfg.RowTimeout)
	defer cancel()
	rowCtx, span := s.tracer.Start(rowCtx, "reconcile.transaction", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("transaction.id", txn.ID.String()),
		attribute.String("transaction.state", string(txn.MatchState)),
		attribute.Int("transaction.attempts", txn.MatchAttempts),
	)...))
	defer span.End()

	if err := guard.EnsureEvaluable(txn, settings.Policy.MaxAttempts); err != nil {
		s.logger(ctx).Warn("reconcile.transaction.skipped",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
		s.releaseLeases(ctx, []transactiondomain.Transaction{txn})
		return
	}
	if err := guard.EnsureLeaseUsable(txn, s.clock.Now(), cfg.RowTimeout); err != nil {
		// The row could not be finished before the lease lapses. Hand it back
		// now; the release is a no-op if someone else already holds it.
		s.logger(ctx).Warn("reconcile.transaction.lease_expiring",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
		obsmetrics.Scheduler().IncBatchDeferred(JobReconcileTransactions, obsmetrics.SchedulerBatchDeferredReasonLeaseExpiring)
		s.releaseLeases(ctx, []transactiondomain.Transaction{txn})
		return
	}

	outcome, err := s.evaluator.Evaluate(rowCtx, txn, settings)
	if err != nil {
		s.rowFailed(ctx, run, span, txn, "reconcile.transaction.failed", err)
		return
	}

	if err := s.store.CommitOutcome(rowCtx, txn, outcome); err != nil {
		if errors.Is(err, transactiondomain.ErrConflict) {
			// Another worker or an expired lease got there first; its outcome stands.
			obsmetrics.Scheduler().IncRowError(JobReconcileTransactions, err)
			s.logger(ctx).Warn("reconcile.transaction.conflict",
				zap.String("transaction_id", txn.ID.String()),
				zap.String("state", string(outcome.State)),
			)
			return
		}
		s.rowFailed(ctx, run, span, txn, "reconcile.transaction.commit_failed", err)
		return
	}

	run.AddProcessed(1)
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcileTransactions, "transactions", 1)
	s.metrics.RecordOutcome(ctx, string(outcome.State), string(outcome.Reason))
	span.SetAttributes(
		attribute.String("reconcile.outcome", string(outcome.State)),
		attribute.String("reconcile.reason", string(outcome.Reason)),
	)
	s.logOutcome(ctx, txn, outcome)
}

func (s *Scheduler) rowFailed(ctx context.Context, run *jobRun, span trace.Span, txn transactiondomain.Transaction, msg string, err error) {
	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, msg)
	obsmetrics.Scheduler().IncRowError(JobReconcileTransactions, err)
	s.logSchedulerError(ctx, run, msg, JobReconcileTransactions, err,
		zap.String("transaction_id", txn.ID.String()),
		zap.Int("attempts", txn.MatchAttempts),
	)
	s.releaseLeases(ctx, []transactiondomain.Transaction{txn})
}

// releaseLeases hands rows back early. It runs detached from ctx so a
// cancelled run can still clean up; failures only delay the rows until their
// leases expire.
func (s *Scheduler) releaseLeases(ctx context.Context, items []transactiondomain.Transaction) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	for _, txn := range items {
		if err := s.store.ReleaseLease(releaseCtx, txn); err != nil {
			s.logger(ctx).Warn("reconcile.lease.release_failed",
				zap.String("transaction_id", txn.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// LeaseRecoveryJob clears leases left behind by runs that died mid-batch.
func (s *Scheduler) LeaseRecoveryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobLeaseRecovery, s.cfg.LeaseRecoveryBatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	cleared, err := s.store.RecoverExpiredLeases(ctx, s.cfg.LeaseRecoveryBatch)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.lease.recovery_failed", JobLeaseRecovery, err)
		return err
	}
	run.AddProcessed(int(cleared))
	obsmetrics.Scheduler().AddBatchProcessed(JobLeaseRecovery, "leases", int(cleared))
	if cleared > 0 {
		s.logger(ctx).Info("scheduler.lease.recovered", zap.Int64("cleared", cleared))
	}
	return nil
}

// FinalizeExhaustedJob gives up on rows whose attempts already exceed the
// current budget. Reconcile never fetches them, so without this pass a
// lowered maxAttempts would strand them in deferred.
func (s *Scheduler) FinalizeExhaustedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobFinalizeExhausted, s.cfg.LeaseRecoveryBatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	maxAttempts := s.reconcileConfig().Matching.MaxAttempts
	finalized, err := s.store.FinalizeExhausted(ctx, maxAttempts, s.cfg.LeaseRecoveryBatch)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.transactions.finalize_failed", JobFinalizeExhausted, err)
		return err
	}
	run.AddProcessed(int(finalized))
	obsmetrics.Scheduler().AddBatchProcessed(JobFinalizeExhausted, "transactions", int(finalized))
	if finalized > 0 {
		s.logger(ctx).Info("scheduler.transactions.finalized_exhausted",
			zap.Int64("finalized", finalized),
			zap.Int("max_attempts", maxAttempts),
		)
	}
	return nil
}
