package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/config"
	"github.com/smallbiznis/rewardlink/internal/matching"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	"github.com/smallbiznis/rewardlink/internal/ratelimit"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Evaluator decides the outcome for one leased transaction.
type Evaluator interface {
	Evaluate(ctx context.Context, txn transactiondomain.Transaction, s matching.Settings) (transactiondomain.Outcome, error)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Store     transactiondomain.Store
	Evaluator Evaluator
	Reconcile *config.ReconcileConfigHolder
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    Config              `optional:"true"`
	Locker    *ratelimit.Locker   `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	store     transactiondomain.Store
	evaluator Evaluator
	reconcile *config.ReconcileConfigHolder
	locker    *ratelimit.Locker
	metrics   *obsmetrics.Metrics
	tracer    trace.Tracer
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Store == nil || p.Evaluator == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		store:     p.Store,
		evaluator: p.Evaluator,
		reconcile: p.Reconcile,
		locker:    p.Locker,
		metrics:   p.Metrics,
		tracer:    otel.Tracer("rewardlink/scheduler"),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(zap.String("job", name))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.Errors() == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: committed rows stay committed and
	// leases on the rest expire on their own.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce performs one reconciliation pass. It is safe to call while another
// pass is running, here or in another process.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, ok := s.acquireRunLock(parent)
	if !ok {
		return nil
	}
	defer release()

	var err error
	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobLeaseRecovery, s.isJobEnabled(JobLeaseRecovery), func(ctx context.Context) error {
			return s.runJob(ctx, JobLeaseRecovery, s.cfg.LeaseRecoveryBatch, s.cfg.LeaseRecoveryTimeout, s.LeaseRecoveryJob)
		}},
		{JobFinalizeExhausted, s.isJobEnabled(JobFinalizeExhausted), func(ctx context.Context) error {
			return s.runJob(ctx, JobFinalizeExhausted, s.cfg.LeaseRecoveryBatch, s.cfg.LeaseRecoveryTimeout, s.FinalizeExhaustedJob)
		}},
		{JobReconcileTransactions, s.isJobEnabled(JobReconcileTransactions), func(ctx context.Context) error {
			return s.runJob(ctx, JobReconcileTransactions, s.reconcileConfig().BatchSize, s.cfg.ReconcileTimeout, s.ReconcileJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.RunInterval))
	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) reconcileConfig() config.ReconcileConfig {
	return s.reconcile.Get()
}

// acquireRunLock takes the cross-replica run lock when one is configured.
// Failing to reach redis does not block the run.
func (s *Scheduler) acquireRunLock(ctx context.Context) (func(), bool) {
	noop := func() {}
	if !s.cfg.RunLock || s.locker == nil {
		return noop, true
	}
	token, ok, err := s.locker.TryLock(ctx, s.cfg.RunLockKey, s.cfg.RunLockTTL)
	if err != nil {
		s.log.Warn("scheduler run lock unavailable, continuing without it", zap.Error(err))
		return noop, true
	}
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred(JobReconcileTransactions, obsmetrics.SchedulerBatchDeferredReasonRunLocked)
		s.log.Info("scheduler run skipped, another run holds the lock")
		return noop, false
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, s.cfg.RunLockKey, token); err != nil {
			s.log.Warn("scheduler run lock release failed", zap.Error(err))
		}
	}, true
}
