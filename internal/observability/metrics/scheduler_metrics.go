package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	merchantdomain "github.com/smallbiznis/rewardlink/internal/merchant/domain"
	meteringdomain "github.com/smallbiznis/rewardlink/internal/metering/domain"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded    = "deadline_exceeded"
	SchedulerErrorTypeLeaseConflict       = "lease_conflict"
	SchedulerErrorTypeMeteringUnavailable = "metering_unavailable"
	SchedulerErrorTypeResolver            = "resolver"
	SchedulerErrorTypeDB                  = "db"
	SchedulerErrorTypeBusinessRule        = "business_rule"
	SchedulerErrorTypeUnknown             = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonLeaseConflict        = "lease_conflict"
	SchedulerJobReasonMeteringUnavailable  = "metering_unavailable"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SchedulerBatchDeferredReasonRunLocked       = "run_locked"
	SchedulerBatchDeferredReasonCanceled        = "canceled"
	SchedulerBatchDeferredReasonLeaseExpiring   = "lease_expiring"
)

const (
	LockResourceTransactionsForReconcile = "transactions_for_reconcile"
	LockResourceUsageCounter             = "usage_counter"
)

const (
	CreditResultGranted  = "granted"
	CreditResultDenied   = "denied"
	CreditResultReplayed = "replayed"
	CreditResultError    = "error"
	// CreditResultFeatureMissing marks a program pointing at a feature that is
	// not defined. Rows keep deferring until someone defines it.
	CreditResultFeatureMissing = "feature_missing"
)

// SchedulerMetrics captures reconcile scheduler health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	matchTransitions *prometheus.CounterVec
	rowErrors        *prometheus.CounterVec
	dbLockWait       *prometheus.HistogramVec
	credits          *prometheus.CounterVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "rewardlink"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "rewardlink_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs that hit their run timeout.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_scheduler_batch_processed_total",
		Help:        "Items processed by scheduler jobs.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_scheduler_batch_deferred_total",
		Help:        "Scheduler batches skipped or cut short, by reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "rewardlink_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	matchTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_transaction_match_transitions_total",
		Help:        "Committed transaction match state transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to", "reason"})
	rowErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_reconcile_row_errors_total",
		Help:        "Per-transaction reconcile failures by error type.",
		ConstLabels: constLabels,
	}, []string{"job", "error_type"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "rewardlink_scheduler_db_lock_wait_seconds",
		Help:        "Time spent claiming rows or counters under lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"resource"})
	credits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rewardlink_usage_gate_results_total",
		Help:        "Usage metering gate results.",
		ConstLabels: constLabels,
	}, []string{"result"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		matchTransitions,
		rowErrors,
		dbLockWait,
		credits,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceTransactionsForReconcile: dbLockWait.WithLabelValues(LockResourceTransactionsForReconcile),
		LockResourceUsageCounter:             dbLockWait.WithLabelValues(LockResourceUsageCounter),
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		matchTransitions: matchTransitions,
		rowErrors:        rowErrors,
		dbLockWait:       dbLockWait,
		credits:          credits,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// IncMatchTransition counts a committed match state change.
func (m *SchedulerMetrics) IncMatchTransition(from, to, reason string) {
	if m == nil {
		return
	}
	m.matchTransitions.WithLabelValues(from, to, reason).Inc()
}

// AddMatchTransitions counts state changes committed in bulk.
func (m *SchedulerMetrics) AddMatchTransitions(from, to, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.matchTransitions.WithLabelValues(from, to, reason).Add(float64(count))
}

func (m *SchedulerMetrics) IncRowError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.rowErrors.WithLabelValues(job, ClassifySchedulerErrorType(err)).Inc()
}

// ObserveDBLockWait records time spent acquiring row claims.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncCredit(result string) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(result).Inc()
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	case errors.Is(err, transactiondomain.ErrConflict):
		return SchedulerErrorTypeLeaseConflict
	case errors.Is(err, meteringdomain.ErrMeteringUnavailable):
		return SchedulerErrorTypeMeteringUnavailable
	case errors.Is(err, merchantdomain.ErrResolver):
		return SchedulerErrorTypeResolver
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next run can succeed where this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, transactiondomain.ErrConflict) ||
		errors.Is(err, meteringdomain.ErrMeteringUnavailable) ||
		errors.Is(err, transactiondomain.ErrTransientStore) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, transactiondomain.ErrConflict):
		return SchedulerJobReasonLeaseConflict
	case errors.Is(err, meteringdomain.ErrMeteringUnavailable):
		return SchedulerJobReasonMeteringUnavailable
	case hasPGCode(err, "55P03"):
		return SchedulerJobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return SchedulerJobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return SchedulerJobReasonUniqueViolation
	default:
		return SchedulerJobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, transactiondomain.ErrTransientStore) ||
		errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
