package scheduler

import (
	"time"

	"github.com/smallbiznis/rewardlink/internal/config"
)

const (
	JobReconcileTransactions = "reconcile_transactions"
	JobLeaseRecovery         = "lease_recovery"
	JobFinalizeExhausted     = "finalize_exhausted"
)

// Config controls scheduler intervals and job budgets. Per-run matching
// settings come from the reconcile config holder instead.
type Config struct {
	RunInterval          time.Duration
	EnabledJobs          []string
	ReconcileTimeout     time.Duration
	LeaseRecoveryBatch   int
	LeaseRecoveryTimeout time.Duration
	RunLock              bool
	RunLockKey           string
	RunLockTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:          5 * time.Minute,
		ReconcileTimeout:     4 * time.Minute,
		LeaseRecoveryBatch:   500,
		LeaseRecoveryTimeout: 30 * time.Second,
		RunLockKey:           "rewardlink:reconcile:run",
		RunLockTTL:           5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if c.LeaseRecoveryBatch <= 0 {
		c.LeaseRecoveryBatch = defaults.LeaseRecoveryBatch
	}
	if c.LeaseRecoveryTimeout <= 0 {
		c.LeaseRecoveryTimeout = defaults.LeaseRecoveryTimeout
	}
	if c.RunLockKey == "" {
		c.RunLockKey = defaults.RunLockKey
	}
	if c.RunLockTTL <= 0 {
		c.RunLockTTL = defaults.RunLockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	// A run must finish inside its own interval or the next tick overlaps it.
	run := cfg.Scheduler.RunInterval
	timeout := DefaultConfig().ReconcileTimeout
	if run > 0 && run < timeout+30*time.Second {
		timeout = run * 4 / 5
	}
	return Config{
		RunInterval:      run,
		EnabledJobs:      cfg.Scheduler.EnabledJobs,
		ReconcileTimeout: timeout,
		RunLock:          cfg.Scheduler.RunLock,
		RunLockTTL:       run,
	}.withDefaults()
}
