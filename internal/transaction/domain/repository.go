package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ClaimRequest struct {
	Limit       int
	MaxAttempts int
	LeaseToken  string
	LeasedUntil time.Time
	Now         time.Time
	SkipLocked  bool
}

type ListFilter struct {
	State    *MatchState
	Limit    int
	BeforeAt *time.Time
	BeforeID *snowflake.ID
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, txn *Transaction) error
	// ClaimBatch leases up to Limit eligible rows in FIFO order and returns
	// only rows whose claim succeeded.
	ClaimBatch(ctx context.Context, db *gorm.DB, req ClaimRequest) ([]Transaction, error)
	CommitOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, leaseToken string, outcome Outcome, now time.Time) (int64, error)
	ReleaseLease(ctx context.Context, db *gorm.DB, id snowflake.ID, leaseToken string, now time.Time) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, filter ListFilter) ([]Transaction, error)
	ResetDeferred(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	ClearExpiredLeases(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error)
	// FinalizeExhausted marks unleased rows in state from whose attempts exceed
	// maxAttempts as unmatchable with reason.
	FinalizeExhausted(ctx context.Context, db *gorm.DB, from MatchState, maxAttempts int, reason MatchReason, now time.Time, limit int) (int64, error)
	CountByState(ctx context.Context, db *gorm.DB) (map[MatchState]int64, error)
	PriorMerchantMatches(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]snowflake.ID, error)
}
