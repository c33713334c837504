package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type FetchRequest struct {
	Limit         int
	MaxAttempts   int
	LeaseDuration time.Duration
}

// Store is the reconcile pipeline's view of transaction persistence.
type Store interface {
	FetchUnmatchedBatch(ctx context.Context, req FetchRequest) ([]Transaction, error)
	CommitOutcome(ctx context.Context, txn Transaction, outcome Outcome) error
	ReleaseLease(ctx context.Context, txn Transaction) error
	PriorMerchantMatches(ctx context.Context, accountID snowflake.ID, limit int) ([]snowflake.ID, error)
	RecoverExpiredLeases(ctx context.Context, limit int) (int64, error)
	// FinalizeExhausted closes out rows left over budget, e.g. after
	// maxAttempts was lowered, so they cannot sit in deferred forever.
	FinalizeExhausted(ctx context.Context, maxAttempts int, limit int) (int64, error)
}
