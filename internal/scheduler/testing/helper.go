// Package testing holds helpers that bend transaction timing for
// reconcile tests and local drills.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites lease and attempt bookkeeping directly in the
// database.
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// ExpireLease makes a held lease look abandoned.
func (ta *TimeAccelerator) ExpireLease(ctx context.Context, id snowflake.ID) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE transactions SET leased_until = ? WHERE id = ? AND lease_token IS NOT NULL`,
		ta.now().Add(-time.Minute),
		id,
	).Error
}

func (ta *TimeAccelerator) ExpireAllLeases(ctx context.Context) (int64, error) {
	res := ta.db.WithContext(ctx).Exec(
		`UPDATE transactions SET leased_until = ? WHERE lease_token IS NOT NULL`,
		ta.now().Add(-time.Minute),
	)
	return res.RowsAffected, res.Error
}

// SetAttempts moves a row to the edge of its retry budget.
func (ta *TimeAccelerator) SetAttempts(ctx context.Context, id snowflake.ID, attempts int) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE transactions SET match_attempts = ?, updated_at = ? WHERE id = ?`,
		attempts,
		ta.now(),
		id,
	).Error
}

// HoldLease plants a foreign lease, as if another runner had claimed the row.
func (ta *TimeAccelerator) HoldLease(ctx context.Context, id snowflake.ID, token string, d time.Duration) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE transactions SET lease_token = ?, leased_until = ? WHERE id = ?`,
		token,
		ta.now().Add(d),
		id,
	).Error
}

type MatchInfo struct {
	ID                snowflake.ID
	MatchState        transactiondomain.MatchState
	MatchReason       *string
	MatchAttempts     int
	MatchedMerchantID *snowflake.ID
	MatchedProgramID  *snowflake.ID
	LeaseToken        *string
}

func (ta *TimeAccelerator) GetMatchInfo(ctx context.Context, id snowflake.ID) (*MatchInfo, error) {
	var info MatchInfo
	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, match_state, match_reason, match_attempts, matched_merchant_id, matched_program_id, lease_token
		 FROM transactions WHERE id = ?`,
		id,
	).Scan(&info).Error
	if err != nil {
		return nil, err
	}
	if info.ID == 0 {
		return nil, nil
	}
	return &info, nil
}

// CountLeased reports how many rows currently carry a lease token.
func (ta *TimeAccelerator) CountLeased(ctx context.Context) (int64, error) {
	var total int64
	err := ta.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM transactions WHERE lease_token IS NOT NULL`,
	).Scan(&total).Error
	return total, err
}
