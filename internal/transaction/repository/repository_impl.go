package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const transactionColumns = `id, account_id, descriptor, amount, currency, posted_at, ingested_at,
	latitude, longitude, postal_code, metadata,
	match_state, matched_merchant_id, matched_program_id, match_confidence, match_reason,
	match_attempts, last_attempt_at, lease_token, leased_until, version, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	if txn == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (
			id, account_id, descriptor, amount, currency, posted_at, ingested_at,
			latitude, longitude, postal_code, metadata,
			match_state, match_confidence, match_attempts, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.AccountID,
		txn.Descriptor,
		txn.Amount,
		txn.Currency,
		txn.PostedAt,
		txn.IngestedAt,
		txn.Latitude,
		txn.Longitude,
		txn.PostalCode,
		txn.Metadata,
		txn.MatchState,
		txn.MatchConfidence,
		txn.MatchAttempts,
		txn.Version,
		txn.CreatedAt,
		txn.UpdatedAt,
	).Error
}

type claimCandidate struct {
	ID      snowflake.ID
	Version int64
}

func (r *repo) ClaimBatch(ctx context.Context, db *gorm.DB, req domain.ClaimRequest) ([]domain.Transaction, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	claimed := make([]snowflake.ID, 0, req.Limit)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id, version FROM transactions
			WHERE match_state IN (?, ?)
			  AND match_attempts <= ?
			  AND (leased_until IS NULL OR leased_until < ?)
			ORDER BY ingested_at ASC, id ASC
			LIMIT ?`
		if req.SkipLocked {
			query += ` FOR UPDATE SKIP LOCKED`
		}

		var candidates []claimCandidate
		if err := tx.Raw(query,
			domain.MatchStateUnmatched,
			domain.MatchStateDeferred,
			req.MaxAttempts,
			req.Now,
			req.Limit,
		).Scan(&candidates).Error; err != nil {
			return err
		}

		for _, c := range candidates {
			res := tx.Exec(
				`UPDATE transactions
				 SET lease_token = ?, leased_until = ?, version = version + 1, updated_at = ?
				 WHERE id = ? AND version = ?
				   AND match_state IN (?, ?)
				   AND (leased_until IS NULL OR leased_until < ?)`,
				req.LeaseToken,
				req.LeasedUntil,
				req.Now,
				c.ID,
				c.Version,
				domain.MatchStateUnmatched,
				domain.MatchStateDeferred,
				req.Now,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				claimed = append(claimed, c.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	var items []domain.Transaction
	err = db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE id IN ? AND lease_token = ?
		 ORDER BY ingested_at ASC, id ASC`,
		claimed,
		req.LeaseToken,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CommitOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, leaseToken string, outcome domain.Outcome, now time.Time) (int64, error) {
	var reason *string
	if outcome.Reason != domain.ReasonNone {
		value := string(outcome.Reason)
		reason = &value
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET match_state = ?, matched_merchant_id = ?, matched_program_id = ?,
		     match_confidence = ?, match_reason = ?, match_attempts = ?, last_attempt_at = ?,
		     lease_token = NULL, leased_until = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND lease_token = ? AND leased_until >= ? AND match_state = ?`,
		outcome.State,
		outcome.MerchantID,
		outcome.ProgramID,
		outcome.Confidence,
		reason,
		outcome.Attempts,
		now,
		now,
		id,
		leaseToken,
		now,
		outcome.From,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ReleaseLease(ctx context.Context, db *gorm.DB, id snowflake.ID, leaseToken string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET lease_token = NULL, leased_until = NULL, updated_at = ?
		 WHERE id = ? AND lease_token = ?`,
		now,
		id,
		leaseToken,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`,
		id,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, filter domain.ListFilter) ([]domain.Transaction, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("account_id = ?", accountID)

	if filter.State != nil {
		stmt = stmt.Where("match_state = ?", *filter.State)
	}
	if filter.BeforeAt != nil && filter.BeforeID != nil {
		stmt = stmt.Where("(ingested_at < ? OR (ingested_at = ? AND id < ?))", *filter.BeforeAt, *filter.BeforeAt, *filter.BeforeID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var items []domain.Transaction
	if err := stmt.Order("ingested_at DESC").Order("id DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ResetDeferred(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET match_state = ?, match_attempts = 0, match_reason = NULL, version = version + 1, updated_at = ?
		 WHERE id = ? AND match_state = ? AND (leased_until IS NULL OR leased_until < ?)`,
		domain.MatchStateUnmatched,
		now,
		id,
		domain.MatchStateDeferred,
		now,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ClearExpiredLeases(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM transactions
		 WHERE lease_token IS NOT NULL AND leased_until < ?
		 ORDER BY leased_until ASC
		 LIMIT ?`,
		now,
		limit,
	).Scan(&ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	// leased_until is re-checked so a row re-claimed in between keeps its lease.
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET lease_token = NULL, leased_until = NULL, updated_at = ?
		 WHERE id IN ? AND leased_until < ?`,
		now,
		ids,
		now,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FinalizeExhausted(ctx context.Context, db *gorm.DB, from domain.MatchState, maxAttempts int, reason domain.MatchReason, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM transactions
		 WHERE match_state = ? AND match_attempts > ?
		   AND (leased_until IS NULL OR leased_until < ?)
		 ORDER BY ingested_at ASC, id ASC
		 LIMIT ?`,
		from,
		maxAttempts,
		now,
		limit,
	).Scan(&ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET match_state = ?, match_reason = ?, lease_token = NULL, leased_until = NULL,
		     version = version + 1, updated_at = ?
		 WHERE id IN ? AND match_state = ? AND match_attempts > ?
		   AND (leased_until IS NULL OR leased_until < ?)`,
		domain.MatchStateUnmatchable,
		string(reason),
		now,
		ids,
		from,
		maxAttempts,
		now,
	)
	return res.RowsAffected, res.Error
}

type stateCount struct {
	MatchState domain.MatchState
	Total      int64
}

func (r *repo) CountByState(ctx context.Context, db *gorm.DB) (map[domain.MatchState]int64, error) {
	var rows []stateCount
	err := db.WithContext(ctx).Raw(
		`SELECT match_state, COUNT(*) AS total FROM transactions GROUP BY match_state`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.MatchState]int64, len(rows))
	for _, row := range rows {
		out[row.MatchState] = row.Total
	}
	return out, nil
}

func (r *repo) PriorMerchantMatches(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT matched_merchant_id FROM transactions
		 WHERE account_id = ? AND match_state = ? AND matched_merchant_id IS NOT NULL
		 GROUP BY matched_merchant_id
		 ORDER BY COUNT(*) DESC, matched_merchant_id ASC
		 LIMIT ?`,
		accountID,
		domain.MatchStateMatched,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
