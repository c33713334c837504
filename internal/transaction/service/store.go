package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/rewardlink/internal/clock"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	"github.com/smallbiznis/rewardlink/internal/transaction/domain"
	pkgdb "github.com/smallbiznis/rewardlink/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type StoreParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock
}

// Store implements domain.Store on top of the SQL repository. Leases are
// identified by a ULID minted per fetch.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func NewStore(p StoreParams) domain.Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("transaction.store"),
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Store) FetchUnmatchedBatch(ctx context.Context, req domain.FetchRequest) ([]domain.Transaction, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.LeaseDuration <= 0 {
		return nil, fmt.Errorf("fetch unmatched batch: lease duration must be positive")
	}

	now := s.clock.Now()
	token := ulid.Make().String()
	start := time.Now()
	items, err := s.repo.ClaimBatch(ctx, s.db, domain.ClaimRequest{
		Limit:       req.Limit,
		MaxAttempts: req.MaxAttempts,
		LeaseToken:  token,
		LeasedUntil: now.Add(req.LeaseDuration),
		Now:         now,
		SkipLocked:  pkgdb.SupportsSkipLocked(s.db),
	})
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceTransactionsForReconcile, time.Since(start))
	if err != nil {
		return nil, s.storeError("fetch unmatched batch", err)
	}
	return items, nil
}

func (s *Store) CommitOutcome(ctx context.Context, txn domain.Transaction, outcome domain.Outcome) error {
	if outcome.From == "" {
		outcome.From = txn.MatchState
	}
	if err := outcome.Validate(); err != nil {
		return fmt.Errorf("commit outcome %s: %w", txn.ID, err)
	}
	token := txn.Lease()
	if token == "" {
		return &domain.ConflictError{TransactionID: txn.ID}
	}

	affected, err := s.repo.CommitOutcome(ctx, s.db, txn.ID, token, outcome, s.clock.Now())
	if err != nil {
		return s.storeError("commit outcome", err)
	}
	if affected == 0 {
		return &domain.ConflictError{TransactionID: txn.ID}
	}

	obsmetrics.Scheduler().IncMatchTransition(string(outcome.From), string(outcome.State), string(outcome.Reason))
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, txn domain.Transaction) error {
	token := txn.Lease()
	if token == "" {
		return nil
	}
	if err := s.repo.ReleaseLease(ctx, s.db, txn.ID, token, s.clock.Now()); err != nil {
		return s.storeError("release lease", err)
	}
	return nil
}

func (s *Store) PriorMerchantMatches(ctx context.Context, accountID snowflake.ID, limit int) ([]snowflake.ID, error) {
	ids, err := s.repo.PriorMerchantMatches(ctx, s.db, accountID, limit)
	if err != nil {
		return nil, s.storeError("prior merchant matches", err)
	}
	return ids, nil
}

func (s *Store) RecoverExpiredLeases(ctx context.Context, limit int) (int64, error) {
	cleared, err := s.repo.ClearExpiredLeases(ctx, s.db, s.clock.Now(), limit)
	if err != nil {
		return 0, s.storeError("recover expired leases", err)
	}
	return cleared, nil
}

func (s *Store) FinalizeExhausted(ctx context.Context, maxAttempts int, limit int) (int64, error) {
	if maxAttempts < 1 || limit <= 0 {
		return 0, nil
	}
	now := s.clock.Now()
	var total int64
	for _, from := range []domain.MatchState{domain.MatchStateDeferred, domain.MatchStateUnmatched} {
		n, err := s.repo.FinalizeExhausted(ctx, s.db, from, maxAttempts, domain.ReasonNoConfidentMatch, now, limit)
		if err != nil {
			return total, s.storeError("finalize exhausted", err)
		}
		obsmetrics.Scheduler().AddMatchTransitions(string(from), string(domain.MatchStateUnmatchable), string(domain.ReasonNoConfidentMatch), int(n))
		total += n
	}
	return total, nil
}

func (s *Store) storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if pkgdb.IsTransient(err) {
		return &domain.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
