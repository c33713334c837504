package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"github.com/smallbiznis/rewardlink/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("transaction.service"),
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Response, error) {
	txnID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	txn, err := s.repo.FindByID(ctx, s.db, txnID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, domain.ErrNotFound
	}
	resp := toResponse(txn)
	return &resp, nil
}

func (s *Service) ListByAccount(ctx context.Context, req domain.ListRequest) (*domain.ListResponse, error) {
	accountID, err := parseID(req.AccountID)
	if err != nil {
		return nil, err
	}

	pageSize := pagination.NormalizePageSize(req.PageSize)
	filter := domain.ListFilter{Limit: pageSize + 1}

	if state := domain.MatchState(strings.TrimSpace(req.State)); state != "" {
		if !state.Valid() {
			return nil, domain.ErrInvalidState
		}
		filter.State = &state
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		at, err := cursor.Time()
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		lastID, err := parseID(cursor.ID)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		filter.BeforeAt = &at
		filter.BeforeID = &lastID
	}

	items, err := s.repo.ListByAccount(ctx, s.db, accountID, filter)
	if err != nil {
		return nil, err
	}

	page, info, err := pagination.BuildPageInfo(items, pageSize, func(t domain.Transaction) pagination.Cursor {
		return pagination.TimeCursor(t.ID.String(), t.IngestedAt)
	})
	if err != nil {
		return nil, err
	}

	out := &domain.ListResponse{
		Items:         make([]domain.Response, 0, len(page)),
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}
	for i := range page {
		out.Items = append(out.Items, toResponse(&page[i]))
	}
	return out, nil
}

// Retry moves a deferred transaction back to unmatched with a fresh attempt
// budget. Rows currently leased by a run are left alone.
func (s *Service) Retry(ctx context.Context, id string) (*domain.Response, error) {
	txnID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var updated *domain.Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.repo.FindByID(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if txn == nil {
			return domain.ErrNotFound
		}
		if txn.MatchState != domain.MatchStateDeferred {
			return domain.ErrNotDeferred
		}
		affected, err := s.repo.ResetDeferred(ctx, tx, txnID, s.clock.Now())
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrLeaseHeld
		}
		updated, err = s.repo.FindByID(ctx, tx, txnID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("deferred transaction reset for retry", zap.String("transaction_id", txnID.String()))
	resp := toResponse(updated)
	return &resp, nil
}

func (s *Service) Stats(ctx context.Context) (map[domain.MatchState]int64, error) {
	counts, err := s.repo.CountByState(ctx, s.db)
	if err != nil {
		return nil, err
	}
	for _, state := range []domain.MatchState{
		domain.MatchStateUnmatched,
		domain.MatchStateDeferred,
		domain.MatchStateMatched,
		domain.MatchStateUnmatchable,
	} {
		if _, ok := counts[state]; !ok {
			counts[state] = 0
		}
	}
	return counts, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func toResponse(t *domain.Transaction) domain.Response {
	return domain.Response{
		ID:                t.ID.String(),
		AccountID:         t.AccountID.String(),
		Descriptor:        t.Descriptor,
		Amount:            t.Amount,
		Currency:          t.Currency,
		PostedAt:          t.PostedAt,
		MatchState:        t.MatchState,
		MatchedMerchantID: idPtrString(t.MatchedMerchantID),
		MatchedProgramID:  idPtrString(t.MatchedProgramID),
		MatchConfidence:   t.MatchConfidence,
		MatchReason:       t.MatchReason,
		MatchAttempts:     t.MatchAttempts,
		LastAttemptAt:     t.LastAttemptAt,
	}
}

func idPtrString(id *snowflake.ID) *string {
	if id == nil {
		return nil
	}
	value := id.String()
	return &value
}
