package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Service backs account views and operator actions.
type Service interface {
	Get(ctx context.Context, id string) (*Response, error)
	ListByAccount(ctx context.Context, req ListRequest) (*ListResponse, error)
	Retry(ctx context.Context, id string) (*Response, error)
	Stats(ctx context.Context) (map[MatchState]int64, error)
}

type ListRequest struct {
	AccountID string
	State     string
	PageToken string
	PageSize  int
}

type Response struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Descriptor        string          `json:"descriptor"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PostedAt          time.Time       `json:"posted_at"`
	MatchState        MatchState      `json:"match_state"`
	MatchedMerchantID *string         `json:"matched_merchant_id,omitempty"`
	MatchedProgramID  *string         `json:"matched_program_id,omitempty"`
	MatchConfidence   float64         `json:"match_confidence"`
	MatchReason       *string         `json:"match_reason,omitempty"`
	MatchAttempts     int             `json:"match_attempts"`
	LastAttemptAt     *time.Time      `json:"last_attempt_at,omitempty"`
}

type ListResponse struct {
	Items         []Response `json:"items"`
	NextPageToken string     `json:"next_page_token,omitempty"`
	HasMore       bool       `json:"has_more"`
}
