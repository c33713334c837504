package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type MatchState string

const (
	MatchStateUnmatched   MatchState = "unmatched"
	MatchStateMatched     MatchState = "matched"
	MatchStateUnmatchable MatchState = "unmatchable"
	MatchStateDeferred    MatchState = "deferred"
)

// Terminal states are never revisited by the pipeline.
func (s MatchState) Terminal() bool {
	return s == MatchStateMatched || s == MatchStateUnmatchable
}

func (s MatchState) Valid() bool {
	switch s {
	case MatchStateUnmatched, MatchStateMatched, MatchStateUnmatchable, MatchStateDeferred:
		return true
	default:
		return false
	}
}

type MatchReason string

const (
	ReasonNone                MatchReason = ""
	ReasonUsageLimitExceeded  MatchReason = "usage_limit_exceeded"
	ReasonNoConfidentMatch    MatchReason = "no_confident_match"
	ReasonAmbiguousMatch      MatchReason = "ambiguous_match"
	ReasonMeteringUnavailable MatchReason = "metering_unavailable"
)

// Transaction is a bank transaction as persisted by ingestion, plus the
// reconcile bookkeeping owned by this pipeline.
type Transaction struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	AccountID  snowflake.ID      `gorm:"column:account_id;not null"`
	Descriptor string            `gorm:"type:text;not null"`
	Amount     decimal.Decimal   `gorm:"type:numeric(20,4);not null"`
	Currency   string            `gorm:"type:text;not null"`
	PostedAt   time.Time         `gorm:"not null"`
	IngestedAt time.Time         `gorm:"not null"`
	Latitude   *float64          `gorm:"column:latitude"`
	Longitude  *float64          `gorm:"column:longitude"`
	PostalCode *string           `gorm:"column:postal_code"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`

	MatchState        MatchState    `gorm:"column:match_state;type:text;not null"`
	MatchedMerchantID *snowflake.ID `gorm:"column:matched_merchant_id"`
	MatchedProgramID  *snowflake.ID `gorm:"column:matched_program_id"`
	MatchConfidence   float64       `gorm:"column:match_confidence;not null"`
	MatchReason       *string       `gorm:"column:match_reason"`
	MatchAttempts     int           `gorm:"column:match_attempts;not null"`
	LastAttemptAt     *time.Time    `gorm:"column:last_attempt_at"`

	LeaseToken  *string    `gorm:"column:lease_token"`
	LeasedUntil *time.Time `gorm:"column:leased_until"`
	Version     int64      `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Transaction) TableName() string { return "transactions" }

// HasLocation reports whether the transaction carries usable coordinates.
func (t Transaction) HasLocation() bool {
	return t.Latitude != nil && t.Longitude != nil
}

func (t Transaction) Reason() MatchReason {
	if t.MatchReason == nil {
		return ReasonNone
	}
	return MatchReason(*t.MatchReason)
}

func (t Transaction) Lease() string {
	if t.LeaseToken == nil {
		return ""
	}
	return *t.LeaseToken
}

// Outcome is the result of evaluating one leased transaction.
type Outcome struct {
	From       MatchState
	State      MatchState
	MerchantID *snowflake.ID
	ProgramID  *snowflake.ID
	Confidence float64
	Reason     MatchReason
	Attempts   int
}
