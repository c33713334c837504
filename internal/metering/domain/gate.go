package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Gate grants usage credits atomically per (feature, subject, bucket).
// There is no rollback: call it only once the match is otherwise final.
type Gate interface {
	TryCredit(ctx context.Context, req CreditRequest) (Grant, error)
}

// FeatureSource serves feature definitions to the gates.
type FeatureSource interface {
	Feature(ctx context.Context, id string) (Feature, error)
}

type Repository interface {
	FindFeature(ctx context.Context, db *gorm.DB, id string) (*Feature, error)
	FindCredit(ctx context.Context, db *gorm.DB, idempotencyKey string) (*Credit, error)
	EnsureCounter(ctx context.Context, db *gorm.DB, featureID string, subjectID snowflake.ID, bucketStart, now time.Time) error
	IncrementCounter(ctx context.Context, db *gorm.DB, featureID string, subjectID snowflake.ID, bucketStart time.Time, amount int64, limit *int64, now time.Time) (int64, error)
	CounterUsed(ctx context.Context, db *gorm.DB, featureID string, subjectID snowflake.ID, bucketStart time.Time) (int64, error)
	InsertCredit(ctx context.Context, db *gorm.DB, credit *Credit) error
}

// Validate checks the request shape.
func (r CreditRequest) Validate() error {
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if r.FeatureID == "" || r.SubjectID == 0 || r.IdempotencyKey == "" {
		return ErrInvalidRequest
	}
	return nil
}
