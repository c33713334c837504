package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Program is a merchant's enrollment granting usage of one metering feature.
type Program struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	MerchantID  snowflake.ID `gorm:"column:merchant_id;not null"`
	FeatureID   string       `gorm:"column:feature_id;type:text;not null"`
	FeatureKind string       `gorm:"column:feature_kind;type:text;not null"`
	Status      Status       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Program) TableName() string { return "reward_programs" }

var ErrInvalidFeatureKind = errors.New("invalid_feature_kind")

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, program *Program) error
	FindActive(ctx context.Context, db *gorm.DB, merchantID snowflake.ID, featureKind string) (*Program, error)
}

// Lookup resolves the active program a matched merchant credits against.
// A nil program with nil error means the merchant has none.
type Lookup interface {
	ActiveProgram(ctx context.Context, merchantID snowflake.ID, featureKind string) (*Program, error)
}
