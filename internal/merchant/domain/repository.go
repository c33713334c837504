package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BoundingBox is an inclusive lat/lon rectangle.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, merchant *Merchant) error
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Merchant, error)
	SearchByTokens(ctx context.Context, db *gorm.DB, tokens []string, limit int) ([]Merchant, error)
	WithinBox(ctx context.Context, db *gorm.DB, box BoundingBox, limit int) ([]Merchant, error)
	ListLocated(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Merchant, error)
}
