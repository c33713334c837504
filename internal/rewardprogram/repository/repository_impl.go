package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/rewardprogram/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *domain.Program) error {
	if p == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO reward_programs (id, merchant_id, feature_id, feature_kind, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.MerchantID,
		p.FeatureID,
		p.FeatureKind,
		p.Status,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, merchantID snowflake.ID, featureKind string) (*domain.Program, error) {
	var p domain.Program
	err := db.WithContext(ctx).Raw(
		`SELECT id, merchant_id, feature_id, feature_kind, status, created_at, updated_at
		 FROM reward_programs
		 WHERE merchant_id = ? AND feature_kind = ? AND status = ?
		 ORDER BY id ASC
		 LIMIT 1`,
		merchantID,
		featureKind,
		domain.StatusActive,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}
