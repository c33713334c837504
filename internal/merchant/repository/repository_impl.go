package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/merchant/domain"
	"gorm.io/gorm"
)

// minSearchTokenLen drops tokens too short to narrow a LIKE search.
const minSearchTokenLen = 3

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const merchantColumns = `id, name, normalized_name, category, latitude, longitude, postal_code, active, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, m *domain.Merchant) error {
	if m == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO merchants (id, name, normalized_name, category, latitude, longitude, postal_code, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.Name,
		m.NormalizedName,
		m.Category,
		m.Latitude,
		m.Longitude,
		m.PostalCode,
		m.Active,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Merchant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Merchant
	err := db.WithContext(ctx).Raw(
		`SELECT `+merchantColumns+` FROM merchants WHERE id IN ? AND active = ? ORDER BY id ASC`,
		ids,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SearchByTokens returns merchants sharing at least one token with the
// descriptor. Rows matching more tokens come first, so a common token such as
// "coffee" cannot crowd the closest names out of the limit.
func (r *repo) SearchByTokens(ctx context.Context, db *gorm.DB, tokens []string, limit int) ([]domain.Merchant, error) {
	if limit <= 0 {
		return nil, nil
	}
	patterns := make([]any, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if len(token) < minSearchTokenLen {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		patterns = append(patterns, "%"+token+"%")
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	where := make([]string, len(patterns))
	hits := make([]string, len(patterns))
	for i := range patterns {
		where[i] = "normalized_name LIKE ?"
		hits[i] = "CASE WHEN normalized_name LIKE ? THEN 1 ELSE 0 END"
	}

	args := make([]any, 0, 2*len(patterns)+2)
	args = append(args, true)
	args = append(args, patterns...)
	args = append(args, patterns...)
	args = append(args, limit)

	var items []domain.Merchant
	err := db.WithContext(ctx).Raw(
		`SELECT `+merchantColumns+` FROM merchants
		 WHERE active = ? AND (`+strings.Join(where, " OR ")+`)
		 ORDER BY (`+strings.Join(hits, " + ")+`) DESC, id ASC
		 LIMIT ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) WithinBox(ctx context.Context, db *gorm.DB, box domain.BoundingBox, limit int) ([]domain.Merchant, error) {
	if limit <= 0 {
		return nil, nil
	}
	var items []domain.Merchant
	err := db.WithContext(ctx).Raw(
		`SELECT `+merchantColumns+` FROM merchants
		 WHERE active = ?
		   AND latitude BETWEEN ? AND ?
		   AND longitude BETWEEN ? AND ?
		 ORDER BY id ASC
		 LIMIT ?`,
		true,
		box.MinLat, box.MaxLat,
		box.MinLon, box.MaxLon,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListLocated pages through active merchants with coordinates, keyed by id.
func (r *repo) ListLocated(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Merchant, error) {
	if limit <= 0 {
		return nil, nil
	}
	var items []domain.Merchant
	err := db.WithContext(ctx).Raw(
		`SELECT `+merchantColumns+` FROM merchants
		 WHERE active = ? AND id > ? AND latitude IS NOT NULL AND longitude IS NOT NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		true,
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
