package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/metering/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindFeature(ctx context.Context, db *gorm.DB, id string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, included_usage, reset_interval, created_at FROM usage_features WHERE id = ?`,
		id,
	).Scan(&f).Error
	if err != nil {
		return nil, err
	}
	if f.ID == "" {
		return nil, nil
	}
	return &f, nil
}

func (r *repo) FindCredit(ctx context.Context, db *gorm.DB, idempotencyKey string) (*domain.Credit, error) {
	var c domain.Credit
	err := db.WithContext(ctx).Raw(
		`SELECT id, idempotency_key, feature_id, subject_id, bucket_start, amount, remaining, created_at
		 FROM usage_credits WHERE idempotency_key = ?`,
		idempotencyKey,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *repo) EnsureCounter(ctx context.Context, db *gorm.DB, featureID string, subjectID snowflake.ID, bucketStart, now time.Time) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.Counter{
			FeatureID:   featureID,
			SubjectID:   subjectID,
			BucketStart: bucketStart,
			Used:        0,
			UpdatedAt:   now,
		}).Error
}

// IncrementCounter adds amount unless that would push used past limit. A
// nil limit always increments. Returns rows affected.
func (r *repo) IncrementCounter(ctx context.Context, db *gorm.DB, featureID string, subjectID snowflake.ID, bucketStart time.Time, amount int64, limit *int64, now time.Time) (int64, error) {
	query := `UPDATE usage_counters SET used = used + ?, updated_at = ?
		WHERE feature_id = ? AND subject_id = ? AND bucket_start = ?`
	args := []any{amount, now, featureID, subjectID, bucketStart}
	if limit != nil {
		query += ` AND used + ? <= ?`
		args = append(args, amount, *limit)
	}
	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (r *repo) CounterUsed(ctx context.Context, db *gorm.DB, featureID string, subjectID snowflake.ID, bucketStart time.Time) (int64, error) {
	var used int64
	err := db.WithContext(ctx).Raw(
		`SELECT used FROM usage_counters WHERE feature_id = ? AND subject_id = ? AND bucket_start = ?`,
		featureID,
		subjectID,
		bucketStart,
	).Scan(&used).Error
	return used, err
}

func (r *repo) InsertCredit(ctx context.Context, db *gorm.DB, c *domain.Credit) error {
	if c == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_credits (id, idempotency_key, feature_id, subject_id, bucket_start, amount, remaining, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.IdempotencyKey,
		c.FeatureID,
		c.SubjectID,
		c.BucketStart,
		c.Amount,
		c.Remaining,
		c.CreatedAt,
	).Error
}
