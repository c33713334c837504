package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/rewardlink/internal/cache"
	"github.com/smallbiznis/rewardlink/internal/metering/domain"
	"gorm.io/gorm"
)

const featureCacheTTL = 5 * time.Minute

// FeatureStore reads feature definitions through a short TTL cache. The
// definitions are owned by the billing side and change rarely.
type FeatureStore struct {
	db       *gorm.DB
	repo     domain.Repository
	features cache.Cache[string, domain.Feature]
}

func NewFeatureStore(db *gorm.DB, repo domain.Repository) *FeatureStore {
	return &FeatureStore{
		db:       db,
		repo:     repo,
		features: cache.NewTTLCache[string, domain.Feature](),
	}
}

func (s *FeatureStore) Feature(ctx context.Context, id string) (domain.Feature, error) {
	id = strings.TrimSpace(id)
	if feature, ok := s.features.Get(id); ok {
		return feature, nil
	}
	feature, err := s.repo.FindFeature(ctx, s.db, id)
	if err != nil {
		return domain.Feature{}, &domain.UnavailableError{Op: "load feature", Err: err}
	}
	if feature == nil {
		return domain.Feature{}, domain.ErrFeatureNotFound
	}
	s.features.Set(id, *feature, featureCacheTTL)
	return *feature, nil
}
