package geo

import (
	"context"
	"sort"

	"github.com/smallbiznis/rewardlink/internal/merchant/domain"
	"github.com/smallbiznis/rewardlink/internal/merchant/scoring"
	"gorm.io/gorm"
)

// boxOverscan widens the SQL fetch since box corners lie outside the radius.
const boxOverscan = 4

// SQLLocator answers proximity lookups from the merchants table with a
// bounding-box prefilter and an exact haversine cut.
type SQLLocator struct {
	db   *gorm.DB
	repo domain.Repository
}

func NewSQLLocator(db *gorm.DB, repo domain.Repository) *SQLLocator {
	return &SQLLocator{db: db, repo: repo}
}

func (l *SQLLocator) Nearby(ctx context.Context, at domain.Point, radiusMeters float64, limit int) ([]domain.Nearby, error) {
	if radiusMeters <= 0 || limit <= 0 {
		return nil, nil
	}
	merchants, err := l.repo.WithinBox(ctx, l.db, scoring.BoundingBox(at, radiusMeters), limit*boxOverscan)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Nearby, 0, len(merchants))
	for _, m := range merchants {
		loc, ok := m.Location()
		if !ok {
			continue
		}
		d := scoring.DistanceMeters(at, loc)
		if d > radiusMeters {
			continue
		}
		out = append(out, domain.Nearby{MerchantID: m.ID, DistanceMeters: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].MerchantID < out[j].MerchantID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
