package geo

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rewardlink/internal/merchant/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	keyMerchantGeo = "rewardlink:merchants:geo"
	syncPageSize   = 500
)

// RedisLocator serves proximity lookups from a redis GEO set holding every
// active merchant with coordinates.
type RedisLocator struct {
	client *redis.Client
	key    string
}

func NewRedisLocator(client *redis.Client) *RedisLocator {
	return &RedisLocator{client: client, key: keyMerchantGeo}
}

func (l *RedisLocator) Nearby(ctx context.Context, at domain.Point, radiusMeters float64, limit int) ([]domain.Nearby, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("geo locator redis client not configured")
	}
	if radiusMeters <= 0 || limit <= 0 {
		return nil, nil
	}

	hits, err := l.client.GeoSearchLocation(ctx, l.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lon,
			Latitude:   at.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Nearby, 0, len(hits))
	for _, hit := range hits {
		id, err := snowflake.ParseString(hit.Name)
		if err != nil {
			continue
		}
		out = append(out, domain.Nearby{MerchantID: id, DistanceMeters: hit.Dist})
	}
	return out, nil
}

// Sync rebuilds the GEO set from the database. It fills a staging key and
// renames it over the live one, so lookups never see a half-built set and
// deactivated merchants drop out.
func (l *RedisLocator) Sync(ctx context.Context, db *gorm.DB, repo domain.Repository, log *zap.Logger) (int, error) {
	if l == nil || l.client == nil {
		return 0, errors.New("geo locator redis client not configured")
	}
	staging := l.key + ":staging"
	if err := l.client.Del(ctx, staging).Err(); err != nil {
		return 0, err
	}
	var (
		after  snowflake.ID
		loaded int
	)
	for {
		page, err := repo.ListLocated(ctx, db, after, syncPageSize)
		if err != nil {
			return loaded, err
		}
		if len(page) == 0 {
			break
		}
		locations := make([]*redis.GeoLocation, 0, len(page))
		for _, m := range page {
			loc, ok := m.Location()
			if !ok {
				continue
			}
			locations = append(locations, &redis.GeoLocation{
				Name:      m.ID.String(),
				Longitude: loc.Lon,
				Latitude:  loc.Lat,
			})
		}
		if len(locations) > 0 {
			if err := l.client.GeoAdd(ctx, staging, locations...).Err(); err != nil {
				return loaded, err
			}
		}
		loaded += len(locations)
		after = page[len(page)-1].ID
		if len(page) < syncPageSize {
			break
		}
	}
	// RENAME fails on a missing source key, so an empty catalog clears instead.
	if loaded == 0 {
		if err := l.client.Del(ctx, l.key).Err(); err != nil {
			return 0, err
		}
	} else if err := l.client.Rename(ctx, staging, l.key).Err(); err != nil {
		return 0, err
	}
	log.Debug("merchant geo index synced", zap.Int("merchants", loaded))
	return loaded, nil
}

// resyncLoop calls sync every interval until ctx is done. A failed pass keeps
// the previous set and is retried on the next tick.
func resyncLoop(ctx context.Context, interval time.Duration, log *zap.Logger, sync func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sync(ctx); err != nil && ctx.Err() == nil {
				log.Warn("merchant geo resync failed", zap.Error(err))
			}
		}
	}
}
