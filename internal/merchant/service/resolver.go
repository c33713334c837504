package service

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/cache"
	"github.com/smallbiznis/rewardlink/internal/merchant/domain"
	"github.com/smallbiznis/rewardlink/internal/merchant/scoring"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxCandidates   = 10
	defaultPriorMatchLimit = 5
	// nameSearchOverscan widens the LIKE prefilter before similarity cuts.
	nameSearchOverscan = 5

	merchantCacheTTL  = 5 * time.Minute
	merchantCacheSize = 10000
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Locator domain.GeoLocator
	Store   transactiondomain.Store
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Resolver struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	locator   domain.GeoLocator
	store     transactiondomain.Store
	metrics   *obsmetrics.Metrics
	merchants cache.Cache[snowflake.ID, domain.Merchant]
}

func NewResolver(p Params) domain.Resolver {
	return &Resolver{
		db:        p.DB,
		log:       p.Log.Named("merchant.resolver"),
		repo:      p.Repo,
		locator:   p.Locator,
		store:     p.Store,
		metrics:   p.Metrics,
		merchants: cache.NewBoundedTTLCache[snowflake.ID, domain.Merchant](merchantCacheSize, nil),
	}
}

func (r *Resolver) FindCandidates(ctx context.Context, txn transactiondomain.Transaction, s domain.Scoring) ([]domain.Candidate, error) {
	s, err := normalizeScoring(s)
	if err != nil {
		return nil, err
	}

	pool := make(map[snowflake.ID]domain.Merchant)

	tokens := scoring.Tokens(txn.Descriptor)
	byName, err := r.repo.SearchByTokens(ctx, r.db, tokens, s.MaxCandidates*nameSearchOverscan)
	if err != nil {
		return nil, &domain.ResolverError{Source: "name_search", Err: err}
	}
	for _, m := range byName {
		pool[m.ID] = m
		r.merchants.Set(m.ID, m, merchantCacheTTL)
	}

	distances := r.nearby(ctx, txn, s)

	affinity := make(map[snowflake.ID]struct{})
	prior, err := r.store.PriorMerchantMatches(ctx, txn.AccountID, s.PriorMatchLimit)
	if err != nil {
		r.log.Warn("prior merchant matches unavailable, ranking without affinity",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
	}
	for _, id := range prior {
		affinity[id] = struct{}{}
	}

	missing := make([]snowflake.ID, 0, len(distances)+len(prior))
	for id := range distances {
		if _, ok := pool[id]; !ok {
			missing = append(missing, id)
		}
	}
	for _, id := range prior {
		if _, ok := pool[id]; !ok {
			if _, queued := distances[id]; !queued {
				missing = append(missing, id)
			}
		}
	}
	loaded, err := r.loadMerchants(ctx, missing)
	if err != nil {
		return nil, &domain.ResolverError{Source: "merchant_lookup", Err: err}
	}
	for _, m := range loaded {
		pool[m.ID] = m
	}

	candidates := make([]domain.Candidate, 0, len(pool))
	for _, m := range pool {
		name := scoring.NameSimilarity(txn.Descriptor, m.Name)
		if name < s.MinNameSimilarity || name == 0 {
			continue
		}
		geo := geoProximity(txn, m, distances, s.SearchRadiusMeters)
		_, known := affinity[m.ID]
		candidates = append(candidates, domain.Candidate{
			MerchantID:     m.ID,
			Name:           m.Name,
			Category:       m.Category,
			NameSimilarity: name,
			GeoProximity:   geo,
			Composite:      scoring.Composite(name, geo, s),
			Affinity:       known,
		})
	}

	scoring.Rank(candidates)
	if len(candidates) > s.MaxCandidates {
		candidates = candidates[:s.MaxCandidates]
	}
	if len(candidates) > 0 {
		r.metrics.RecordResolverScore(ctx, candidates[0].Composite)
	}
	return candidates, nil
}

// nearby returns merchant distances around the transaction. A locator
// failure degrades to name-only scoring.
func (r *Resolver) nearby(ctx context.Context, txn transactiondomain.Transaction, s domain.Scoring) map[snowflake.ID]float64 {
	out := make(map[snowflake.ID]float64)
	if !txn.HasLocation() || s.GeoWeight == 0 || r.locator == nil {
		return out
	}
	at := domain.Point{Lat: *txn.Latitude, Lon: *txn.Longitude}
	hits, err := r.locator.Nearby(ctx, at, s.SearchRadiusMeters, s.MaxCandidates*nameSearchOverscan)
	if err != nil {
		r.log.Warn("geo lookup failed, scoring by name only",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err),
		)
		return out
	}
	for _, hit := range hits {
		out[hit.MerchantID] = hit.DistanceMeters
	}
	return out
}

func (r *Resolver) loadMerchants(ctx context.Context, ids []snowflake.ID) ([]domain.Merchant, error) {
	out := make([]domain.Merchant, 0, len(ids))
	misses := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.merchants.Get(id); ok {
			out = append(out, m)
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}
	fetched, err := r.repo.FindByIDs(ctx, r.db, misses)
	if err != nil {
		return nil, err
	}
	for _, m := range fetched {
		r.merchants.Set(m.ID, m, merchantCacheTTL)
		out = append(out, m)
	}
	return out, nil
}

func geoProximity(txn transactiondomain.Transaction, m domain.Merchant, distances map[snowflake.ID]float64, radius float64) *float64 {
	if !txn.HasLocation() {
		return nil
	}
	loc, ok := m.Location()
	if !ok {
		return nil
	}
	d, ok := distances[m.ID]
	if !ok {
		d = scoring.DistanceMeters(domain.Point{Lat: *txn.Latitude, Lon: *txn.Longitude}, loc)
	}
	value := scoring.GeoProximity(d, radius)
	return &value
}

func normalizeScoring(s domain.Scoring) (domain.Scoring, error) {
	if s.NameWeight < 0 || s.GeoWeight < 0 || math.Abs(s.NameWeight+s.GeoWeight-1) > 1e-9 {
		return s, domain.ErrInvalidScoring
	}
	if s.MinNameSimilarity < 0 || s.MinNameSimilarity > 1 {
		return s, domain.ErrInvalidScoring
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = defaultMaxCandidates
	}
	if s.PriorMatchLimit <= 0 {
		s.PriorMatchLimit = defaultPriorMatchLimit
	}
	return s, nil
}
