package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/metering/domain"
	obsmetrics "github.com/smallbiznis/rewardlink/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/rewardlink/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SQLGate keeps counters in usage_counters and a ledger of granted credits
// in usage_credits. The increment is a conditional UPDATE so concurrent
// callers can never push a bucket past its included usage.
type SQLGate struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	features domain.FeatureSource
	clock    clock.Clock
	genID    *snowflake.Node
	metrics  *obsmetrics.Metrics
}

func NewSQLGate(db *gorm.DB, log *zap.Logger, repo domain.Repository, features domain.FeatureSource, clk clock.Clock, genID *snowflake.Node, metrics *obsmetrics.Metrics) *SQLGate {
	return &SQLGate{
		db:       db,
		log:      log.Named("metering.sql"),
		repo:     repo,
		features: features,
		clock:    clk,
		genID:    genID,
		metrics:  metrics,
	}
}

func (g *SQLGate) TryCredit(ctx context.Context, req domain.CreditRequest) (domain.Grant, error) {
	if err := req.Validate(); err != nil {
		return domain.Grant{}, err
	}
	feature, err := g.features.Feature(ctx, req.FeatureID)
	if err != nil {
		return domain.Grant{}, g.fail(ctx, req, featureError(req.FeatureID, err))
	}

	grant, err := g.tryCredit(ctx, feature, req)
	if err != nil && pkgdb.IsDuplicateKeyErr(err) {
		// A concurrent caller with the same key won the ledger insert.
		grant, err = g.replay(ctx, feature, req.IdempotencyKey)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.Grant{}, g.fail(ctx, req, &domain.UnavailableError{Op: "try credit", Err: err})
		}
		var unavailable *domain.UnavailableError
		if !errors.As(err, &unavailable) {
			err = &domain.UnavailableError{Op: "try credit", Err: err}
		}
		return domain.Grant{}, g.fail(ctx, req, err)
	}

	g.record(ctx, req.FeatureID, grant)
	return grant, nil
}

func (g *SQLGate) tryCredit(ctx context.Context, feature domain.Feature, req domain.CreditRequest) (domain.Grant, error) {
	var grant domain.Grant
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := g.repo.FindCredit(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			grant = replayGrant(feature, existing)
			return nil
		}

		now := g.clock.Now()
		bucket := feature.BucketStart(now)
		if err := g.repo.EnsureCounter(ctx, tx, feature.ID, req.SubjectID, bucket, now); err != nil {
			return err
		}
		affected, err := g.repo.IncrementCounter(ctx, tx, feature.ID, req.SubjectID, bucket, req.Amount, feature.IncludedUsage, now)
		if err != nil {
			return err
		}
		used, err := g.repo.CounterUsed(ctx, tx, feature.ID, req.SubjectID, bucket)
		if err != nil {
			return err
		}

		grant = domain.Grant{
			Granted:     affected == 1,
			Unlimited:   feature.Unlimited(),
			BucketStart: bucket,
		}
		var remaining *int64
		if !feature.Unlimited() {
			grant.Remaining = max(*feature.IncludedUsage-used, 0)
			remaining = &grant.Remaining
		}
		if !grant.Granted {
			return nil
		}
		return g.repo.InsertCredit(ctx, tx, &domain.Credit{
			ID:             g.genID.Generate(),
			IdempotencyKey: req.IdempotencyKey,
			FeatureID:      feature.ID,
			SubjectID:      req.SubjectID,
			BucketStart:    bucket,
			Amount:         req.Amount,
			Remaining:      remaining,
			CreatedAt:      now,
		})
	})
	return grant, err
}

func (g *SQLGate) replay(ctx context.Context, feature domain.Feature, key string) (domain.Grant, error) {
	existing, err := g.repo.FindCredit(ctx, g.db, key)
	if err != nil {
		return domain.Grant{}, err
	}
	if existing == nil {
		return domain.Grant{}, &domain.UnavailableError{Op: "replay credit", Err: errors.New("ledger row vanished")}
	}
	return replayGrant(feature, existing), nil
}

// featureError reports a missing or unreadable feature as unavailable
// metering; the definition is owned elsewhere and may appear later.
func featureError(id string, err error) error {
	var unavailable *domain.UnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	return &domain.UnavailableError{Op: "load feature", Err: fmt.Errorf("%s: %w", id, err)}
}

func replayGrant(feature domain.Feature, credit *domain.Credit) domain.Grant {
	grant := domain.Grant{
		Granted:     true,
		Replayed:    true,
		Unlimited:   feature.Unlimited(),
		BucketStart: credit.BucketStart,
	}
	if credit.Remaining != nil {
		grant.Remaining = *credit.Remaining
	}
	return grant
}

func (g *SQLGate) record(ctx context.Context, featureID string, grant domain.Grant) {
	result := creditResult(grant)
	obsmetrics.Scheduler().IncCredit(result)
	g.metrics.RecordCredit(ctx, featureID, result)
}

func (g *SQLGate) fail(ctx context.Context, req domain.CreditRequest, err error) error {
	return reportFailure(ctx, g.log, g.metrics, req, err)
}

// reportFailure counts and logs a failed credit. A missing feature is a
// configuration gap rather than an outage, so it gets its own result label
// and is logged at error level.
func reportFailure(ctx context.Context, log *zap.Logger, metrics *obsmetrics.Metrics, req domain.CreditRequest, err error) error {
	result := failureResult(err)
	obsmetrics.Scheduler().IncCredit(result)
	metrics.RecordCredit(ctx, req.FeatureID, result)
	fields := []zap.Field{
		zap.String("feature_id", req.FeatureID),
		zap.String("subject_id", req.SubjectID.String()),
		zap.Error(err),
	}
	if result == obsmetrics.CreditResultFeatureMissing {
		log.Error("usage feature not defined, credits deferred until it is", fields...)
		return err
	}
	log.Warn("usage credit failed", fields...)
	return err
}

func failureResult(err error) string {
	if errors.Is(err, domain.ErrFeatureNotFound) {
		return obsmetrics.CreditResultFeatureMissing
	}
	return obsmetrics.CreditResultError
}

func creditResult(grant domain.Grant) string {
	switch {
	case grant.Replayed:
		return obsmetrics.CreditResultReplayed
	case grant.Granted:
		return obsmetrics.CreditResultGranted
	default:
		return obsmetrics.CreditResultDenied
	}
}
