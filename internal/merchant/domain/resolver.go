package domain

import (
	"context"

	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
)

// Resolver ranks merchant candidates for a transaction, best first. An empty
// result is not an error.
type Resolver interface {
	FindCandidates(ctx context.Context, txn transactiondomain.Transaction, scoring Scoring) ([]Candidate, error)
}

// GeoLocator answers proximity lookups around a coordinate, nearest first.
type GeoLocator interface {
	Nearby(ctx context.Context, at Point, radiusMeters float64, limit int) ([]Nearby, error)
}
