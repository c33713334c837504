package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	merchantdomain "github.com/smallbiznis/rewardlink/internal/merchant/domain"
	"github.com/smallbiznis/rewardlink/internal/merchant/scoring"
	meteringdomain "github.com/smallbiznis/rewardlink/internal/metering/domain"
	rewardprogramdomain "github.com/smallbiznis/rewardlink/internal/rewardprogram/domain"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Demo ids are fixed so reseeding finds the rows it wrote last time.
const (
	demoAccountID snowflake.ID = 900001

	demoCoffeeMerchantID snowflake.ID = 910001
	demoBakeryMerchantID snowflake.ID = 910002
	demoBooksMerchantID  snowflake.ID = 910003

	demoCoffeeProgramID snowflake.ID = 920001
	demoBakeryProgramID snowflake.ID = 920002

	demoCoffeeFeatureID = "demo_coffee_credits"
	demoBakeryFeatureID = "demo_bakery_credits"
)

type demoMerchant struct {
	id       snowflake.ID
	name     string
	category string
	lat, lon float64
	postal   string
}

var demoMerchants = []demoMerchant{
	{demoCoffeeMerchantID, "Joe's Coffee", "cafe", 40.7411, -73.9897, "10010"},
	{demoBakeryMerchantID, "Sunrise Bakery", "bakery", 40.7420, -73.9880, "10010"},
	{demoBooksMerchantID, "Corner Books", "books", 40.7306, -73.9866, "10003"},
}

type demoTransaction struct {
	id         snowflake.ID
	descriptor string
	amount     string
	lat, lon   *float64
}

// EnsureDemoData seeds a small merchant catalogue, two reward programs and a
// handful of unmatched transactions for local runs. Existing rows are left
// untouched.
func EnsureDemoData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureMerchants(ctx, tx, now); err != nil {
			return err
		}
		if err := ensureFeatures(ctx, tx, now); err != nil {
			return err
		}
		if err := ensurePrograms(ctx, tx, now); err != nil {
			return err
		}
		return ensureTransactions(ctx, tx, now)
	})
}

func ensureMerchants(ctx context.Context, tx *gorm.DB, now time.Time) error {
	for _, m := range demoMerchants {
		lat, lon, postal := m.lat, m.lon, m.postal
		row := merchantdomain.Merchant{
			ID:             m.id,
			Name:           m.name,
			NormalizedName: scoring.Normalize(m.name),
			Category:       m.category,
			Latitude:       &lat,
			Longitude:      &lon,
			PostalCode:     &postal,
			Active:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := ensureRow(ctx, tx, "id = ?", m.id, &row); err != nil {
			return err
		}
	}
	return nil
}

func ensureFeatures(ctx context.Context, tx *gorm.DB, now time.Time) error {
	coffeeCap := int64(3)
	features := []meteringdomain.Feature{
		{
			ID:            demoCoffeeFeatureID,
			Kind:          meteringdomain.FeatureKindSingleUse,
			IncludedUsage: &coffeeCap,
			ResetInterval: meteringdomain.ResetMonth,
			CreatedAt:     now,
		},
		{
			// nil IncludedUsage: unlimited credits.
			ID:            demoBakeryFeatureID,
			Kind:          meteringdomain.FeatureKindSingleUse,
			ResetInterval: meteringdomain.ResetMonth,
			CreatedAt:     now,
		},
	}
	for i := range features {
		if err := ensureRow(ctx, tx, "id = ?", features[i].ID, &features[i]); err != nil {
			return err
		}
	}
	return nil
}

func ensurePrograms(ctx context.Context, tx *gorm.DB, now time.Time) error {
	programs := []rewardprogramdomain.Program{
		{
			ID:          demoCoffeeProgramID,
			MerchantID:  demoCoffeeMerchantID,
			FeatureID:   demoCoffeeFeatureID,
			FeatureKind: string(meteringdomain.FeatureKindSingleUse),
			Status:      rewardprogramdomain.StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          demoBakeryProgramID,
			MerchantID:  demoBakeryMerchantID,
			FeatureID:   demoBakeryFeatureID,
			FeatureKind: string(meteringdomain.FeatureKindSingleUse),
			Status:      rewardprogramdomain.StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	for i := range programs {
		if err := ensureRow(ctx, tx, "id = ?", programs[i].ID, &programs[i]); err != nil {
			return err
		}
	}
	return nil
}

func ensureTransactions(ctx context.Context, tx *gorm.DB, now time.Time) error {
	nearLat, nearLon := 40.7412, -73.9895
	items := []demoTransaction{
		{930001, "SQ *JOES COFFEE NEW YORK NY", "4.75", &nearLat, &nearLon},
		{930002, "JOES COFFEE #12", "6.10", nil, nil},
		{930003, "SUNRISE BAKERY 10010", "12.40", &nearLat, &nearLon},
		{930004, "CORNER BOOKS", "23.99", nil, nil},
		{930005, "ZZQX UNKNOWN VENDOR", "9.00", nil, nil},
	}
	for i, item := range items {
		ingested := now.Add(time.Duration(i-len(items)) * time.Minute)
		row := transactiondomain.Transaction{
			ID:         item.id,
			AccountID:  demoAccountID,
			Descriptor: item.descriptor,
			Amount:     decimal.RequireFromString(item.amount),
			Currency:   "USD",
			PostedAt:   ingested.Add(-time.Hour),
			IngestedAt: ingested,
			Latitude:   item.lat,
			Longitude:  item.lon,
			Metadata:   datatypes.JSONMap{"source": "demo"},
			MatchState: transactiondomain.MatchStateUnmatched,
			CreatedAt:  ingested,
			UpdatedAt:  ingested,
		}
		if err := ensureRow(ctx, tx, "id = ?", item.id, &row); err != nil {
			return err
		}
	}
	return nil
}

func ensureRow[T any](ctx context.Context, tx *gorm.DB, query string, arg any, row *T) error {
	var existing T
	err := tx.WithContext(ctx).Where(query, arg).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return tx.WithContext(ctx).Create(row).Error
}
