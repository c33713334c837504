package domain

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

type FeatureKind string

const (
	// FeatureKindSingleUse is an interval-reset counter.
	FeatureKindSingleUse FeatureKind = "single_use"
	// FeatureKindContinuousUse caps concurrent usage ("at most N active").
	FeatureKindContinuousUse FeatureKind = "continuous_use"
)

type ResetInterval string

const (
	ResetDay   ResetInterval = "day"
	ResetWeek  ResetInterval = "week"
	ResetMonth ResetInterval = "month"
	ResetYear  ResetInterval = "year"
	ResetNone  ResetInterval = "none"
)

// openBucket is the single bucket used by features that never reset.
var openBucket = time.Unix(0, 0).UTC()

// Feature is a metering feature definition. IncludedUsage nil means "inf".
type Feature struct {
	ID            string        `gorm:"primaryKey;type:text"`
	Kind          FeatureKind   `gorm:"type:text;not null"`
	IncludedUsage *int64        `gorm:"column:included_usage"`
	ResetInterval ResetInterval `gorm:"column:reset_interval;type:text;not null"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Feature) TableName() string { return "usage_features" }

func (f Feature) Unlimited() bool {
	return f.IncludedUsage == nil
}

func (f Feature) resets() bool {
	if f.Kind == FeatureKindContinuousUse {
		return false
	}
	switch f.ResetInterval {
	case ResetDay, ResetWeek, ResetMonth, ResetYear:
		return true
	default:
		return false
	}
}

// BucketStart returns the UTC start of the bucket containing at.
func (f Feature) BucketStart(at time.Time) time.Time {
	if !f.resets() {
		return openBucket
	}
	at = at.UTC()
	switch f.ResetInterval {
	case ResetDay:
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	case ResetWeek:
		// ISO weeks start on Monday.
		offset := (int(at.Weekday()) + 6) % 7
		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -offset)
	case ResetYear:
		return time.Date(at.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// BucketEnd returns the exclusive end of the bucket containing at, or the
// zero time when the bucket never closes.
func (f Feature) BucketEnd(at time.Time) time.Time {
	if !f.resets() {
		return time.Time{}
	}
	start := f.BucketStart(at)
	switch f.ResetInterval {
	case ResetDay:
		return start.AddDate(0, 0, 1)
	case ResetWeek:
		return start.AddDate(0, 0, 7)
	case ResetYear:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

type CreditRequest struct {
	FeatureID      string
	SubjectID      snowflake.ID
	Amount         int64
	IdempotencyKey string
}

// Grant is the result of TryCredit. Remaining is meaningless when
// Unlimited is set.
type Grant struct {
	Granted     bool
	Remaining   int64
	Unlimited   bool
	Replayed    bool
	BucketStart time.Time
}

// RemainingString renders remaining usage, "inf" for unlimited features.
func (g Grant) RemainingString() string {
	if g.Unlimited {
		return "inf"
	}
	return strconv.FormatInt(g.Remaining, 10)
}

// Counter is one (feature, subject, bucket) usage row.
type Counter struct {
	FeatureID   string       `gorm:"primaryKey;type:text"`
	SubjectID   snowflake.ID `gorm:"primaryKey"`
	BucketStart time.Time    `gorm:"primaryKey"`
	Used        int64        `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (Counter) TableName() string { return "usage_counters" }

// Credit is a ledger row for one granted credit.
type Credit struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	IdempotencyKey string       `gorm:"column:idempotency_key;type:text;not null"`
	FeatureID      string       `gorm:"type:text;not null"`
	SubjectID      snowflake.ID `gorm:"not null"`
	BucketStart    time.Time    `gorm:"not null"`
	Amount         int64        `gorm:"not null"`
	Remaining      *int64       `gorm:"column:remaining"`
	CreatedAt      time.Time    `gorm:"not null"`
}

func (Credit) TableName() string { return "usage_credits" }
