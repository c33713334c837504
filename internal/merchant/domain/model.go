package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Merchant is a reward-program merchant. The table is owned by merchant
// onboarding; this pipeline only reads it.
type Merchant struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Name           string       `gorm:"type:text;not null"`
	NormalizedName string       `gorm:"column:normalized_name;type:text;not null"`
	Category       string       `gorm:"type:text;not null"`
	Latitude       *float64     `gorm:"column:latitude"`
	Longitude      *float64     `gorm:"column:longitude"`
	PostalCode     *string      `gorm:"column:postal_code"`
	Active         bool         `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Merchant) TableName() string { return "merchants" }

func (m Merchant) Location() (Point, bool) {
	if m.Latitude == nil || m.Longitude == nil {
		return Point{}, false
	}
	return Point{Lat: *m.Latitude, Lon: *m.Longitude}, true
}

type Point struct {
	Lat float64
	Lon float64
}

// Nearby is a locator hit.
type Nearby struct {
	MerchantID     snowflake.ID
	DistanceMeters float64
}

// Candidate is a scored merchant for one transaction. GeoProximity is nil
// when either side has no coordinates.
type Candidate struct {
	MerchantID     snowflake.ID `json:"merchant_id"`
	Name           string       `json:"name"`
	Category       string       `json:"category"`
	NameSimilarity float64      `json:"name_similarity"`
	GeoProximity   *float64     `json:"geo_proximity,omitempty"`
	Composite      float64      `json:"composite"`
	Affinity       bool         `json:"affinity"`
}

// Scoring carries the resolver knobs for one run.
type Scoring struct {
	NameWeight         float64
	GeoWeight          float64
	MinNameSimilarity  float64
	MaxCandidates      int
	SearchRadiusMeters float64
	PriorMatchLimit    int
}
