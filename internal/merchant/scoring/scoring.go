// Package scoring holds the pure candidate scoring used by the merchant
// resolver: descriptor cleaning, name similarity, geo proximity and ranking.
package scoring

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/smallbiznis/rewardlink/internal/merchant/domain"
	levenshtein "github.com/texttheater/golang-levenshtein/levenshtein"
)

const (
	fullStringWeight = 0.6
	tokenWeight      = 0.4
	// tokenMatchRatio is the per-token similarity that counts as covered.
	tokenMatchRatio = 0.8

	earthRadiusMeters = 6371008.8
)

// noiseTokens are card-processor and terminal prefixes that carry no
// merchant identity.
var noiseTokens = map[string]struct{}{
	"sq":        {},
	"tst":       {},
	"pos":       {},
	"debit":     {},
	"purchase":  {},
	"checkcard": {},
	"pp":        {},
}

// Tokens cleans a descriptor or merchant name into comparable tokens.
func Tokens(raw string) []string {
	raw = strings.ToLower(raw)
	raw = strings.NewReplacer("'", "", "’", "").Replace(raw)

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if _, noise := noiseTokens[field]; noise {
			continue
		}
		out = append(out, field)
	}
	return out
}

// Normalize returns the cleaned, space-joined form stored as
// merchants.normalized_name.
func Normalize(raw string) string {
	return strings.Join(Tokens(raw), " ")
}

// NameSimilarity scores a descriptor against a merchant name in [0,1].
func NameSimilarity(descriptor, merchantName string) float64 {
	descTokens := Tokens(descriptor)
	nameTokens := Tokens(merchantName)
	if len(descTokens) == 0 || len(nameTokens) == 0 {
		return 0
	}

	full := ratio(strings.Join(descTokens, " "), strings.Join(nameTokens, " "))

	covered := 0
	for _, dt := range descTokens {
		for _, nt := range nameTokens {
			if ratio(dt, nt) >= tokenMatchRatio {
				covered++
				break
			}
		}
	}
	coverage := float64(covered) / float64(len(descTokens))

	return round(clamp(fullStringWeight*full + tokenWeight*coverage))
}

func ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(a, b domain.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// GeoProximity maps a distance to [0,1]; 1 at the spot, 0 at or past radius.
func GeoProximity(distanceMeters, radiusMeters float64) float64 {
	if radiusMeters <= 0 {
		return 0
	}
	d := math.Max(0, math.Min(distanceMeters, radiusMeters))
	return round(1 - d/radiusMeters)
}

// Composite weighs name and geo. Without geo the name score stands alone.
func Composite(name float64, geo *float64, s domain.Scoring) float64 {
	if geo == nil {
		return round(clamp(name))
	}
	return round(clamp(s.NameWeight*name + s.GeoWeight*(*geo)))
}

// BoundingBox returns a box enclosing the circle around center.
func BoundingBox(center domain.Point, radiusMeters float64) domain.BoundingBox {
	dLat := (radiusMeters / earthRadiusMeters) * 180 / math.Pi
	cos := math.Cos(center.Lat * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-9 {
		dLon = math.Min(180, dLat/cos)
	}
	return domain.BoundingBox{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLon: center.Lon - dLon,
		MaxLon: center.Lon + dLon,
	}
}

// Rank orders candidates best first: composite, then prior-match affinity,
// then the lexicographically smaller merchant id.
func Rank(candidates []domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Affinity != b.Affinity {
			return a.Affinity
		}
		return a.MerchantID.String() < b.MerchantID.String()
	})
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// round trims float noise so equal inputs compare equal in Rank.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
