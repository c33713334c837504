package scoring

import (
	"math"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/merchant/domain"
)

func TestTokens(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"JOES COFFEE #4", "joes coffee"},
		{"SQ *JOE'S COFFEE 0042", "joes coffee"},
		{"TST* Blue Bottle - 1123", "blue bottle"},
		{"POS DEBIT 7-ELEVEN 3321", "eleven"},
		{"#1234", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNameSimilarity(t *testing.T) {
	exact := NameSimilarity("SQ *JOES COFFEE #4", "Joe's Coffee")
	if exact != 1 {
		t.Fatalf("expected exact match to score 1, got %v", exact)
	}

	partial := NameSimilarity("JOES COFFEE #4", "Joe's Coffee Shop")
	if partial < 0.8 || partial >= 1 {
		t.Fatalf("expected a strong partial score, got %v", partial)
	}

	far := NameSimilarity("JOES COFFEE #4", "Harbor Freight Tools")
	if far >= 0.5 {
		t.Fatalf("unrelated names scored too high: %v", far)
	}

	if got := NameSimilarity("#4411", "Joe's Coffee"); got != 0 {
		t.Fatalf("descriptor without tokens should score 0, got %v", got)
	}
}

func TestNameSimilarity_Deterministic(t *testing.T) {
	first := NameSimilarity("TST* BLUE BOTTLE OAKLAND", "Blue Bottle Coffee")
	for i := 0; i < 20; i++ {
		if got := NameSimilarity("TST* BLUE BOTTLE OAKLAND", "Blue Bottle Coffee"); got != first {
			t.Fatalf("run %d: %v != %v", i, got, first)
		}
	}
}

func TestDistanceAndProximity(t *testing.T) {
	a := domain.Point{Lat: 37.7749, Lon: -122.4194}
	b := domain.Point{Lat: 37.7849, Lon: -122.4194}

	d := DistanceMeters(a, b)
	if math.Abs(d-1112) > 5 {
		t.Fatalf("expected ~1112m, got %v", d)
	}
	if got := GeoProximity(0, 2000); got != 1 {
		t.Fatalf("expected 1 at distance 0, got %v", got)
	}
	if got := GeoProximity(1000, 2000); got != 0.5 {
		t.Fatalf("expected 0.5 at half radius, got %v", got)
	}
	if got := GeoProximity(5000, 2000); got != 0 {
		t.Fatalf("expected 0 past radius, got %v", got)
	}
}

func TestComposite(t *testing.T) {
	s := domain.Scoring{NameWeight: 0.7, GeoWeight: 0.3}
	geo := 0.5
	if got := Composite(0.9, &geo, s); got != 0.78 {
		t.Fatalf("expected 0.78, got %v", got)
	}
	if got := Composite(0.9, nil, s); got != 0.9 {
		t.Fatalf("missing geo should fall back to name score, got %v", got)
	}
}

func TestBoundingBox_ContainsRadius(t *testing.T) {
	center := domain.Point{Lat: 40.0, Lon: -74.0}
	box := BoundingBox(center, 2000)
	north := domain.Point{Lat: box.MaxLat, Lon: center.Lon}
	if d := DistanceMeters(center, north); math.Abs(d-2000) > 1 {
		t.Fatalf("box edge should sit at the radius, got %v", d)
	}
	if box.MinLon >= center.Lon || box.MaxLon <= center.Lon {
		t.Fatalf("box does not straddle center: %+v", box)
	}
}

func TestRank_TieBreaks(t *testing.T) {
	candidates := []domain.Candidate{
		{MerchantID: snowflake.ID(30), Composite: 0.9},
		{MerchantID: snowflake.ID(200), Composite: 0.9},
		{MerchantID: snowflake.ID(100), Composite: 0.9, Affinity: true},
		{MerchantID: snowflake.ID(1), Composite: 0.95},
	}
	Rank(candidates)

	// "200" < "30" as strings.
	want := []snowflake.ID{1, 100, 200, 30}
	for i, id := range want {
		if candidates[i].MerchantID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, candidates[i].MerchantID)
		}
	}
}
