package seed

import (
	"testing"

	"github.com/smallbiznis/rewardlink/pkg/db/dbtest"
)

func TestEnsureDemoDataIsIdempotent(t *testing.T) {
	db := dbtest.Open(t)

	for i := 0; i < 2; i++ {
		if err := EnsureDemoData(db); err != nil {
			t.Fatalf("seed run %d: %v", i+1, err)
		}
	}

	counts := map[string]int64{
		"merchants":       int64(len(demoMerchants)),
		"usage_features":  2,
		"reward_programs": 2,
		"transactions":    5,
	}
	for table, want := range counts {
		var got int64
		if err := db.Table(table).Count(&got).Error; err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if got != want {
			t.Fatalf("expected %d rows in %s, got %d", want, table, got)
		}
	}

	var unmatched int64
	if err := db.Table("transactions").Where("match_state = ?", "unmatched").Count(&unmatched).Error; err != nil {
		t.Fatalf("count unmatched: %v", err)
	}
	if unmatched != 5 {
		t.Fatalf("expected seeded transactions to be unmatched, got %d", unmatched)
	}
}

func TestEnsureDemoDataRequiresDB(t *testing.T) {
	if err := EnsureDemoData(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}
