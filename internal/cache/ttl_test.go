package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/rewardlink/internal/clock"
)

func TestTTLCache_Expiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewBoundedTTLCache[string, int](0, clk.Now)

	c.Set("a", 1, time.Minute)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}

	clk.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed")
	}
}

func TestTTLCache_IgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 0)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("zero ttl should not store")
	}
}

func TestTTLCache_Bounded(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewBoundedTTLCache[int, int](2, clk.Now)

	c.Set(1, 1, time.Second)
	c.Set(2, 2, time.Hour)
	clk.Advance(2 * time.Second)
	c.Set(3, 3, time.Hour)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Fatalf("expired entry should be evicted first")
	}
	if _, ok := c.Get(3); !ok {
		t.Fatalf("new entry missing")
	}
}
