package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"github.com/smallbiznis/rewardlink/internal/transaction/repository"
	"github.com/smallbiznis/rewardlink/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	repo  domain.Repository
	clock *clock.FakeClock
	store domain.Store
	svc   domain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	repo := repository.Provide()
	clk := clock.NewFakeClock(baseTime)
	log := zap.NewNop()
	return &fixture{
		db:    db,
		repo:  repo,
		clock: clk,
		store: NewStore(StoreParams{DB: db, Log: log, Repo: repo, Clock: clk}),
		svc:   New(Params{DB: db, Log: log, Repo: repo, Clock: clk}),
	}
}

func (f *fixture) insert(t *testing.T, id int64, ingestedAt time.Time, mutate func(*domain.Transaction)) domain.Transaction {
	t.Helper()
	txn := domain.Transaction{
		ID:         snowflake.ID(id),
		AccountID:  snowflake.ID(77),
		Descriptor: "SQ *JOES COFFEE #4",
		Amount:     decimal.RequireFromString("4.50"),
		Currency:   "USD",
		PostedAt:   ingestedAt,
		IngestedAt: ingestedAt,
		MatchState: domain.MatchStateUnmatched,
		CreatedAt:  ingestedAt,
		UpdatedAt:  ingestedAt,
	}
	if mutate != nil {
		mutate(&txn)
	}
	if err := f.repo.Insert(context.Background(), f.db, &txn); err != nil {
		t.Fatalf("insert transaction %d: %v", id, err)
	}
	return txn
}

func (f *fixture) reload(t *testing.T, id int64) *domain.Transaction {
	t.Helper()
	txn, err := f.repo.FindByID(context.Background(), f.db, snowflake.ID(id))
	if err != nil {
		t.Fatalf("find transaction %d: %v", id, err)
	}
	if txn == nil {
		t.Fatalf("transaction %d not found", id)
	}
	return txn
}

func fetch(limit int) domain.FetchRequest {
	return domain.FetchRequest{Limit: limit, MaxAttempts: 5, LeaseDuration: 2 * time.Minute}
}

func TestFetchUnmatchedBatch_OrdersByIngestion(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 3, baseTime.Add(-1*time.Minute), nil)
	f.insert(t, 1, baseTime.Add(-3*time.Minute), nil)
	f.insert(t, 2, baseTime.Add(-2*time.Minute), func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateDeferred
		txn.MatchAttempts = 2
	})
	f.insert(t, 4, baseTime.Add(-4*time.Minute), func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateMatched
	})

	items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(10))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 leased rows, got %d", len(items))
	}
	for i, want := range []snowflake.ID{1, 2, 3} {
		if items[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, items[i].ID)
		}
		if items[i].Lease() == "" || items[i].LeasedUntil == nil {
			t.Fatalf("row %s returned without lease", items[i].ID)
		}
	}
}

func TestFetchUnmatchedBatch_LeaseIsExclusive(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 5; i++ {
		f.insert(t, i, baseTime.Add(time.Duration(-i)*time.Minute), nil)
	}

	first, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(10))
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(first))
	}

	second, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(10))
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("leased rows handed out twice: %d", len(second))
	}

	f.clock.Advance(3 * time.Minute)
	third, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(10))
	if err != nil {
		t.Fatalf("third fetch: %v", err)
	}
	if len(third) != 5 {
		t.Fatalf("expired leases should be claimable again, got %d", len(third))
	}
}

func TestFetchUnmatchedBatch_ConcurrentClaimersNeverOverlap(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 40; i++ {
		f.insert(t, i, baseTime.Add(time.Duration(-i)*time.Second), nil)
	}

	var (
		mu   sync.Mutex
		seen = map[snowflake.ID]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(15))
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			mu.Lock()
			for _, item := range items {
				seen[item.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Fatalf("expected all 40 rows claimed exactly once, got %d distinct", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("transaction %s claimed %d times", id, n)
		}
	}
}

func TestFetchUnmatchedBatch_SkipsExhaustedAttempts(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime.Add(-time.Minute), func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateDeferred
		txn.MatchAttempts = 6
	})
	f.insert(t, 2, baseTime.Add(-time.Minute), func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateDeferred
		txn.MatchAttempts = 5
	})

	items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(10))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID != 2 {
		t.Fatalf("expected only transaction 2, got %+v", items)
	}
}

func TestCommitOutcome_PersistsAndClearsLease(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime.Add(-time.Minute), nil)

	items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1))
	if err != nil || len(items) != 1 {
		t.Fatalf("fetch: %v (%d rows)", err, len(items))
	}

	merchant := snowflake.ID(900)
	program := snowflake.ID(901)
	err = f.store.CommitOutcome(context.Background(), items[0], domain.Outcome{
		State:      domain.MatchStateMatched,
		MerchantID: &merchant,
		ProgramID:  &program,
		Confidence: 0.92,
		Attempts:   1,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := f.reload(t, 1)
	if got.MatchState != domain.MatchStateMatched {
		t.Fatalf("expected matched, got %s", got.MatchState)
	}
	if got.MatchedMerchantID == nil || *got.MatchedMerchantID != merchant {
		t.Fatalf("expected merchant %s, got %v", merchant, got.MatchedMerchantID)
	}
	if got.MatchedProgramID == nil || *got.MatchedProgramID != program {
		t.Fatalf("expected program %s, got %v", program, got.MatchedProgramID)
	}
	if got.LeaseToken != nil || got.LeasedUntil != nil {
		t.Fatalf("lease not cleared")
	}
	if got.MatchAttempts != 1 || got.LastAttemptAt == nil {
		t.Fatalf("attempt bookkeeping missing: attempts=%d last=%v", got.MatchAttempts, got.LastAttemptAt)
	}

	// A second commit with the same (now released) lease must conflict.
	err = f.store.CommitOutcome(context.Background(), items[0], domain.Outcome{
		State:    domain.MatchStateUnmatchable,
		Reason:   domain.ReasonNoConfidentMatch,
		Attempts: 2,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCommitOutcome_ExpiredLeaseConflicts(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime.Add(-time.Minute), nil)

	items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1))
	if err != nil || len(items) != 1 {
		t.Fatalf("fetch: %v (%d rows)", err, len(items))
	}

	f.clock.Advance(5 * time.Minute)
	err = f.store.CommitOutcome(context.Background(), items[0], domain.Outcome{
		State:    domain.MatchStateDeferred,
		Attempts: 1,
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.TransactionID != 1 {
		t.Fatalf("expected conflict for transaction 1, got %v", err)
	}
	if got := f.reload(t, 1); got.MatchState != domain.MatchStateUnmatched {
		t.Fatalf("row changed despite conflict: %s", got.MatchState)
	}
}

func TestCommitOutcome_ForeignLeaseConflicts(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime.Add(-time.Minute), nil)

	items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1))
	if err != nil || len(items) != 1 {
		t.Fatalf("fetch: %v (%d rows)", err, len(items))
	}

	stolen := items[0]
	token := "01HZZZZZZZZZZZZZZZZZZZZZZZ"
	stolen.LeaseToken = &token
	err = f.store.CommitOutcome(context.Background(), stolen, domain.Outcome{
		State:    domain.MatchStateDeferred,
		Attempts: 1,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCommitOutcome_RejectsInvalidOutcome(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime.Add(-time.Minute), nil)

	items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1))
	if err != nil || len(items) != 1 {
		t.Fatalf("fetch: %v (%d rows)", err, len(items))
	}

	err = f.store.CommitOutcome(context.Background(), items[0], domain.Outcome{
		State:    domain.MatchStateUnmatchable,
		Attempts: 1,
	})
	if !errors.Is(err, domain.ErrInvalidOutcome) {
		t.Fatalf("expected invalid outcome, got %v", err)
	}
}

func TestReleaseLease_MakesRowClaimable(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime.Add(-time.Minute), nil)

	items, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1))
	if err != nil || len(items) != 1 {
		t.Fatalf("fetch: %v (%d rows)", err, len(items))
	}
	if err := f.store.ReleaseLease(context.Background(), items[0]); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1))
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(again) != 1 || again[0].ID != 1 {
		t.Fatalf("released row not claimable")
	}
	if again[0].Lease() == items[0].Lease() {
		t.Fatalf("expected a fresh lease token")
	}
}

func TestRecoverExpiredLeases(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime.Add(-2*time.Minute), nil)
	f.insert(t, 2, baseTime.Add(-time.Minute), nil)

	if _, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.clock.Advance(90 * time.Second)
	if _, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1)); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Only the first lease has expired at this point.
	f.clock.Advance(60 * time.Second)
	cleared, err := f.store.RecoverExpiredLeases(context.Background(), 100)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 lease cleared, got %d", cleared)
	}
	if got := f.reload(t, 1); got.LeaseToken != nil {
		t.Fatalf("expired lease still present")
	}
	if got := f.reload(t, 2); got.LeaseToken == nil {
		t.Fatalf("live lease was cleared")
	}
}

func TestPriorMerchantMatches(t *testing.T) {
	f := newFixture(t)
	a, b := snowflake.ID(500), snowflake.ID(600)
	matched := func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateMatched
	}
	for i, m := range []snowflake.ID{a, b, b} {
		id := int64(i + 1)
		f.insert(t, id, baseTime.Add(-time.Hour), matched)
		if err := f.db.Exec(`UPDATE transactions SET matched_merchant_id = ? WHERE id = ?`, m, id).Error; err != nil {
			t.Fatalf("set merchant: %v", err)
		}
	}

	ids, err := f.store.PriorMerchantMatches(context.Background(), snowflake.ID(77), 5)
	if err != nil {
		t.Fatalf("prior matches: %v", err)
	}
	if len(ids) != 2 || ids[0] != b || ids[1] != a {
		t.Fatalf("expected [%s %s], got %v", b, a, ids)
	}
}
