package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/clock"
	merchantdomain "github.com/smallbiznis/rewardlink/internal/merchant/domain"
	meteringdomain "github.com/smallbiznis/rewardlink/internal/metering/domain"
	meteringrepository "github.com/smallbiznis/rewardlink/internal/metering/repository"
	meteringservice "github.com/smallbiznis/rewardlink/internal/metering/service"
	rewardprogramdomain "github.com/smallbiznis/rewardlink/internal/rewardprogram/domain"
	rewardprogramrepository "github.com/smallbiznis/rewardlink/internal/rewardprogram/repository"
	rewardprogramservice "github.com/smallbiznis/rewardlink/internal/rewardprogram/service"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"github.com/smallbiznis/rewardlink/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	joesCoffee  = snowflake.ID(1001)
	joesProgram = snowflake.ID(2001)
)

type stubResolver struct {
	candidates []merchantdomain.Candidate
	err        error
}

func (s stubResolver) FindCandidates(context.Context, transactiondomain.Transaction, merchantdomain.Scoring) ([]merchantdomain.Candidate, error) {
	return s.candidates, s.err
}

type mockGate struct {
	mock.Mock
}

func (m *mockGate) TryCredit(ctx context.Context, req meteringdomain.CreditRequest) (meteringdomain.Grant, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(meteringdomain.Grant), args.Error(1)
}

type stubPrograms struct {
	program *rewardprogramdomain.Program
	err     error
}

func (s stubPrograms) ActiveProgram(context.Context, snowflake.ID, string) (*rewardprogramdomain.Program, error) {
	return s.program, s.err
}

func settings() Settings {
	return Settings{
		Policy: Policy{
			AcceptThreshold:    0.8,
			DeferThreshold:     0.5,
			MaxAttempts:        5,
			ProgramFeatureKind: "single_use",
		},
		Scoring: merchantdomain.Scoring{NameWeight: 0.7, GeoWeight: 0.3, MaxCandidates: 10, SearchRadiusMeters: 2000},
	}
}

func joesTxn(attempts int) transactiondomain.Transaction {
	return transactiondomain.Transaction{
		ID:            snowflake.ID(555),
		AccountID:     snowflake.ID(77),
		Descriptor:    "JOES COFFEE #4",
		MatchState:    transactiondomain.MatchStateUnmatched,
		MatchAttempts: attempts,
	}
}

func candidate(id snowflake.ID, score float64) merchantdomain.Candidate {
	return merchantdomain.Candidate{MerchantID: id, Name: "Joe's Coffee Shop", NameSimilarity: score, Composite: score}
}

// scenarioEngine wires the real SQL gate and program lookup over sqlite.
func scenarioEngine(t *testing.T, resolver merchantdomain.Resolver, includedUsage int64) (*Engine, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	require.NoError(t, db.Exec(
		`INSERT INTO usage_features (id, kind, included_usage, reset_interval) VALUES (?, ?, ?, ?)`,
		"joes_coffee_credits", "single_use", includedUsage, "month",
	).Error)
	programRepo := rewardprogramrepository.Provide()
	require.NoError(t, programRepo.Insert(context.Background(), db, &rewardprogramdomain.Program{
		ID:          joesProgram,
		MerchantID:  joesCoffee,
		FeatureID:   "joes_coffee_credits",
		FeatureKind: "single_use",
		Status:      rewardprogramdomain.StatusActive,
		CreatedAt:   clk.Now(),
		UpdatedAt:   clk.Now(),
	}))

	meteringRepo := meteringrepository.Provide()
	gate := meteringservice.NewSQLGate(db, log, meteringRepo, meteringservice.NewFeatureStore(db, meteringRepo), clk, node, nil)
	engine := NewEngine(Params{
		Log:      log,
		Resolver: resolver,
		Programs: rewardprogramservice.New(rewardprogramservice.Params{DB: db, Log: log, Repo: programRepo}),
		Gate:     gate,
	})
	return engine, db
}

func counterUsed(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var used int64
	require.NoError(t, db.Raw(`SELECT COALESCE(SUM(used), 0) FROM usage_counters`).Scan(&used).Error)
	return used
}

func TestEvaluate_ConfidentMatchIsCredited(t *testing.T) {
	engine, db := scenarioEngine(t, stubResolver{candidates: []merchantdomain.Candidate{candidate(joesCoffee, 0.92)}}, 50)

	outcome, err := engine.Evaluate(context.Background(), joesTxn(0), settings())
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateMatched, outcome.State)
	require.NotNil(t, outcome.MerchantID)
	assert.Equal(t, joesCoffee, *outcome.MerchantID)
	require.NotNil(t, outcome.ProgramID)
	assert.Equal(t, joesProgram, *outcome.ProgramID)
	assert.Equal(t, 0.92, outcome.Confidence)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, int64(1), counterUsed(t, db))

	var remaining int64
	require.NoError(t, db.Raw(`SELECT remaining FROM usage_credits WHERE idempotency_key = ?`, "txn:555:program:2001").Scan(&remaining).Error)
	assert.Equal(t, int64(49), remaining)
}

func TestEvaluate_UsageCapReachedIsUnmatchable(t *testing.T) {
	engine, db := scenarioEngine(t, stubResolver{candidates: []merchantdomain.Candidate{candidate(joesCoffee, 0.92)}}, 50)
	require.NoError(t, db.Exec(
		`INSERT INTO usage_counters (feature_id, subject_id, bucket_start, used) VALUES (?, ?, ?, ?)`,
		"joes_coffee_credits", joesProgram, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 50,
	).Error)

	outcome, err := engine.Evaluate(context.Background(), joesTxn(0), settings())
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateUnmatchable, outcome.State)
	assert.Equal(t, transactiondomain.ReasonUsageLimitExceeded, outcome.Reason)
	assert.NoError(t, outcome.Validate())
	assert.Equal(t, int64(50), counterUsed(t, db))
}

func TestEvaluate_NoCandidatesSpendsBudget(t *testing.T) {
	engine, _ := scenarioEngine(t, stubResolver{}, 50)
	s := settings()

	outcome, err := engine.Evaluate(context.Background(), joesTxn(s.Policy.MaxAttempts-1), s)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateDeferred, outcome.State)
	assert.Equal(t, s.Policy.MaxAttempts, outcome.Attempts)
	assert.Equal(t, transactiondomain.ReasonNoConfidentMatch, outcome.Reason)

	next := joesTxn(outcome.Attempts)
	next.MatchState = transactiondomain.MatchStateDeferred
	outcome, err = engine.Evaluate(context.Background(), next, s)
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateUnmatchable, outcome.State)
	assert.Equal(t, transactiondomain.ReasonNoConfidentMatch, outcome.Reason)
	assert.Equal(t, transactiondomain.MatchStateDeferred, outcome.From)
}

func TestEvaluate_AmbiguousDefers(t *testing.T) {
	gate := &mockGate{}
	engine := NewEngine(Params{
		Log:      zap.NewNop(),
		Resolver: stubResolver{candidates: []merchantdomain.Candidate{candidate(joesCoffee, 0.65)}},
		Programs: stubPrograms{},
		Gate:     gate,
	})

	outcome, err := engine.Evaluate(context.Background(), joesTxn(1), settings())
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateDeferred, outcome.State)
	assert.Equal(t, transactiondomain.ReasonAmbiguousMatch, outcome.Reason)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Nil(t, outcome.MerchantID)
	gate.AssertNotCalled(t, "TryCredit", mock.Anything, mock.Anything)
}

func TestEvaluate_MeteringUnavailableDefersWithoutSpendingBudget(t *testing.T) {
	gate := &mockGate{}
	gate.On("TryCredit", mock.Anything, mock.MatchedBy(func(req meteringdomain.CreditRequest) bool {
		return req.IdempotencyKey == "txn:555:program:2001" && req.SubjectID == joesProgram && req.Amount == 1
	})).Return(meteringdomain.Grant{}, &meteringdomain.UnavailableError{Op: "try credit", Err: errors.New("connection refused")})

	engine := NewEngine(Params{
		Log:      zap.NewNop(),
		Resolver: stubResolver{candidates: []merchantdomain.Candidate{candidate(joesCoffee, 0.92)}},
		Programs: stubPrograms{program: &rewardprogramdomain.Program{ID: joesProgram, MerchantID: joesCoffee, FeatureID: "joes_coffee_credits"}},
		Gate:     gate,
	})

	outcome, err := engine.Evaluate(context.Background(), joesTxn(2), settings())
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateDeferred, outcome.State)
	assert.Equal(t, transactiondomain.ReasonMeteringUnavailable, outcome.Reason)
	assert.Equal(t, 2, outcome.Attempts)
	gate.AssertExpectations(t)
}

func TestEvaluate_MatchWithoutProgram(t *testing.T) {
	gate := &mockGate{}
	engine := NewEngine(Params{
		Log:      zap.NewNop(),
		Resolver: stubResolver{candidates: []merchantdomain.Candidate{candidate(joesCoffee, 0.95)}},
		Programs: stubPrograms{},
		Gate:     gate,
	})

	outcome, err := engine.Evaluate(context.Background(), joesTxn(0), settings())
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateMatched, outcome.State)
	assert.Nil(t, outcome.ProgramID)
	gate.AssertNotCalled(t, "TryCredit", mock.Anything, mock.Anything)
}

func TestEvaluate_ResolverErrorCountsAsNoCandidates(t *testing.T) {
	engine := NewEngine(Params{
		Log:      zap.NewNop(),
		Resolver: stubResolver{err: &merchantdomain.ResolverError{Source: "name_search", Err: errors.New("timeout")}},
		Programs: stubPrograms{},
		Gate:     &mockGate{},
	})

	outcome, err := engine.Evaluate(context.Background(), joesTxn(0), settings())
	require.NoError(t, err)
	assert.Equal(t, transactiondomain.MatchStateDeferred, outcome.State)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestEvaluate_ProgramLookupErrorIsReturned(t *testing.T) {
	engine := NewEngine(Params{
		Log:      zap.NewNop(),
		Resolver: stubResolver{candidates: []merchantdomain.Candidate{candidate(joesCoffee, 0.95)}},
		Programs: stubPrograms{err: errors.New("db down")},
		Gate:     &mockGate{},
	})

	_, err := engine.Evaluate(context.Background(), joesTxn(0), settings())
	assert.Error(t, err)
}

func TestEvaluate_InvalidPolicy(t *testing.T) {
	engine := NewEngine(Params{Log: zap.NewNop(), Resolver: stubResolver{}, Programs: stubPrograms{}, Gate: &mockGate{}})
	s := settings()
	s.Policy.DeferThreshold = 0.9

	_, err := engine.Evaluate(context.Background(), joesTxn(0), s)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
