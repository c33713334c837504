package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rewardlink/internal/clock"
	"github.com/smallbiznis/rewardlink/internal/config"
	"github.com/smallbiznis/rewardlink/internal/matching"
	"github.com/smallbiznis/rewardlink/internal/ratelimit"
	"github.com/smallbiznis/rewardlink/internal/scheduler"
	transactiondomain "github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"go.uber.org/zap"
)

type fakeTransactionService struct {
	getCalls   int
	retryCalls int
	lastList   transactiondomain.ListRequest
	err        error
}

func (f *fakeTransactionService) Get(ctx context.Context, id string) (*transactiondomain.Response, error) {
	f.getCalls++
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	return &transactiondomain.Response{ID: id, MatchState: transactiondomain.MatchStateMatched}, nil
}

func (f *fakeTransactionService) ListByAccount(ctx context.Context, req transactiondomain.ListRequest) (*transactiondomain.ListResponse, error) {
	f.lastList = req
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	return &transactiondomain.ListResponse{
		Items:         []transactiondomain.Response{{ID: "11", AccountID: req.AccountID}},
		NextPageToken: "next",
		HasMore:       true,
	}, nil
}

func (f *fakeTransactionService) Retry(ctx context.Context, id string) (*transactiondomain.Response, error) {
	f.retryCalls++
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	return &transactiondomain.Response{ID: id, MatchState: transactiondomain.MatchStateUnmatched}, nil
}

func (f *fakeTransactionService) Stats(ctx context.Context) (map[transactiondomain.MatchState]int64, error) {
	_ = ctx
	return map[transactiondomain.MatchState]int64{
		transactiondomain.MatchStateUnmatched: 3,
		transactiondomain.MatchStateMatched:   7,
	}, nil
}

type emptyStore struct {
	fetches int
}

func (s *emptyStore) FetchUnmatchedBatch(ctx context.Context, req transactiondomain.FetchRequest) ([]transactiondomain.Transaction, error) {
	s.fetches++
	return nil, nil
}

func (s *emptyStore) CommitOutcome(ctx context.Context, txn transactiondomain.Transaction, outcome transactiondomain.Outcome) error {
	return nil
}

func (s *emptyStore) ReleaseLease(ctx context.Context, txn transactiondomain.Transaction) error {
	return nil
}

func (s *emptyStore) PriorMerchantMatches(ctx context.Context, accountID snowflake.ID, limit int) ([]snowflake.ID, error) {
	return nil, nil
}

func (s *emptyStore) RecoverExpiredLeases(ctx context.Context, limit int) (int64, error) {
	return 0, nil
}

func (s *emptyStore) FinalizeExhausted(ctx context.Context, maxAttempts int, limit int) (int64, error) {
	return 0, nil
}

type noopEvaluator struct{}

func (noopEvaluator) Evaluate(ctx context.Context, txn transactiondomain.Transaction, settings matching.Settings) (transactiondomain.Outcome, error) {
	return transactiondomain.Outcome{}, nil
}

type testServerOption func(*ServerParams)

func newTestServer(t *testing.T, svc *fakeTransactionService, opts ...testServerOption) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())

	params := ServerParams{
		Gin:            router,
		Cfg:            config.Config{Environment: "test"},
		Log:            zap.NewNop(),
		TransactionSvc: svc,
	}
	for _, opt := range opts {
		opt(&params)
	}
	NewServer(params)
	return router
}

func withScheduler(t *testing.T, store *emptyStore) testServerOption {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	sched, err := scheduler.New(scheduler.Params{
		Log:       zap.NewNop(),
		Store:     store,
		Evaluator: noopEvaluator{},
		Reconcile: config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig()),
		GenID:     node,
		Clock:     clock.NewFakeClock(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return func(p *ServerParams) { p.Scheduler = sched }
}

func do(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, resp.Body.String())
	}
	return body.Error
}

func TestGetTransactionReturnsData(t *testing.T) {
	svc := &fakeTransactionService{}
	router := newTestServer(t, svc)

	resp := do(router, http.MethodGet, "/v1/transactions/42", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var body struct {
		Data transactiondomain.Response `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data.ID != "42" || body.Data.MatchState != transactiondomain.MatchStateMatched {
		t.Fatalf("unexpected body: %+v", body.Data)
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"not found", transactiondomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"invalid id", transactiondomain.ErrInvalidID, http.StatusBadRequest, "validation_error"},
		{"invalid state", transactiondomain.ErrInvalidState, http.StatusBadRequest, "validation_error"},
		{"not deferred", transactiondomain.ErrNotDeferred, http.StatusConflict, "conflict"},
		{"lease held", transactiondomain.ErrLeaseHeld, http.StatusConflict, "conflict"},
		{"store down", &transactiondomain.TransientError{Op: "fetch", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable, "service_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestServer(t, &fakeTransactionService{err: tc.err})

			resp := do(router, http.MethodPost, "/v1/transactions/42/retry", nil)
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.Code)
			}
			if got := decodeError(t, resp).Type; got != tc.typ {
				t.Fatalf("expected error type %q, got %q", tc.typ, got)
			}
		})
	}
}

func TestInvalidStateReportsField(t *testing.T) {
	router := newTestServer(t, &fakeTransactionService{err: transactiondomain.ErrInvalidState})

	resp := do(router, http.MethodGet, "/v1/accounts/7/transactions?state=bogus", nil)
	payload := decodeError(t, resp)
	if len(payload.Errors) != 1 || payload.Errors[0].Field != "state" {
		t.Fatalf("expected state validation error, got %+v", payload.Errors)
	}
}

func TestListAccountTransactionsPassesQuery(t *testing.T) {
	svc := &fakeTransactionService{}
	router := newTestServer(t, svc)

	resp := do(router, http.MethodGet, "/v1/accounts/7/transactions?state=deferred&page_size=5&page_token=abc", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	want := transactiondomain.ListRequest{AccountID: "7", State: "deferred", PageToken: "abc", PageSize: 5}
	if svc.lastList != want {
		t.Fatalf("unexpected list request: %+v", svc.lastList)
	}

	var body struct {
		Data     []transactiondomain.Response `json:"data"`
		PageInfo struct {
			NextPageToken string `json:"next_page_token"`
			HasMore       bool   `json:"has_more"`
		} `json:"page_info"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Data) != 1 || !body.PageInfo.HasMore || body.PageInfo.NextPageToken != "next" {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestInternalRoutesRequireToken(t *testing.T) {
	svc := &fakeTransactionService{}
	router := newTestServer(t, svc, func(p *ServerParams) {
		p.Cfg.InternalAPIToken = "s3cret"
	})

	resp := do(router, http.MethodGet, "/internal/reconcile/stats", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without token, got %d", resp.Code)
	}

	resp = do(router, http.MethodPost, "/v1/transactions/42/retry", map[string]string{"Authorization": "Bearer wrong"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 with wrong token, got %d", resp.Code)
	}
	if svc.retryCalls != 0 {
		t.Fatal("expected retry not to reach the service")
	}

	resp = do(router, http.MethodGet, "/internal/reconcile/stats", map[string]string{"Authorization": "Bearer s3cret"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 with token, got %d", resp.Code)
	}
	var body struct {
		Data map[string]int64 `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data["matched"] != 7 || body.Data["unmatched"] != 3 {
		t.Fatalf("unexpected stats: %+v", body.Data)
	}
}

func TestTriggerReconcileWithoutSchedulerIsUnavailable(t *testing.T) {
	router := newTestServer(t, &fakeTransactionService{})

	resp := do(router, http.MethodPost, "/internal/reconcile/run", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
}

func TestTriggerReconcileRunsOnceAndRateLimits(t *testing.T) {
	cfg := config.Config{TriggerRateLimit: config.TriggerRateLimitConfig{
		Enabled: true,
		Rate:    0.001,
		Burst:   1,
	}}
	limiter, err := ratelimit.NewTriggerLimiter(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new trigger limiter: %v", err)
	}

	store := &emptyStore{}
	router := newTestServer(t, &fakeTransactionService{},
		withScheduler(t, store),
		func(p *ServerParams) { p.TriggerLimiter = limiter },
	)
	headers := map[string]string{headerCaller: "ops"}

	resp := do(router, http.MethodPost, "/internal/reconcile/run", headers)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if store.fetches != 1 {
		t.Fatalf("expected one fetch, got %d", store.fetches)
	}

	resp = do(router, http.MethodPost, "/internal/reconcile/run", headers)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := resp.Header().Get("X-Rate-Limited-Reason"); got != rateLimitReasonCallerRate {
		t.Fatalf("expected reason %q, got %q", rateLimitReasonCallerRate, got)
	}
	if store.fetches != 1 {
		t.Fatalf("expected denied trigger not to run, got %d fetches", store.fetches)
	}

	resp = do(router, http.MethodPost, "/internal/reconcile/run", map[string]string{headerCaller: "other"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected a different caller to pass, got %d", resp.Code)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	router := newTestServer(t, &fakeTransactionService{})

	resp := do(router, http.MethodGet, "/v1/nope", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}
