package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/rewardlink/internal/transaction/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Get(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 42, baseTime, nil)

	resp, err := f.svc.Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", resp.ID)
	assert.Equal(t, domain.MatchStateUnmatched, resp.MatchState)
	assert.Equal(t, "4.5", resp.Amount.String())

	_, err = f.svc.Get(context.Background(), "43")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Get(context.Background(), "not-an-id")
	assert.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestService_ListByAccount_Paginates(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 5; i++ {
		f.insert(t, i, baseTime.Add(time.Duration(i)*time.Minute), nil)
	}

	first, err := f.svc.ListByAccount(context.Background(), domain.ListRequest{AccountID: "77", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "5", first.Items[0].ID)
	assert.Equal(t, "4", first.Items[1].ID)

	second, err := f.svc.ListByAccount(context.Background(), domain.ListRequest{AccountID: "77", PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "3", second.Items[0].ID)
	assert.Equal(t, "2", second.Items[1].ID)

	third, err := f.svc.ListByAccount(context.Background(), domain.ListRequest{AccountID: "77", PageSize: 2, PageToken: second.NextPageToken})
	require.NoError(t, err)
	require.Len(t, third.Items, 1)
	assert.False(t, third.HasMore)
	assert.Empty(t, third.NextPageToken)
}

func TestService_ListByAccount_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListByAccount(context.Background(), domain.ListRequest{AccountID: "77", State: "lost"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.svc.ListByAccount(context.Background(), domain.ListRequest{AccountID: "77", PageToken: "%%%"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestService_Retry(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime, func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateDeferred
		txn.MatchAttempts = 5
	})
	f.insert(t, 2, baseTime, func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateMatched
	})

	resp, err := f.svc.Retry(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStateUnmatched, resp.MatchState)
	assert.Equal(t, 0, resp.MatchAttempts)

	_, err = f.svc.Retry(context.Background(), "2")
	assert.ErrorIs(t, err, domain.ErrNotDeferred)

	_, err = f.svc.Retry(context.Background(), "3")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_Retry_LeasedRowIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime, func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateDeferred
		txn.MatchAttempts = 1
	})
	_, err := f.store.FetchUnmatchedBatch(context.Background(), fetch(1))
	require.NoError(t, err)

	_, err = f.svc.Retry(context.Background(), "1")
	if !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("expected lease held, got %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, baseTime, nil)
	f.insert(t, 2, baseTime, nil)
	f.insert(t, 3, baseTime, func(txn *domain.Transaction) {
		txn.MatchState = domain.MatchStateMatched
	})

	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[domain.MatchStateUnmatched])
	assert.Equal(t, int64(1), stats[domain.MatchStateMatched])
	assert.Equal(t, int64(0), stats[domain.MatchStateDeferred])
	assert.Equal(t, int64(0), stats[domain.MatchStateUnmatchable])
}
