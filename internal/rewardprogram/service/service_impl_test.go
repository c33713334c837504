package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/rewardprogram/domain"
	"github.com/smallbiznis/rewardlink/internal/rewardprogram/repository"
	"github.com/smallbiznis/rewardlink/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestActiveProgram(t *testing.T) {
	db := dbtest.Open(t)
	repo := repository.Provide()
	svc := New(Params{DB: db, Log: zap.NewNop(), Repo: repo})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, p := range []domain.Program{
		{ID: 1, MerchantID: 10, FeatureID: "coffee_credits", FeatureKind: "single_use", Status: domain.StatusInactive},
		{ID: 2, MerchantID: 10, FeatureID: "coffee_credits_v2", FeatureKind: "single_use", Status: domain.StatusActive},
		{ID: 3, MerchantID: 10, FeatureID: "lounge_seats", FeatureKind: "continuous_use", Status: domain.StatusActive},
	} {
		p.CreatedAt, p.UpdatedAt = now, now
		require.NoError(t, repo.Insert(context.Background(), db, &p))
	}

	got, err := svc.ActiveProgram(context.Background(), snowflake.ID(10), "single_use")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snowflake.ID(2), got.ID)
	assert.Equal(t, "coffee_credits_v2", got.FeatureID)

	got, err = svc.ActiveProgram(context.Background(), snowflake.ID(10), "continuous_use")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snowflake.ID(3), got.ID)

	got, err = svc.ActiveProgram(context.Background(), snowflake.ID(11), "single_use")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = svc.ActiveProgram(context.Background(), snowflake.ID(10), "tiered")
	assert.ErrorIs(t, err, domain.ErrInvalidFeatureKind)
}

func TestActiveProgram_Cached(t *testing.T) {
	db := dbtest.Open(t)
	repo := repository.Provide()
	svc := New(Params{DB: db, Log: zap.NewNop(), Repo: repo})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(context.Background(), db, &domain.Program{
		ID: 1, MerchantID: 10, FeatureID: "coffee_credits", FeatureKind: "single_use",
		Status: domain.StatusActive, CreatedAt: now, UpdatedAt: now,
	}))

	_, err := svc.ActiveProgram(context.Background(), snowflake.ID(10), "single_use")
	require.NoError(t, err)
	require.NoError(t, db.Exec(`DELETE FROM reward_programs`).Error)

	got, err := svc.ActiveProgram(context.Background(), snowflake.ID(10), "single_use")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snowflake.ID(1), got.ID)
}
