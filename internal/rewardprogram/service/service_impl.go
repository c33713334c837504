package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardlink/internal/cache"
	"github.com/smallbiznis/rewardlink/internal/rewardprogram/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	programCacheTTL = time.Minute
	// Misses are cached briefly so merchants without a program stay cheap.
	programMissTTL = 15 * time.Second
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	programs cache.Cache[string, *domain.Program]
}

func New(p Params) domain.Lookup {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("rewardprogram.service"),
		repo:     p.Repo,
		programs: cache.NewTTLCache[string, *domain.Program](),
	}
}

func (s *Service) ActiveProgram(ctx context.Context, merchantID snowflake.ID, featureKind string) (*domain.Program, error) {
	switch featureKind {
	case "single_use", "continuous_use":
	default:
		return nil, domain.ErrInvalidFeatureKind
	}

	key := fmt.Sprintf("%s|%s", merchantID, featureKind)
	if program, ok := s.programs.Get(key); ok {
		return program, nil
	}

	program, err := s.repo.FindActive(ctx, s.db, merchantID, featureKind)
	if err != nil {
		return nil, fmt.Errorf("find active program: %w", err)
	}
	if program == nil {
		s.programs.Set(key, nil, programMissTTL)
		return nil, nil
	}
	s.programs.Set(key, program, programCacheTTL)
	return program, nil
}
