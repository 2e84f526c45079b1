package services

import (
	"context"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
	"undercover/pkg/cache"
)

// CachedRankingService answers repeated live-rank requests for the same
// user from memory for a short TTL.
type CachedRankingService struct {
	base  ports.RankingService
	cache *cache.Cache[domain.UserID, *domain.LiveRank]
}

func NewCachedRankingService(base ports.RankingService, ttl time.Duration) *CachedRankingService {
	return &CachedRankingService{
		base:  base,
		cache: cache.New[domain.UserID, *domain.LiveRank](ttl, 10*ttl),
	}
}

func (s *CachedRankingService) LiveRank(ctx context.Context, user domain.UserID) (*domain.LiveRank, error) {
	return s.cache.GetOrLoad(ctx, user, func(ctx context.Context) (*domain.LiveRank, error) {
		return s.base.LiveRank(ctx, user)
	})
}

// Invalidate drops the cached rank of one user, or of everyone when user is
// empty.
func (s *CachedRankingService) Invalidate(user domain.UserID) {
	if user == "" {
		s.cache.Clear()
		return
	}
	s.cache.Delete(user)
}

func (s *CachedRankingService) Close() {
	s.cache.Stop()
}
