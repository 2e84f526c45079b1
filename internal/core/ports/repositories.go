package ports

import (
	"context"

	"undercover/internal/core/domain"
)

// RankingService answers rank lookups. Scores are computed elsewhere.
type RankingService interface {
	LiveRank(ctx context.Context, user domain.UserID) (*domain.LiveRank, error)
}
