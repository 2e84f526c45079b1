package memory

import (
	"context"
	"sort"
	"sync"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
)

type scoreEntry struct {
	username string
	score    float64
}

// MemoryRankingRepository is a process-local ranking used when Redis is off.
type MemoryRankingRepository struct {
	scores map[domain.UserID]scoreEntry
	mu     sync.RWMutex
}

var _ ports.RankingService = (*MemoryRankingRepository)(nil)

func NewMemoryRankingRepository() *MemoryRankingRepository {
	return &MemoryRankingRepository{
		scores: make(map[domain.UserID]scoreEntry),
	}
}

// SetScore records user's score, replacing any previous one.
func (r *MemoryRankingRepository) SetScore(user domain.UserID, username string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[user] = scoreEntry{username: username, score: score}
}

func (r *MemoryRankingRepository) LiveRank(ctx context.Context, user domain.UserID) (*domain.LiveRank, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.scores[user]; !ok {
		return nil, domain.ErrUserNotRanked
	}

	ranked := r.rankedLocked()
	for _, e := range ranked {
		if e.UserID == user {
			return &domain.LiveRank{
				UserID: user,
				Rank:   e.Rank,
				Score:  e.Score,
				Nearby: domain.Nearby(ranked, e.Rank, domain.NearbyWindow),
			}, nil
		}
	}
	return nil, domain.ErrUserNotRanked
}

// rankedLocked orders by score descending, then user id descending to match
// ZREVRANGE on equal scores.
func (r *MemoryRankingRepository) rankedLocked() []domain.RankEntry {
	entries := make([]domain.RankEntry, 0, len(r.scores))
	for id, s := range r.scores {
		entries = append(entries, domain.RankEntry{UserID: id, Username: s.username, Score: s.score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID > entries[j].UserID
	})
	for i := range entries {
		entries[i].Rank = int64(i) + 1
	}
	return entries
}
