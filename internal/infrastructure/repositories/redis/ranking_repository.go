package redis

import (
	"context"
	"errors"
	"fmt"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
	"undercover/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// Keys written by the leaderboard service.
const (
	ScoresKey    = "leaderboard:scores"
	UsernamesKey = "leaderboard:users"
)

// RedisRankingRepository reads live ranks from the leaderboard sorted set.
// Rank 1 is the highest score.
type RedisRankingRepository struct {
	client    *redis.Client
	scoresKey string
	usersKey  string
}

func NewRedisRankingRepository(client *redis.Client) ports.RankingService {
	return &RedisRankingRepository{
		client:    client,
		scoresKey: ScoresKey,
		usersKey:  UsernamesKey,
	}
}

func (r *RedisRankingRepository) LiveRank(ctx context.Context, user domain.UserID) (*domain.LiveRank, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "live_rank", r.scoresKey)
	defer span.End()

	pipe := r.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, r.scoresKey, string(user))
	scoreCmd := pipe.ZScore(ctx, r.scoresKey, string(user))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrUserNotRanked
		}
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read rank: %w", err)
	}

	index := rankCmd.Val()
	start := index - domain.NearbyWindow
	if start < 0 {
		start = 0
	}
	window, err := r.client.ZRevRangeWithScores(ctx, r.scoresKey, start, index+domain.NearbyWindow).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read nearby ranks: %w", err)
	}

	ids := make([]string, len(window))
	for i, z := range window {
		ids[i] = fmt.Sprint(z.Member)
	}
	var names []interface{}
	if len(ids) > 0 {
		names, err = r.client.HMGet(ctx, r.usersKey, ids...).Result()
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("failed to read usernames: %w", err)
		}
	}

	return &domain.LiveRank{
		UserID: user,
		Rank:   index + 1,
		Score:  scoreCmd.Val(),
		Nearby: domain.Nearby(rankEntries(start, ids, window, names), index+1, domain.NearbyWindow),
	}, nil
}

// rankEntries turns a ZREVRANGE slice starting at index start into entries.
func rankEntries(start int64, ids []string, window []redis.Z, names []interface{}) []domain.RankEntry {
	entries := make([]domain.RankEntry, len(window))
	for i, z := range window {
		entries[i] = domain.RankEntry{
			Rank:   start + int64(i) + 1,
			UserID: domain.UserID(ids[i]),
			Score:  z.Score,
		}
		if i < len(names) {
			if name, ok := names[i].(string); ok {
				entries[i].Username = name
			}
		}
	}
	return entries
}
