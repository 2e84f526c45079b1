package redis

import (
	"context"
	"fmt"
	"os"
	"testing"

	"undercover/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankEntries(t *testing.T) {
	window := []redis.Z{{Score: 90, Member: "a"}, {Score: 80, Member: "b"}, {Score: 70, Member: "c"}}
	names := []interface{}{"Alice", nil, "Carol"}

	entries := rankEntries(3, []string{"a", "b", "c"}, window, names)

	require.Len(t, entries, 3)
	assert.Equal(t, domain.RankEntry{Rank: 4, UserID: "a", Username: "Alice", Score: 90}, entries[0])
	assert.Equal(t, domain.RankEntry{Rank: 5, UserID: "b", Score: 80}, entries[1])
	assert.Equal(t, int64(6), entries[2].Rank)
}

// Runs against a real server when UNDERCOVER_TEST_REDIS names one.
func TestRedisRankingRepository_LiveRank(t *testing.T) {
	addr := os.Getenv("UNDERCOVER_TEST_REDIS")
	if addr == "" {
		t.Skip("UNDERCOVER_TEST_REDIS not set")
	}

	client, err := NewRedisClient(addr, "", 15, 2, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	ctx := context.Background()
	require.NoError(t, client.Del(ctx, ScoresKey, UsernamesKey).Err())
	defer client.Del(ctx, ScoresKey, UsernamesKey)

	for i := 1; i <= 20; i++ {
		user := fmt.Sprintf("u%02d", i)
		require.NoError(t, client.ZAdd(ctx, ScoresKey, redis.Z{Score: float64(100 - i), Member: user}).Err())
		require.NoError(t, client.HSet(ctx, UsernamesKey, user, "name-"+user).Err())
	}

	repo := NewRedisRankingRepository(client)

	rank, err := repo.LiveRank(ctx, "u10")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rank.Rank)
	assert.Equal(t, float64(90), rank.Score)
	require.Len(t, rank.Nearby, 11)
	assert.Equal(t, int64(5), rank.Nearby[0].Rank)
	assert.Equal(t, "name-u05", rank.Nearby[0].Username)

	top, err := repo.LiveRank(ctx, "u01")
	require.NoError(t, err)
	assert.Len(t, top.Nearby, 6)

	_, err = repo.LiveRank(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotRanked)
}
