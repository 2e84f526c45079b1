package distributed

import (
	"context"
	"testing"
	"time"

	"undercover/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) Subscribe(user domain.UserID)         { m.Called(user) }
func (m *MockRelay) Unsubscribe(user domain.UserID)       { m.Called(user) }
func (m *MockRelay) IsSubscribed(user domain.UserID) bool { return m.Called(user).Bool(0) }
func (m *MockRelay) Count() int                           { return m.Called().Int(0) }

func (m *MockRelay) PublishToSubscribers(env domain.Envelope) int {
	return m.Called(env).Int(0)
}

func (m *MockRelay) DeliverTo(user domain.UserID, env domain.Envelope) bool {
	return m.Called(user, env).Bool(0)
}

func envelopeOfType(msgType string) interface{} {
	return mock.MatchedBy(func(env domain.Envelope) bool { return env.Type == msgType })
}

func TestEventBus_HandleRoutesByChannel(t *testing.T) {
	relay := new(MockRelay)
	bus := NewEventBus(nil, relay, zaptest.NewLogger(t).Sugar())

	relay.On("PublishToSubscribers", envelopeOfType(domain.TypeGlobalRankChange)).Return(2).Once()
	relay.On("PublishToSubscribers", envelopeOfType(domain.TypeGlobalLeaderboardUpdate)).Return(2).Once()
	relay.On("DeliverTo", domain.UserID("u1"), envelopeOfType(domain.TypePersonalScoreUpdate)).Return(true).Once()

	assert.NoError(t, bus.Handle(ChannelRankChanges, `{"user_id":"u9","old_rank":9,"new_rank":2}`))
	assert.NoError(t, bus.Handle(ChannelUpdates, `{"top_entries":[],"total_users":3}`))
	assert.NoError(t, bus.Handle(ChannelScoreUpdates, `{"user_id":"u1","new_score":42}`))

	relay.AssertExpectations(t)
}

func TestEventBus_HandleKeepsPayload(t *testing.T) {
	relay := new(MockRelay)
	bus := NewEventBus(nil, relay, zaptest.NewLogger(t).Sugar())

	var got domain.Envelope
	relay.On("PublishToSubscribers", mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(0).(domain.Envelope)
	}).Return(1)

	assert.NoError(t, bus.Handle(ChannelRankChanges, `{"user_id":"u9","rank_change":7}`))

	data := got.Data.(map[string]interface{})
	assert.Equal(t, "u9", data["user_id"])
	assert.Equal(t, float64(7), data["rank_change"])
}

func TestEventBus_HandleRejectsBadEvents(t *testing.T) {
	relay := new(MockRelay)
	bus := NewEventBus(nil, relay, zaptest.NewLogger(t).Sugar())

	assert.Error(t, bus.Handle(ChannelRankChanges, `not json`))
	assert.Error(t, bus.Handle(ChannelScoreUpdates, `{"new_score":1}`))
	assert.Error(t, bus.Handle("leaderboard:other", `{}`))

	relay.AssertNotCalled(t, "PublishToSubscribers", mock.Anything)
	relay.AssertNotCalled(t, "DeliverTo", mock.Anything, mock.Anything)
}

type recordingInvalidator struct {
	users []domain.UserID
}

func (r *recordingInvalidator) Invalidate(user domain.UserID) {
	r.users = append(r.users, user)
}

func TestEventBus_HandleInvalidatesCachedRanks(t *testing.T) {
	relay := new(MockRelay)
	relay.On("PublishToSubscribers", mock.Anything).Return(0)
	relay.On("DeliverTo", mock.Anything, mock.Anything).Return(false)

	ranks := &recordingInvalidator{}
	bus := NewEventBus(nil, relay, zaptest.NewLogger(t).Sugar())
	bus.SetRankCache(ranks)

	assert.NoError(t, bus.Handle(ChannelScoreUpdates, `{"user_id":"u1","new_score":42}`))
	assert.NoError(t, bus.Handle(ChannelRankChanges, `{"user_id":"u9"}`))

	assert.Equal(t, []domain.UserID{"u1", ""}, ranks.users)
}

func TestEventBus_RunKeepsRetryingUntilCancelled(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()

	core, logs := observer.New(zap.WarnLevel)
	bus := NewEventBus(client, new(MockRelay), zap.New(core).Sugar())
	bus.retry.InitialDelay = time.Millisecond
	bus.retry.MaxDelay = 2 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := bus.Run(ctx)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Greater(t, logs.FilterMessage("leaderboard subscription failed").Len(), 11)
}
