package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder is an in-memory transport.
type recorder struct {
	mu     sync.Mutex
	envs   []domain.Envelope
	closed bool
	reason string
}

func (r *recorder) WriteJSON(v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrConnectionClosed
	}
	env, _ := v.(domain.Envelope)
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) Close(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.reason = reason
	}
	return nil
}

func (r *recorder) ofType(msgType string) []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Envelope
	for _, e := range r.envs {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) last(t *testing.T, msgType string) domain.Envelope {
	t.Helper()
	envs := r.ofType(msgType)
	require.NotEmpty(t, envs, "no %s envelope", msgType)
	return envs[len(envs)-1]
}

func (r *recorder) lastError(t *testing.T) string {
	t.Helper()
	return dataField(t, r.last(t, domain.TypeError), "message").(string)
}

func dataField(t *testing.T, env domain.Envelope, key string) interface{} {
	t.Helper()
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok, "data of %s is %T", env.Type, env.Data)
	return data[key]
}

type MockRankingService struct {
	mock.Mock
}

func (m *MockRankingService) LiveRank(ctx context.Context, user domain.UserID) (*domain.LiveRank, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LiveRank), args.Error(1)
}

type panickingRanking struct{}

func (panickingRanking) LiveRank(context.Context, domain.UserID) (*domain.LiveRank, error) {
	panic("boom")
}

type harness struct {
	registry   *services.SessionRegistry
	moderator  *services.ChatModerator
	relay      *services.SubscriptionRelay
	metrics    *services.MetricsService
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	metrics := services.NewMetricsService()
	registry := services.NewSessionRegistry(10, services.NewOfflineQueue(100), metrics, logger)
	moderator, err := services.NewChatModerator(services.ChatConfig{
		MaxMessageLength: 200,
		MaxPerMinute:     100,
		HistorySize:      100,
		BannedPhrases:    []string{"cheat"},
	}, logger)
	require.NoError(t, err)
	relay := services.NewSubscriptionRelay(registry, logger)

	return &harness{
		registry:   registry,
		moderator:  moderator,
		relay:      relay,
		metrics:    metrics,
		dispatcher: NewDispatcher(registry, moderator, relay, metrics, logger),
	}
}

func (h *harness) connect(t *testing.T, user domain.UserID, room domain.RoomID) *recorder {
	t.Helper()
	rec := &recorder{}
	require.True(t, h.registry.Admit(user, rec, room))
	return rec
}

func (h *harness) send(user domain.UserID, raw string) {
	h.dispatcher.Dispatch(context.Background(), user, []byte(raw))
}

func TestDispatcher_ChatMessageBroadcastsToOthers(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")
	h.moderator.SetPhase("R1", domain.PhaseDiscussion)

	h.send("A", `{"type":"chat_message","data":{"content":"hello"}}`)

	got := b.last(t, domain.TypeChatMessage)
	msg, ok := got.Data.(*domain.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, domain.UserID("A"), msg.SenderID)

	assert.Empty(t, a.ofType(domain.TypeChatMessage))
	ack := a.last(t, domain.TypeChatMessageAck)
	assert.Equal(t, msg.ID, ack.Data.(*domain.ChatMessage).ID)
	assert.Empty(t, a.ofType(domain.TypeChatWarning))

	snap := h.metrics.Snapshot()
	assert.Equal(t, 1, snap.Chat["accepted"])
	assert.Equal(t, 1, snap.Handled[domain.TypeChatMessage])
}

func TestDispatcher_ChatRejectedDuringVoting(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")

	h.send("A", `{"type":"set_game_phase","data":{"phase":"voting"}}`)
	changed := b.last(t, domain.TypeGamePhaseChanged)
	assert.Equal(t, domain.PhaseVoting, dataField(t, changed, "phase"))
	assert.Len(t, a.ofType(domain.TypeGamePhaseChanged), 1)

	h.send("A", `{"type":"chat_message","data":{"content":"who is it"}}`)

	chatErr := a.last(t, domain.TypeChatError)
	assert.Contains(t, dataField(t, chatErr, "message"), "voting")
	assert.Empty(t, b.ofType(domain.TypeChatMessage))
	assert.Empty(t, h.moderator.History("R1", 0))
}

func TestDispatcher_ChatWarningWhenMasked(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")

	h.send("A", `{"type":"chat_message","data":{"content":"no cheat please"}}`)

	assert.Equal(t, "no ***** please", b.last(t, domain.TypeChatMessage).Data.(*domain.ChatMessage).Content)
	warning := a.last(t, domain.TypeChatWarning)
	assert.Equal(t, services.WarningFiltered, dataField(t, warning, "message"))
	assert.Equal(t, 1, h.metrics.Snapshot().Chat["filtered"])
}

func TestDispatcher_MalformedFramesKeepConnection(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{"type":`, msgInvalidJSON},
		{"array", `[1,2]`, msgInvalidFormat},
		{"missing type", `{"data":{}}`, msgInvalidFormat},
		{"non-string type", `{"type":7}`, msgInvalidFormat},
		{"data not an object", `{"type":"chat_message","data":5}`, msgInvalidFormat},
		{"wrong field type", `{"type":"join_room","data":{"room_id":3}}`, msgInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.connect(t, "A", "R1")

			h.send("A", tt.raw)

			assert.Equal(t, tt.want, a.lastError(t))
			assert.True(t, h.registry.IsConnected("A"))
			a.mu.Lock()
			assert.False(t, a.closed)
			a.mu.Unlock()
		})
	}
}

func TestDispatcher_UnknownTypeNamesIt(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")

	h.send("A", `{"type":"dance"}`)

	assert.Equal(t, "unknown message type: dance", a.lastError(t))
	assert.Equal(t, 1, h.metrics.Snapshot().Handled["unknown"])
}

func TestDispatcher_RoomScopedTypesNeedARoom(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "")

	for _, raw := range []string{
		`{"type":"chat_message","data":{"content":"hi"}}`,
		`{"type":"get_message_history"}`,
		`{"type":"game_action","data":{"action_type":"vote"}}`,
		`{"type":"leave_room"}`,
	} {
		h.send("A", raw)
		assert.Equal(t, msgNotInRoom, a.lastError(t), raw)
	}
}

func TestDispatcher_ModeratorOnlyActions(t *testing.T) {
	h := newHarness(t)
	mod := h.connect(t, "mod", "R1")
	b := h.connect(t, "B", "R1")
	h.moderator.AddModerator("R1", "mod")

	h.send("B", `{"type":"mute_room","data":{"muted":true}}`)
	assert.Contains(t, b.lastError(t), "permission denied")
	assert.False(t, h.moderator.IsMuted("R1"))

	h.send("B", `{"type":"get_room_stats"}`)
	assert.Contains(t, b.lastError(t), "permission denied")

	h.send("mod", `{"type":"mute_room","data":{"muted":true}}`)
	assert.True(t, h.moderator.IsMuted("R1"))
	assert.Equal(t, true, dataField(t, b.last(t, domain.TypeRoomMuteChanged), "muted"))
	assert.Len(t, mod.ofType(domain.TypeRoomMuteChanged), 1)

	h.send("mod", `{"type":"get_room_stats"}`)
	stats, ok := mod.last(t, domain.TypeRoomStats).Data.(domain.RoomChatStats)
	require.True(t, ok)
	assert.True(t, stats.IsMuted)
	assert.Equal(t, []domain.UserID{"mod"}, stats.Moderators)
}

func TestDispatcher_MuteDefaultsToTrue(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "mod", "R1")
	h.moderator.AddModerator("R1", "mod")

	h.send("mod", `{"type":"mute_room"}`)

	assert.True(t, h.moderator.IsMuted("R1"))
}

func TestDispatcher_SetUserPermission(t *testing.T) {
	h := newHarness(t)
	mod := h.connect(t, "mod", "R1")
	b := h.connect(t, "B", "R1")
	h.moderator.AddModerator("R1", "mod")

	h.send("mod", `{"type":"set_user_permission","data":{"target_user_id":"B","permission":"banned"}}`)

	changed := b.last(t, domain.TypePermissionChanged)
	assert.Equal(t, domain.PermissionBanned, dataField(t, changed, "new_permission"))
	success := mod.last(t, domain.TypePermissionChangeSuccess)
	assert.Equal(t, domain.UserID("B"), dataField(t, success, "target_user_id"))

	h.send("B", `{"type":"chat_message","data":{"content":"let me talk"}}`)
	assert.Equal(t, services.ReasonBanned, dataField(t, b.last(t, domain.TypeChatError), "message"))

	h.send("mod", `{"type":"set_user_permission","data":{"target_user_id":"B","permission":"god"}}`)
	assert.Equal(t, "invalid permission: god", mod.lastError(t))

	h.send("mod", `{"type":"set_user_permission","data":{"permission":"full"}}`)
	assert.Equal(t, "target_user_id is required", mod.lastError(t))
}

func TestDispatcher_EliminatePlayerNotifiesTarget(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")

	h.send("A", `{"type":"eliminate_player","data":{"target_user_id":"B"}}`)

	elim := a.last(t, domain.TypePlayerEliminated)
	assert.Equal(t, domain.UserID("B"), dataField(t, elim, "eliminated_user_id"))
	assert.Len(t, b.ofType(domain.TypePlayerEliminated), 1)
	perm := b.last(t, domain.TypePermissionChanged)
	assert.Equal(t, domain.PermissionObserver, dataField(t, perm, "new_permission"))
	assert.Equal(t, "eliminated", dataField(t, perm, "reason"))

	h.send("B", `{"type":"chat_message","data":{"content":"unfair"}}`)
	assert.Equal(t, services.ReasonObserver, dataField(t, b.last(t, domain.TypeChatError), "message"))
}

func TestDispatcher_RestrictedGameControl(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.SetRestrictGameControl(true)
	a := h.connect(t, "A", "R1")
	h.connect(t, "mod", "R1")
	h.moderator.AddModerator("R1", "mod")

	h.send("A", `{"type":"set_game_phase","data":{"phase":"voting"}}`)
	assert.Contains(t, a.lastError(t), "permission denied")
	assert.Equal(t, domain.PhaseWaiting, h.moderator.Phase("R1"))

	h.send("A", `{"type":"eliminate_player","data":{"target_user_id":"mod"}}`)
	assert.Contains(t, a.lastError(t), "permission denied")
	assert.False(t, h.moderator.IsEliminated("R1", "mod"))

	h.send("mod", `{"type":"set_game_phase","data":{"phase":"voting"}}`)
	assert.Equal(t, domain.PhaseVoting, h.moderator.Phase("R1"))
}

func TestDispatcher_InvalidGamePhase(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")

	h.send("A", `{"type":"set_game_phase","data":{"phase":"lunch"}}`)

	assert.Equal(t, "invalid game phase: lunch", a.lastError(t))
	assert.Empty(t, a.ofType(domain.TypeGamePhaseChanged))
}

func TestDispatcher_MessageHistory(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")
	h.connect(t, "B", "R1")

	h.send("A", `{"type":"chat_message","data":{"content":"first"}}`)
	h.send("B", `{"type":"chat_message","data":{"content":"second"}}`)

	h.send("A", `{"type":"get_message_history","data":{"limit":1}}`)
	messages := dataField(t, a.last(t, domain.TypeMessageHistory), "messages").([]domain.ChatMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "second", messages[0].Content)

	h.send("A", `{"type":"get_message_history"}`)
	messages = dataField(t, a.last(t, domain.TypeMessageHistory), "messages").([]domain.ChatMessage)
	assert.Len(t, messages, 2)

	for _, raw := range []string{
		`{"type":"get_message_history","data":{"limit":-1}}`,
		`{"type":"get_message_history","data":{"limit":0}}`,
	} {
		before := len(a.ofType(domain.TypeMessageHistory))
		h.send("A", raw)
		assert.Equal(t, "limit is invalid", a.lastError(t), raw)
		assert.Len(t, a.ofType(domain.TypeMessageHistory), before, raw)
	}
}

func TestDispatcher_PingEchoesTimestamp(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "")

	h.send("A", `{"type":"ping","data":{"timestamp":123}}`)
	assert.Equal(t, float64(123), dataField(t, a.last(t, domain.TypePong), "timestamp"))

	h.send("A", `{"type":"ping"}`)
	_, isTime := dataField(t, a.last(t, domain.TypePong), "timestamp").(time.Time)
	assert.True(t, isTime)

	h.send("A", `{"type":"pong"}`)
	assert.Len(t, a.ofType(domain.TypePong), 2)
}

func TestDispatcher_JoinAndLeaveRoom(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")

	h.send("A", `{"type":"join_room","data":{"room_id":"R2"}}`)
	joined := a.last(t, domain.TypeJoinRoomResponse)
	assert.Equal(t, true, dataField(t, joined, "success"))
	assert.Equal(t, domain.RoomID("R2"), dataField(t, joined, "room_id"))
	room, _ := h.registry.RoomOf("A")
	assert.Equal(t, domain.RoomID("R2"), room)

	h.send("A", `{"type":"leave_room"}`)
	left := a.last(t, domain.TypeLeaveRoomResponse)
	assert.Equal(t, true, dataField(t, left, "success"))
	assert.Equal(t, domain.RoomID("R2"), dataField(t, left, "room_id"))
	assert.Empty(t, h.registry.MembersOf("R2"))

	h.send("A", `{"type":"join_room","data":{}}`)
	assert.Equal(t, "room_id is required", a.lastError(t))
}

func TestDispatcher_LeaderboardSubscription(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "")

	h.send("A", `{"type":"subscribe_leaderboard"}`)
	assert.True(t, h.relay.IsSubscribed("A"))
	assert.Equal(t, true, dataField(t, a.last(t, domain.TypeLeaderboardSubscription), "subscribed"))

	h.send("A", `{"type":"unsubscribe_leaderboard"}`)
	assert.False(t, h.relay.IsSubscribed("A"))
	assert.Equal(t, false, dataField(t, a.last(t, domain.TypeLeaderboardSubscription), "subscribed"))
}

func TestDispatcher_GetLiveRank(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "")

	h.send("A", `{"type":"get_live_rank"}`)
	assert.Equal(t, "ranking service unavailable", a.lastError(t))

	ranking := new(MockRankingService)
	live := &domain.LiveRank{UserID: "A", Rank: 3, Score: 42}
	ranking.On("LiveRank", mock.Anything, domain.UserID("A")).Return(live, nil).Once()
	ranking.On("LiveRank", mock.Anything, domain.UserID("A")).Return(nil, domain.ErrUserNotRanked).Once()
	ranking.On("LiveRank", mock.Anything, domain.UserID("A")).Return(nil, errors.New("redis down")).Once()
	h.dispatcher.SetRankingService(ranking)

	h.send("A", `{"type":"get_live_rank"}`)
	assert.Equal(t, live, a.last(t, domain.TypeLiveRankUpdate).Data)

	h.send("A", `{"type":"get_live_rank"}`)
	assert.Equal(t, "rank not found", a.lastError(t))

	h.send("A", `{"type":"get_live_rank"}`)
	assert.Equal(t, "failed to load live rank", a.lastError(t))

	ranking.AssertExpectations(t)
}

func TestDispatcher_PanicBecomesInternalError(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "")
	h.dispatcher.SetRankingService(panickingRanking{})

	require.NotPanics(t, func() { h.send("A", `{"type":"get_live_rank"}`) })

	assert.Equal(t, msgInternalError, a.lastError(t))
	assert.Equal(t, 1, h.metrics.Snapshot().Handled[domain.TypeGetLiveRank])
}

func TestDispatcher_GameActionReachesWholeRoom(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "R1")
	b := h.connect(t, "B", "R1")
	c := h.connect(t, "C", "R2")

	h.send("A", `{"type":"game_action","data":{"action_type":"vote","action_data":{"target":"B"}}}`)

	for _, rec := range []*recorder{a, b} {
		action := rec.last(t, domain.TypeGameAction)
		assert.Equal(t, "vote", dataField(t, action, "action_type"))
		assert.Equal(t, domain.UserID("A"), dataField(t, action, "sender_id"))
	}
	assert.Empty(t, c.ofType(domain.TypeGameAction))

	h.send("A", `{"type":"game_action","data":{}}`)
	assert.Equal(t, "action_type is required", a.lastError(t))
}

func TestDispatcher_ConcurrentChatKeepsRoomOrder(t *testing.T) {
	h := newHarness(t)
	observer := h.connect(t, "observer", "R1")
	senders := []domain.UserID{"s1", "s2", "s3", "s4", "s5"}
	for _, s := range senders {
		h.connect(t, s, "R1")
	}

	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(user domain.UserID) {
			defer wg.Done()
			h.send(user, `{"type":"chat_message","data":{"content":"hi from `+string(user)+`"}}`)
		}(s)
	}
	wg.Wait()

	history := h.moderator.History("R1", 0)
	received := observer.ofType(domain.TypeChatMessage)
	require.Len(t, received, len(senders))
	require.Len(t, history, len(senders))
	for i := range history {
		assert.Equal(t, history[i].ID, received[i].Data.(*domain.ChatMessage).ID)
	}
}

func TestDispatcher_RoomLocksAreReleased(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "A", "")

	for i := 0; i < 20; i++ {
		h.send("A", fmt.Sprintf(`{"type":"join_room","data":{"room_id":"R%d"}}`, i))
		h.send("A", `{"type":"set_game_phase","data":{"phase":"discussion"}}`)
	}
	assert.Len(t, a.ofType(domain.TypeGamePhaseChanged), 20)
	assert.Equal(t, 0, h.dispatcher.roomLockCount())

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := h.dispatcher.lockRoom("shared")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
	assert.Equal(t, 0, h.dispatcher.roomLockCount())
}
