package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
	"undercover/internal/core/services"
	apperrors "undercover/pkg/errors"
	"undercover/pkg/tracing"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	msgInvalidJSON     = "invalid JSON format"
	msgInvalidFormat   = "invalid message format"
	msgInternalError   = "internal error"
	msgNotInRoom       = "you are not in a room"
	defaultHistorySize = 50
)

type joinRoomPayload struct {
	RoomID string `json:"room_id" validate:"required,max=100"`
}

type leaveRoomPayload struct {
	RoomID string `json:"room_id" validate:"omitempty,max=100"`
}

type pingPayload struct {
	Timestamp interface{} `json:"timestamp"`
}

type chatMessagePayload struct {
	Content string `json:"content"`
}

type setPhasePayload struct {
	Phase string `json:"phase" validate:"required"`
}

type eliminatePayload struct {
	TargetUserID string `json:"target_user_id" validate:"required,max=100"`
}

type muteRoomPayload struct {
	Muted *bool `json:"muted"`
}

type setPermissionPayload struct {
	TargetUserID string `json:"target_user_id" validate:"required,max=100"`
	Permission   string `json:"permission" validate:"required"`
}

type historyPayload struct {
	Limit *int `json:"limit" validate:"omitempty,min=1"`
}

type gameActionPayload struct {
	ActionType string          `json:"action_type" validate:"required,max=64"`
	ActionData json.RawMessage `json:"action_data"`
}

// Dispatcher decodes inbound envelopes and routes them to the registry,
// the chat moderator and the subscription relay.
type Dispatcher struct {
	sessions  ports.SessionRegistry
	moderator ports.ChatModerator
	relay     ports.SubscriptionRelay
	ranking   ports.RankingService
	metrics   ports.Metrics

	validate            *validator.Validate
	restrictGameControl bool

	// room locks serialize moderation with the broadcast that follows it
	locksMu sync.Mutex
	locks   map[domain.RoomID]*roomLock

	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewDispatcher(sessions ports.SessionRegistry, moderator ports.ChatModerator, relay ports.SubscriptionRelay, metrics ports.Metrics, logger *zap.SugaredLogger) *Dispatcher {
	if metrics == nil {
		metrics = services.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Dispatcher{
		sessions:  sessions,
		moderator: moderator,
		relay:     relay,
		metrics:   metrics,
		validate:  validate,
		locks:     make(map[domain.RoomID]*roomLock),
		logger:    logger,
		now:       time.Now,
	}
}

// SetRankingService wires the live rank lookup. Without one, get_live_rank
// answers with an error.
func (d *Dispatcher) SetRankingService(ranking ports.RankingService) {
	d.ranking = ranking
}

// SetRestrictGameControl makes set_game_phase and eliminate_player moderator-only.
func (d *Dispatcher) SetRestrictGameControl(restrict bool) {
	d.restrictGameControl = restrict
}

// Dispatch handles one raw frame from user. Every failure is reported to
// user as an error envelope; nothing here closes the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, user domain.UserID, raw []byte) {
	start := d.now()

	env, err := parseEnvelope(raw)
	if err != nil {
		d.reply(user, domain.ErrorEnvelope(err.Message))
		d.metrics.MessageHandled("malformed", d.now().Sub(start))
		return
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, env.Type, string(user))
	defer span.End()

	label := env.Type
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("panic while handling message", "user_id", user, "type", env.Type, "panic", r)
			tracing.RecordError(ctx, fmt.Errorf("panic: %v", r))
			d.reply(user, domain.ErrorEnvelope(msgInternalError))
		}
		d.metrics.MessageHandled(label, d.now().Sub(start))
	}()

	if err := d.route(ctx, user, env, &label); err != nil {
		tracing.RecordError(ctx, err)
		d.replyError(user, env.Type, err)
	}
}

func (d *Dispatcher) route(ctx context.Context, user domain.UserID, env domain.InboundEnvelope, label *string) error {
	switch env.Type {
	case domain.TypePing:
		return d.handlePing(user, env.Data)
	case domain.TypePong:
		d.sessions.Heartbeat(user)
		return nil
	case domain.TypeJoinRoom:
		return d.handleJoinRoom(user, env.Data)
	case domain.TypeLeaveRoom:
		return d.handleLeaveRoom(user, env.Data)
	case domain.TypeChatMessage:
		return d.handleChatMessage(user, env.Data)
	case domain.TypeSetGamePhase:
		return d.handleSetGamePhase(user, env.Data)
	case domain.TypeEliminatePlayer:
		return d.handleEliminatePlayer(user, env.Data)
	case domain.TypeMuteRoom:
		return d.handleMuteRoom(user, env.Data)
	case domain.TypeSetUserPermission:
		return d.handleSetUserPermission(user, env.Data)
	case domain.TypeGetMessageHistory:
		return d.handleGetMessageHistory(user, env.Data)
	case domain.TypeGetRoomStats:
		return d.handleGetRoomStats(user)
	case domain.TypeSubscribeLeaderboard:
		return d.handleLeaderboardSubscription(user, true)
	case domain.TypeUnsubscribeLeaderboard:
		return d.handleLeaderboardSubscription(user, false)
	case domain.TypeGetLiveRank:
		return d.handleGetLiveRank(ctx, user)
	case domain.TypeGameAction:
		return d.handleGameAction(user, env.Data)
	default:
		*label = "unknown"
		d.logger.Warnw("unknown message type", "user_id", user, "type", env.Type)
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", env.Type))
	}
}

func parseEnvelope(raw []byte) (domain.InboundEnvelope, *apperrors.AppError) {
	var env domain.InboundEnvelope
	if !json.Valid(raw) {
		return env, apperrors.NewMalformedMessageError(msgInvalidJSON)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, apperrors.NewMalformedMessageError(msgInvalidFormat)
	}
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Type == "" {
		return env, apperrors.NewMalformedMessageError(msgInvalidFormat)
	}
	if data := bytes.TrimSpace(env.Data); len(data) > 0 && data[0] != '{' && !bytes.Equal(data, []byte("null")) {
		return env, apperrors.NewMalformedMessageError(msgInvalidFormat)
	}
	return env, nil
}

// decode fills v from data and validates it. Absent data decodes as {}.
func (d *Dispatcher) decode(data json.RawMessage, v interface{}) error {
	if len(data) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, v); err != nil {
			return apperrors.NewMalformedMessageError(msgInvalidFormat)
		}
	}
	if err := d.validate.Struct(v); err != nil {
		return apperrors.NewInvalidInputError(validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return msgInvalidFormat
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s is too long", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func (d *Dispatcher) reply(user domain.UserID, env domain.Envelope) {
	d.sessions.Deliver(user, env)
}

func (d *Dispatcher) replyError(user domain.UserID, msgType string, err error) {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		d.logger.Debugw("message rejected", "user_id", user, "type", msgType, "code", appErr.Code, "reason", appErr.Message)
		d.reply(user, domain.ErrorEnvelope(appErr.Message))
		return
	}
	d.logger.Errorw("error handling message", "user_id", user, "type", msgType, "error", err)
	d.reply(user, domain.ErrorEnvelope(msgInternalError))
}

// roomLock is dropped from the map once nobody holds or waits for it.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (d *Dispatcher) lockRoom(room domain.RoomID) func() {
	d.locksMu.Lock()
	l, ok := d.locks[room]
	if !ok {
		l = &roomLock{}
		d.locks[room] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		d.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, room)
		}
		d.locksMu.Unlock()
	}
}

func (d *Dispatcher) roomLockCount() int {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	return len(d.locks)
}

// currentRoom returns the sender's room or an error when it has none.
func (d *Dispatcher) currentRoom(user domain.UserID) (domain.RoomID, error) {
	room, ok := d.sessions.RoomOf(user)
	if !ok || room == "" {
		return "", apperrors.NewInvalidInputError(msgNotInRoom)
	}
	return room, nil
}

func (d *Dispatcher) requireModerator(room domain.RoomID, user domain.UserID, action string) error {
	if d.moderator.IsModerator(room, user) {
		return nil
	}
	return apperrors.NewPermissionDeniedError(fmt.Sprintf("permission denied: only moderators can %s", action))
}

func (d *Dispatcher) handlePing(user domain.UserID, data json.RawMessage) error {
	var p pingPayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	d.sessions.Heartbeat(user)

	ts := p.Timestamp
	if ts == nil {
		ts = d.now().UTC()
	}
	d.reply(user, domain.NewEnvelope(domain.TypePong, map[string]interface{}{"timestamp": ts}))
	return nil
}

func (d *Dispatcher) handleJoinRoom(user domain.UserID, data json.RawMessage) error {
	var p joinRoomPayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room := domain.RoomID(p.RoomID)
	ok := d.sessions.JoinRoom(user, room)
	d.reply(user, domain.NewEnvelope(domain.TypeJoinRoomResponse, map[string]interface{}{
		"success": ok,
		"room_id": room,
	}))
	return nil
}

func (d *Dispatcher) handleLeaveRoom(user domain.UserID, data json.RawMessage) error {
	var p leaveRoomPayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room := domain.RoomID(p.RoomID)
	if room == "" {
		current, err := d.currentRoom(user)
		if err != nil {
			return err
		}
		room = current
	}
	ok := d.sessions.LeaveRoom(user, room)
	d.reply(user, domain.NewEnvelope(domain.TypeLeaveRoomResponse, map[string]interface{}{
		"success": ok,
		"room_id": room,
	}))
	return nil
}

func (d *Dispatcher) handleChatMessage(user domain.UserID, data json.RawMessage) error {
	var p chatMessagePayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}

	unlock := d.lockRoom(room)
	defer unlock()

	res := d.moderator.ProcessMessage(room, user, p.Content)
	if !res.Success {
		d.metrics.ChatProcessed("rejected")
		d.reply(user, domain.NewEnvelope(domain.TypeChatError, map[string]interface{}{"message": res.Reason}))
		return nil
	}

	if res.Warning != "" {
		d.metrics.ChatProcessed("filtered")
	} else {
		d.metrics.ChatProcessed("accepted")
	}

	d.sessions.Broadcast(room, domain.NewEnvelope(domain.TypeChatMessage, res.Message), user)
	d.reply(user, domain.NewEnvelope(domain.TypeChatMessageAck, res.Message))
	if res.Warning != "" {
		d.reply(user, domain.NewEnvelope(domain.TypeChatWarning, map[string]interface{}{"message": res.Warning}))
	}
	return nil
}

func (d *Dispatcher) handleSetGamePhase(user domain.UserID, data json.RawMessage) error {
	var p setPhasePayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}
	if d.restrictGameControl {
		if err := d.requireModerator(room, user, "change the game phase"); err != nil {
			return err
		}
	}
	phase, err := domain.ParseRoomPhase(p.Phase)
	if err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid game phase: %s", p.Phase))
	}

	unlock := d.lockRoom(room)
	defer unlock()

	d.moderator.SetPhase(room, phase)
	d.sessions.Broadcast(room, domain.NewEnvelope(domain.TypeGamePhaseChanged, map[string]interface{}{
		"room_id":    room,
		"phase":      phase,
		"changed_by": user,
	}), "")
	return nil
}

func (d *Dispatcher) handleEliminatePlayer(user domain.UserID, data json.RawMessage) error {
	var p eliminatePayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}
	if d.restrictGameControl {
		if err := d.requireModerator(room, user, "eliminate players"); err != nil {
			return err
		}
	}
	target := domain.UserID(p.TargetUserID)

	unlock := d.lockRoom(room)
	defer unlock()

	d.moderator.Eliminate(room, target)
	d.sessions.Broadcast(room, domain.NewEnvelope(domain.TypePlayerEliminated, map[string]interface{}{
		"room_id":            room,
		"eliminated_user_id": target,
		"eliminated_by":      user,
	}), "")
	d.sessions.Deliver(target, domain.NewEnvelope(domain.TypePermissionChanged, map[string]interface{}{
		"new_permission": domain.PermissionObserver,
		"reason":         "eliminated",
	}))
	return nil
}

func (d *Dispatcher) handleMuteRoom(user domain.UserID, data json.RawMessage) error {
	var p muteRoomPayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}
	if err := d.requireModerator(room, user, "mute the room"); err != nil {
		return err
	}
	muted := true
	if p.Muted != nil {
		muted = *p.Muted
	}

	d.SetRoomMute(room, muted, string(user))
	return nil
}

// SetRoomMute mutes or unmutes room chat and tells every member. Chat
// already being processed for the room finishes first.
func (d *Dispatcher) SetRoomMute(room domain.RoomID, muted bool, changedBy string) {
	unlock := d.lockRoom(room)
	defer unlock()

	d.moderator.SetMute(room, muted)
	d.sessions.Broadcast(room, domain.NewEnvelope(domain.TypeRoomMuteChanged, map[string]interface{}{
		"room_id":    room,
		"muted":      muted,
		"changed_by": changedBy,
	}), "")
}

func (d *Dispatcher) handleSetUserPermission(user domain.UserID, data json.RawMessage) error {
	var p setPermissionPayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}
	if err := d.requireModerator(room, user, "change user permissions"); err != nil {
		return err
	}
	perm, err := domain.ParsePermission(p.Permission)
	if err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid permission: %s", p.Permission))
	}
	target := domain.UserID(p.TargetUserID)

	d.moderator.SetPermission(target, perm)
	d.sessions.Deliver(target, domain.NewEnvelope(domain.TypePermissionChanged, map[string]interface{}{
		"new_permission": perm,
		"changed_by":     user,
	}))
	d.reply(user, domain.NewEnvelope(domain.TypePermissionChangeSuccess, map[string]interface{}{
		"target_user_id": target,
		"new_permission": perm,
	}))
	return nil
}

func (d *Dispatcher) handleGetMessageHistory(user domain.UserID, data json.RawMessage) error {
	var p historyPayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}
	limit := defaultHistorySize
	if p.Limit != nil {
		limit = *p.Limit
	}

	d.reply(user, domain.NewEnvelope(domain.TypeMessageHistory, map[string]interface{}{
		"room_id":  room,
		"messages": d.moderator.History(room, limit),
	}))
	return nil
}

func (d *Dispatcher) handleGetRoomStats(user domain.UserID) error {
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}
	if err := d.requireModerator(room, user, "view room stats"); err != nil {
		return err
	}
	d.reply(user, domain.NewEnvelope(domain.TypeRoomStats, d.moderator.RoomStats(room)))
	return nil
}

func (d *Dispatcher) handleLeaderboardSubscription(user domain.UserID, subscribe bool) error {
	if subscribe {
		d.relay.Subscribe(user)
	} else {
		d.relay.Unsubscribe(user)
	}
	d.reply(user, domain.NewEnvelope(domain.TypeLeaderboardSubscription, map[string]interface{}{
		"subscribed": subscribe,
	}))
	return nil
}

func (d *Dispatcher) handleGetLiveRank(ctx context.Context, user domain.UserID) error {
	if d.ranking == nil {
		return apperrors.NewServiceUnavailableError("ranking service unavailable")
	}
	rank, err := d.ranking.LiveRank(ctx, user)
	switch {
	case errors.Is(err, domain.ErrUserNotRanked):
		return apperrors.NewNotFoundError("rank")
	case errors.Is(err, domain.ErrRankingDisabled):
		return apperrors.NewServiceUnavailableError("ranking service unavailable")
	case err != nil:
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "failed to load live rank", http.StatusServiceUnavailable)
	}
	d.reply(user, domain.NewEnvelope(domain.TypeLiveRankUpdate, rank))
	return nil
}

func (d *Dispatcher) handleGameAction(user domain.UserID, data json.RawMessage) error {
	var p gameActionPayload
	if err := d.decode(data, &p); err != nil {
		return err
	}
	room, err := d.currentRoom(user)
	if err != nil {
		return err
	}
	actionData := p.ActionData
	if len(actionData) == 0 {
		actionData = json.RawMessage("{}")
	}

	unlock := d.lockRoom(room)
	defer unlock()

	d.sessions.Broadcast(room, domain.NewEnvelope(domain.TypeGameAction, map[string]interface{}{
		"room_id":     room,
		"sender_id":   user,
		"action_type": p.ActionType,
		"action_data": actionData,
		"timestamp":   d.now().UTC(),
	}), "")
	return nil
}
