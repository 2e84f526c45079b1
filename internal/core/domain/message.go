package domain

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	TypePing                   = "ping"
	TypePong                   = "pong"
	TypeJoinRoom               = "join_room"
	TypeLeaveRoom              = "leave_room"
	TypeChatMessage            = "chat_message"
	TypeSetGamePhase           = "set_game_phase"
	TypeEliminatePlayer        = "eliminate_player"
	TypeMuteRoom               = "mute_room"
	TypeSetUserPermission      = "set_user_permission"
	TypeGetMessageHistory      = "get_message_history"
	TypeGetRoomStats           = "get_room_stats"
	TypeSubscribeLeaderboard   = "subscribe_leaderboard"
	TypeUnsubscribeLeaderboard = "unsubscribe_leaderboard"
	TypeGetLiveRank            = "get_live_rank"
	TypeGameAction             = "game_action"
)

// Outbound message types.
const (
	TypeError                   = "error"
	TypeConnectionEstablished   = "connection_established"
	TypeUserJoined              = "user_joined"
	TypeUserLeft                = "user_left"
	TypeJoinRoomResponse        = "join_room_response"
	TypeLeaveRoomResponse       = "leave_room_response"
	TypeChatMessageAck          = "chat_message_ack"
	TypeChatError               = "chat_error"
	TypeChatWarning             = "chat_warning"
	TypeGamePhaseChanged        = "game_phase_changed"
	TypePlayerEliminated        = "player_eliminated"
	TypePermissionChanged       = "permission_changed"
	TypePermissionChangeSuccess = "permission_change_success"
	TypeRoomMuteChanged         = "room_mute_changed"
	TypeMessageHistory          = "message_history"
	TypeRoomStats               = "room_stats"
	TypeLeaderboardSubscription = "leaderboard_subscription"
	TypeLiveRankUpdate          = "live_rank_update"
	TypeGlobalRankChange        = "global_rank_change"
	TypeGlobalLeaderboardUpdate = "global_leaderboard_update"
	TypePersonalScoreUpdate     = "personal_score_update"
)

// Envelope is the {type, data} frame exchanged with clients.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// InboundEnvelope keeps data raw until the handler for Type decodes it.
type InboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(msgType string, data interface{}) Envelope {
	return Envelope{Type: msgType, Data: data}
}

// ErrorEnvelope builds a type="error" frame carrying a message.
func ErrorEnvelope(message string) Envelope {
	return Envelope{Type: TypeError, Data: map[string]interface{}{
		"message":   message,
		"timestamp": time.Now().UTC(),
	}}
}

// ChatMessage is a moderated chat record kept in room history.
type ChatMessage struct {
	ID           string    `json:"id"`
	RoomID       RoomID    `json:"room_id"`
	SenderID     UserID    `json:"sender_id"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	Type         string    `json:"type"`
	Filtered     bool      `json:"filtered"`
	IsEliminated bool      `json:"is_eliminated"`
	IsModerator  bool      `json:"is_moderator"`
}

// ChatResult is the outcome of moderating one chat send.
type ChatResult struct {
	Success bool
	Reason  string
	Message *ChatMessage
	Warning string
}
