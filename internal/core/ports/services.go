package ports

import (
	"time"

	"undercover/internal/core/domain"
)

// Transport is a live, goroutine-safe outbound channel to one client.
type Transport interface {
	WriteJSON(v interface{}) error
	Close(reason string) error
}

type TokenVerifier interface {
	Verify(token string) (domain.UserID, error)
}

type SessionRegistry interface {
	Admit(user domain.UserID, t Transport, room domain.RoomID) bool
	Remove(user domain.UserID, reason string)
	// Release removes the session only while t is still its transport.
	Release(user domain.UserID, t Transport, reason string) bool
	Deliver(user domain.UserID, env domain.Envelope) bool
	Broadcast(room domain.RoomID, env domain.Envelope, exclude domain.UserID) int
	Heartbeat(user domain.UserID)
	SweepInactive(maxIdle time.Duration) int
	JoinRoom(user domain.UserID, room domain.RoomID) bool
	LeaveRoom(user domain.UserID, room domain.RoomID) bool
	RoomOf(user domain.UserID) (domain.RoomID, bool)
	IsConnected(user domain.UserID) bool
	MembersOf(room domain.RoomID) []domain.UserID
	RoomCount() int
	Stats() domain.ConnectionStats
}

type ChatModerator interface {
	CanSend(room domain.RoomID, user domain.UserID) (bool, string)
	FilterContent(text string) (string, bool)
	ProcessMessage(room domain.RoomID, user domain.UserID, text string) domain.ChatResult
	SetPhase(room domain.RoomID, phase domain.RoomPhase)
	Phase(room domain.RoomID) domain.RoomPhase
	Eliminate(room domain.RoomID, user domain.UserID)
	IsEliminated(room domain.RoomID, user domain.UserID) bool
	SetPermission(user domain.UserID, p domain.Permission)
	Permission(user domain.UserID) domain.Permission
	SetMute(room domain.RoomID, muted bool)
	IsMuted(room domain.RoomID) bool
	AddModerator(room domain.RoomID, user domain.UserID)
	RemoveModerator(room domain.RoomID, user domain.UserID)
	IsModerator(room domain.RoomID, user domain.UserID) bool
	History(room domain.RoomID, limit int) []domain.ChatMessage
	RoomStats(room domain.RoomID) domain.RoomChatStats
	ClearRoom(room domain.RoomID)
}

type SubscriptionRelay interface {
	Subscribe(user domain.UserID)
	Unsubscribe(user domain.UserID)
	IsSubscribed(user domain.UserID) bool
	Count() int
	PublishToSubscribers(env domain.Envelope) int
	DeliverTo(user domain.UserID, env domain.Envelope) bool
}

// Metrics receives gateway events. Implementations must be goroutine-safe.
type Metrics interface {
	SessionAdmitted()
	SessionRemoved(reason string)
	AdmissionRejected(reason string)
	Delivered(live bool)
	ChatProcessed(outcome string)
	MessageHandled(msgType string, elapsed time.Duration)
	Gauges(connections, rooms, subscribers int)
}
