package domain

import (
	"fmt"
	"time"
)

// RoomPhase is the stage of the game running in a room.
type RoomPhase string

const (
	PhaseWaiting    RoomPhase = "waiting"
	PhaseStarting   RoomPhase = "starting"
	PhaseDiscussion RoomPhase = "discussion"
	PhaseVoting     RoomPhase = "voting"
	PhaseResult     RoomPhase = "result"
	PhaseFinished   RoomPhase = "finished"
)

// ParseRoomPhase validates a wire value.
func ParseRoomPhase(s string) (RoomPhase, error) {
	switch p := RoomPhase(s); p {
	case PhaseWaiting, PhaseStarting, PhaseDiscussion, PhaseVoting, PhaseResult, PhaseFinished:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
}

// RoomChatStats is a snapshot of a room's moderation state.
type RoomChatStats struct {
	RoomID            RoomID     `json:"room_id"`
	Phase             RoomPhase  `json:"phase"`
	IsMuted           bool       `json:"is_muted"`
	MessageCount      int        `json:"message_count"`
	EliminatedPlayers []UserID   `json:"eliminated_players"`
	Moderators        []UserID   `json:"moderators"`
	LastMessageTime   *time.Time `json:"last_message_time"`
}
