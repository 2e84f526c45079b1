package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotInRoom         = errors.New("not in a room")
	ErrUnknownPhase      = errors.New("unknown room phase")
	ErrUnknownPermission = errors.New("unknown permission")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrUserNotRanked     = errors.New("user not ranked")
	ErrRankingDisabled   = errors.New("ranking service unavailable")
)
