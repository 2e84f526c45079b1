package domain

import "fmt"

type UserID string

type RoomID string

// Permission is a user's chat permission. It is global, not per room.
type Permission string

const (
	PermissionFull       Permission = "full"
	PermissionRestricted Permission = "restricted"
	PermissionObserver   Permission = "observer"
	PermissionBanned     Permission = "banned"
)

// ParsePermission validates a wire value.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionFull, PermissionRestricted, PermissionObserver, PermissionBanned:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPermission, s)
}
