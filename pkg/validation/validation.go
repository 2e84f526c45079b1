package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxIDLength       = 100
	MaxUsernameLength = 50
)

// ValidateRoomID accepts any printable identifier up to MaxIDLength runes.
func ValidateRoomID(roomID string) error {
	return validateID("room ID", roomID)
}

func ValidateUserID(userID string) error {
	return validateID("user ID", userID)
}

func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return fmt.Errorf("username is too long (max %d characters)", MaxUsernameLength)
	}
	if strings.IndexFunc(username, unicode.IsControl) >= 0 {
		return fmt.Errorf("username contains control characters")
	}
	return nil
}

// ParseLimit reads an optional positive integer query value, returning def
// when raw is empty and clamping to max.
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func validateID(what, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", what)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s is not valid UTF-8", what)
	}
	if utf8.RuneCountInString(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", what, MaxIDLength)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("%s contains control characters", what)
	}
	return nil
}
