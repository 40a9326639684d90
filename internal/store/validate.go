package store

import (
	"fmt"
	"strings"
)

// MaxUserIDLength matches the VARCHAR(255) user_id columns.
const MaxUserIDLength = 255

// MaxRunIDLength bounds run ids, which also name working directories.
const MaxRunIDLength = 64

// ValidateUserID checks that a user identifier does not exceed MaxUserIDLength.
func ValidateUserID(id string) error {
	if len(id) > MaxUserIDLength {
		return fmt.Errorf("user identifier too long: %d chars (max %d)", len(id), MaxUserIDLength)
	}
	return nil
}

// ValidateRunID accepts [A-Za-z0-9_-] up to MaxRunIDLength characters.
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id is empty")
	}
	if len(id) > MaxRunIDLength {
		return fmt.Errorf("run id too long: %d chars (max %d)", len(id), MaxRunIDLength)
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) >= 0 {
		return fmt.Errorf("run id %q contains invalid characters", id)
	}
	return nil
}
