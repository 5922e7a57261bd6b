package store

import "fmt"

// MaxRoomIDLength is the maximum allowed length for room identifiers
// (Telegram chat ids and XMPP room addresses).
// Matches the VARCHAR(255) constraint in the database schema.
const MaxRoomIDLength = 255

// ValidateRoomID checks that a room identifier is present and does not exceed MaxRoomIDLength.
func ValidateRoomID(id string) error {
	if id == "" {
		return fmt.Errorf("room identifier is empty")
	}
	if len(id) > MaxRoomIDLength {
		return fmt.Errorf("room identifier too long: %d chars (max %d)", len(id), MaxRoomIDLength)
	}
	return nil
}
