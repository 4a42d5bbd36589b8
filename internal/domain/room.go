package domain

import (
	"errors"
	"strings"
)

const (
	DefaultRoom  RoomID = "main"
	MaxRoomIDLen        = 64
)

var (
	ErrRoomIDTooLong = errors.New("room id too long")
	ErrRoomIDInvalid = errors.New("room id contains invalid characters")
)

type RoomID string

// ParseRoomID normalizes a client supplied room name. An empty name maps to
// DefaultRoom.
func ParseRoomID(raw string) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultRoom, nil
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", ErrRoomIDInvalid
		}
	}
	return RoomID(raw), nil
}
