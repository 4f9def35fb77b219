// Package domain contains entity types without logic, just meta-data.
package domain

import "errors"

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

// RoomID is the caller-supplied key for an externally managed room.
// The control plane never generates these.
type RoomID string

func ParseRoomID(raw string) (RoomID, error) {
	if len(raw) == 0 {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}
