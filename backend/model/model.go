package model

import (
	"github.com/adwski/collab-relay/backend/protocol"
	"github.com/google/uuid"
)

type (
	// RoomID identifies a collaboration room. It is supplied by the connecting client.
	RoomID = uuid.UUID

	// UserID identifies one live connection. It is generated at connection time.
	UserID = uuid.UUID
)

// NewUserID returns a fresh, globally unique user id.
func NewUserID() UserID {
	return uuid.New()
}

// ParseRoomID parses a room id taken from a route.
func ParseRoomID(s string) (RoomID, error) {
	return uuid.Parse(s)
}

// Recipient is a non-owning handle used to push envelopes to a session.
// Push must never block and must fail harmlessly once the session is gone.
type Recipient interface {
	Push(env protocol.Envelope) error
}

// RoomStats is a point-in-time view of registry occupancy.
type RoomStats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}
