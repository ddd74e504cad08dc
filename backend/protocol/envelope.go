package protocol

import "github.com/google/uuid"

// Type is the wire tag selecting an envelope variant.
type Type string

const (
	TypeCodeUpdate Type = "CodeUpdate"
	TypeCursorMove Type = "CursorMove"
	TypeUserJoin   Type = "UserJoin"
	TypeUserLeave  Type = "UserLeave"
	TypeUserList   Type = "UserList"
	TypeAck        Type = "Ack"
	TypeError      Type = "Error"
)

// Envelope is one of the message variants exchanged over a connection.
// The set of implementations is closed: only types of this package satisfy it.
// Envelopes are treated as immutable once constructed.
type Envelope interface {
	Type() Type
	envelope()
}

type (
	// CodeUpdate carries the full editor content. Client <-> server.
	CodeUpdate struct {
		Code string `json:"code"`
	}

	// CursorMove carries a cursor position. Client <-> server.
	CursorMove struct {
		Line      uint32 `json:"line"`
		Character uint32 `json:"character"`
	}

	// UserJoin announces a new room member. Server -> clients.
	UserJoin struct {
		UserID uuid.UUID `json:"user_id"`
	}

	// UserLeave announces a departed room member. Server -> clients.
	UserLeave struct {
		UserID uuid.UUID `json:"user_id"`
	}

	// UserList is the room roster sent to a joining member only.
	UserList struct {
		UserIDs []uuid.UUID `json:"user_ids"`
	}

	// Ack is reserved and carries no payload.
	Ack struct{}

	// Error is sent to the originating client only.
	Error struct {
		Message string `json:"message"`
	}
)

func (CodeUpdate) Type() Type { return TypeCodeUpdate }
func (CursorMove) Type() Type { return TypeCursorMove }
func (UserJoin) Type() Type   { return TypeUserJoin }
func (UserLeave) Type() Type  { return TypeUserLeave }
func (UserList) Type() Type   { return TypeUserList }
func (Ack) Type() Type        { return TypeAck }
func (Error) Type() Type      { return TypeError }

func (CodeUpdate) envelope() {}
func (CursorMove) envelope() {}
func (UserJoin) envelope()   {}
func (UserLeave) envelope()  {}
func (UserList) envelope()   {}
func (Ack) envelope()        {}
func (Error) envelope()      {}

// IsRoomScoped reports whether a client is allowed to publish env to its room.
func IsRoomScoped(env Envelope) bool {
	switch env.(type) {
	case CodeUpdate, CursorMove:
		return true
	default:
		return false
	}
}
