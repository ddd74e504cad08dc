package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	errMissingPayload = errors.New("missing field `payload`")
)

// DecodeError is returned by Decode for payloads that are not well-formed JSON
// or do not match any known envelope variant. Its message is the parser's.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

type wireEnvelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a text frame payload into an Envelope.
func Decode(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch w.Type {
	case TypeCodeUpdate:
		return decodePayload[CodeUpdate](w.Payload, "code")
	case TypeCursorMove:
		return decodePayload[CursorMove](w.Payload, "line", "character")
	case TypeUserJoin:
		return decodePayload[UserJoin](w.Payload, "user_id")
	case TypeUserLeave:
		return decodePayload[UserLeave](w.Payload, "user_id")
	case TypeUserList:
		return decodePayload[UserList](w.Payload, "user_ids")
	case TypeError:
		return decodePayload[Error](w.Payload, "message")
	case TypeAck:
		return Ack{}, nil
	default:
		return nil, &DecodeError{Err: fmt.Errorf("unknown variant %q, expected one of %s", w.Type, knownVariants)}
	}
}

var knownVariants = fmt.Sprintf("%q", []Type{
	TypeCodeUpdate, TypeCursorMove, TypeUserJoin, TypeUserLeave, TypeUserList, TypeAck, TypeError,
})

func decodePayload[T Envelope](raw json.RawMessage, required ...string) (Envelope, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &DecodeError{Err: errMissingPayload}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Err: err}
	}
	for _, name := range required {
		v, ok := fields[name]
		if !ok {
			return nil, &DecodeError{Err: fmt.Errorf("missing field `%s`", name)}
		}
		if bytes.Equal(v, []byte("null")) {
			return nil, &DecodeError{Err: fmt.Errorf("invalid type: null for field `%s`", name)}
		}
	}

	var env T
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return env, nil
}

// Encode serializes env into a text frame payload.
// Every Envelope built by this package is serializable, so a failure here
// is a programming error and panics.
func Encode(env Envelope) []byte {
	w := wireEnvelope{Type: env.Type()}

	switch e := env.(type) {
	case Ack:
	case UserList:
		if e.UserIDs == nil {
			e.UserIDs = []uuid.UUID{}
		}
		w.Payload = mustMarshal(e)
	default:
		w.Payload = mustMarshal(env)
	}
	return mustMarshal(w)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: envelope is not serializable: %v", err))
	}
	return b
}
