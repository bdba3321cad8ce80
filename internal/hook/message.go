package hook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cory-johannsen/collabd/internal/session"
)

// Reply kinds written in the "type" field of outbound messages.
const (
	TypeError            = "error"
	TypePong             = "pong"
	TypeChat             = "chat"
	TypeUsers            = "users"
	TypeUserJoined       = "user-joined"
	TypeUserLeft         = "user-left"
	TypeUserCount        = "user-count"
	TypeConnectionClosed = "connection-closed"
)

// Error codes carried by error replies.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
)

// envelope is the part of every inbound message the dispatcher reads.
type envelope struct {
	Command string `json:"command"`
}

// ErrorMessage is the outbound error reply.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorReply encodes an error reply such as
// {"type":"error","code":401,"message":"No session for user alice"}.
func ErrorReply(code int, message string) []byte {
	data, _ := json.Marshal(ErrorMessage{Type: TypeError, Code: code, Message: message})
	return data
}

// Encode marshals an outbound message.
//
// Postcondition: Returns the JSON encoding of v or a wrapped marshal error.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return data, nil
}

// Event is one decoded inbound message.
type Event struct {
	// Command is the value of the envelope's "command" field.
	Command string
	// Payload is the complete raw message.
	Payload []byte
	User    *session.UserSession
	Conn    session.Connection
}

// Decode unmarshals the raw message into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %q payload: %w", e.Command, err)
	}
	return nil
}

// Reply sends v to the connection the event arrived on.
func (e Event) Reply(ctx context.Context, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return e.Conn.Send(ctx, data)
}

// ReplyError sends an error reply to the connection the event arrived on.
func (e Event) ReplyError(ctx context.Context, code int, message string) error {
	return e.Conn.Send(ctx, ErrorReply(code, message))
}
