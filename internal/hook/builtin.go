package hook

import (
	"context"
	"strings"

	"github.com/cory-johannsen/collabd/internal/broadcast"
	"github.com/cory-johannsen/collabd/internal/session"
)

// Broadcaster delivers outbound messages. *broadcast.Router satisfies it.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg []byte, scope broadcast.Scope) error
	SendToUser(ctx context.Context, uid string, msg []byte) error
}

// Directory lists registered sessions. *session.Registry satisfies it.
type Directory interface {
	Users() []*session.UserSession
}

// MaxChatLength bounds the text of one chat message in bytes.
const MaxChatLength = 4096

// base provides a no-op Disconnect for hooks that do not track connections.
type base struct{}

func (base) Disconnect(context.Context, *session.UserSession, session.Connection) error { return nil }

// Ping answers "ping" with "pong" on the originating connection.
type Ping struct{ base }

// PongMessage answers a ping. ID echoes the request's id, if any.
type PongMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Name implements Hook.
func (Ping) Name() string { return "ping" }

// Command implements Hook.
func (Ping) Command(ctx context.Context, ev Event) (bool, error) {
	if ev.Command != "ping" {
		return false, nil
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := ev.Decode(&req); err != nil {
		return true, ev.ReplyError(ctx, CodeBadRequest, "malformed ping")
	}
	return true, ev.Reply(ctx, PongMessage{Type: TypePong, ID: req.ID})
}

// ChatMessage is broadcast for every accepted chat command.
type ChatMessage struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
	Text string `json:"text"`
}

// Chat broadcasts text to every session whose permissions do not exclude chat.
type Chat struct {
	base
	out Broadcaster
}

// NewChat creates a Chat hook.
//
// Precondition: out must be non-nil.
func NewChat(out Broadcaster) *Chat {
	return &Chat{out: out}
}

// Name implements Hook.
func (*Chat) Name() string { return "chat" }

// Command implements Hook.
//
// Postcondition: Senders excluded from chat, and empty or oversized text,
// receive an error reply; nothing is broadcast.
func (c *Chat) Command(ctx context.Context, ev Event) (bool, error) {
	if ev.Command != "chat" {
		return false, nil
	}
	if ev.User.Permissions().Excludes(c.Name()) {
		return true, ev.ReplyError(ctx, CodeForbidden, "chat is not permitted")
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := ev.Decode(&req); err != nil {
		return true, ev.ReplyError(ctx, CodeBadRequest, "malformed chat message")
	}
	text := strings.TrimSpace(req.Text)
	switch {
	case text == "":
		return true, ev.ReplyError(ctx, CodeBadRequest, "empty chat message")
	case len(text) > MaxChatLength:
		return true, ev.ReplyError(ctx, CodeBadRequest, "chat message too long")
	}
	data, err := Encode(ChatMessage{Type: TypeChat, UID: ev.User.UID(), Text: text})
	if err != nil {
		return true, err
	}
	return true, c.out.Broadcast(ctx, data, broadcast.Extension(c.Name()))
}

// UsersMessage lists the registered identities.
type UsersMessage struct {
	Type  string     `json:"type"`
	Count int        `json:"count"`
	Users []UserInfo `json:"users"`
}

// UserInfo describes one registered identity.
type UserInfo struct {
	UID         string `json:"uid"`
	Connections int    `json:"connections"`
	State       string `json:"state"`
	ReadOnly    bool   `json:"read_only"`
}

// Describe summarizes the sessions in users.
func Describe(users []*session.UserSession) UsersMessage {
	msg := UsersMessage{Type: TypeUsers, Count: len(users), Users: make([]UserInfo, 0, len(users))}
	for _, u := range users {
		msg.Users = append(msg.Users, UserInfo{
			UID:         u.UID(),
			Connections: u.ConnectionCount(),
			State:       u.State().String(),
			ReadOnly:    u.Permissions().ReadOnly(),
		})
	}
	return msg
}

// Who answers "who" with the current user list.
type Who struct {
	base
	dir Directory
}

// NewWho creates a Who hook.
//
// Precondition: dir must be non-nil.
func NewWho(dir Directory) *Who {
	return &Who{dir: dir}
}

// Name implements Hook.
func (*Who) Name() string { return "who" }

// Command implements Hook.
func (w *Who) Command(ctx context.Context, ev Event) (bool, error) {
	if ev.Command != "who" {
		return false, nil
	}
	return true, ev.Reply(ctx, Describe(w.dir.Users()))
}
