package hook

import (
	"context"

	"go.uber.org/zap"

	"github.com/cory-johannsen/collabd/internal/broadcast"
	"github.com/cory-johannsen/collabd/internal/session"
)

// PresenceMessage announces a membership or connection change.
type PresenceMessage struct {
	Type       string `json:"type"`
	UID        string `json:"uid,omitempty"`
	Connection string `json:"connection,omitempty"`
	Count      *int   `json:"count,omitempty"`
}

// Presence broadcasts membership changes to sessions that do not exclude
// presence. It is both a Hook, for per-connection disconnects, and a
// session.Observer, for joins, leaves and count changes.
type Presence struct {
	out    Broadcaster
	logger *zap.Logger
}

// NewPresence creates a Presence hook.
//
// Precondition: out and logger must be non-nil.
func NewPresence(out Broadcaster, logger *zap.Logger) *Presence {
	return &Presence{out: out, logger: logger}
}

// Name implements Hook.
func (*Presence) Name() string { return "presence" }

// Command implements Hook. Presence handles no commands.
func (*Presence) Command(context.Context, Event) (bool, error) { return false, nil }

// Disconnect implements Hook by announcing the closed connection to the
// other sessions.
func (p *Presence) Disconnect(ctx context.Context, user *session.UserSession, conn session.Connection) error {
	return p.publish(ctx, PresenceMessage{
		Type:       TypeConnectionClosed,
		UID:        user.UID(),
		Connection: conn.ID(),
	}, broadcast.ExcludeUser(user.UID()))
}

// UserJoined implements session.Observer.
func (p *Presence) UserJoined(s *session.UserSession) {
	p.notify(PresenceMessage{Type: TypeUserJoined, UID: s.UID()}, broadcast.ExcludeUser(s.UID()))
}

// UserLeft implements session.Observer.
func (p *Presence) UserLeft(s *session.UserSession) {
	p.notify(PresenceMessage{Type: TypeUserLeft, UID: s.UID()}, nil)
}

// UserCountChanged implements session.Observer.
func (p *Presence) UserCountChanged(count int) {
	p.notify(PresenceMessage{Type: TypeUserCount, Count: &count}, nil)
}

func (p *Presence) notify(msg PresenceMessage, scope broadcast.Scope) {
	if err := p.publish(context.Background(), msg, scope); err != nil {
		p.logger.Warn("presence notification dropped",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
	}
}

func (p *Presence) publish(ctx context.Context, msg PresenceMessage, scope broadcast.Scope) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.out.Broadcast(ctx, data, broadcast.And(broadcast.Extension(p.Name()), scope))
}

// Builtins returns the built-in hooks in dispatch order, and the Presence
// hook so the caller can subscribe it to the registry.
func Builtins(out Broadcaster, dir Directory, logger *zap.Logger) ([]Hook, *Presence) {
	presence := NewPresence(out, logger)
	return []Hook{Ping{}, NewChat(out), NewWho(dir), presence}, presence
}
