// Package hook implements the workspace hook dispatcher: inbound messages are
// decoded from JSON and offered to an ordered list of hooks.
package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/collabd/internal/session"
)

// Hook is a named handler for inbound events.
type Hook interface {
	Name() string
	// Command reports whether the hook handled the event.
	Command(ctx context.Context, ev Event) (bool, error)
	// Disconnect is called for every connection that closes.
	Disconnect(ctx context.Context, user *session.UserSession, conn session.Connection) error
}

// Dispatcher offers each inbound event to its hooks in registration order
// until one handles it. It implements session.Dispatcher.
type Dispatcher struct {
	logger *zap.Logger
	hooks  []Hook
}

// NewDispatcher creates a Dispatcher over hooks.
//
// Precondition: logger must be non-nil; hook names must be unique and non-empty.
// Postcondition: Returns a Dispatcher or an error naming the offending hook.
func NewDispatcher(logger *zap.Logger, hooks ...Hook) (*Dispatcher, error) {
	seen := make(map[string]struct{}, len(hooks))
	for _, h := range hooks {
		if h == nil {
			return nil, errors.New("nil hook")
		}
		name := h.Name()
		if name == "" {
			return nil, fmt.Errorf("hook %T has no name", h)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate hook name: %q", name)
		}
		seen[name] = struct{}{}
	}
	return &Dispatcher{logger: logger, hooks: append([]Hook(nil), hooks...)}, nil
}

// Names returns the hook names in dispatch order.
func (d *Dispatcher) Names() []string {
	names := make([]string, len(d.hooks))
	for i, h := range d.hooks {
		names[i] = h.Name()
	}
	return names
}

// Command decodes msg and routes it to the first hook that handles it.
// Malformed and unhandled messages are answered with an error reply on conn
// and do not fail the session.
//
// Postcondition: Returns the error of the hook that failed, or the error of
// sending an error reply.
func (d *Dispatcher) Command(ctx context.Context, user *session.UserSession, msg []byte, conn session.Connection) error {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Command == "" {
		d.logger.Debug("malformed message",
			zap.String("uid", user.UID()),
			zap.String("conn", conn.ID()),
		)
		return conn.Send(ctx, ErrorReply(CodeBadRequest, "malformed message"))
	}

	ev := Event{Command: env.Command, Payload: msg, User: user, Conn: conn}
	for _, h := range d.hooks {
		handled, err := h.Command(ctx, ev)
		if err != nil {
			return fmt.Errorf("hook %s: %w", h.Name(), err)
		}
		if handled {
			return nil
		}
	}

	d.logger.Debug("unhandled command",
		zap.String("uid", user.UID()),
		zap.String("command", env.Command),
	)
	return conn.Send(ctx, ErrorReply(CodeNotFound, fmt.Sprintf("Unknown command %q", env.Command)))
}

// Disconnect notifies every hook that conn closed. A failing hook does not
// stop the others.
//
// Postcondition: Returns the joined hook errors, or nil.
func (d *Dispatcher) Disconnect(ctx context.Context, user *session.UserSession, conn session.Connection) error {
	var errs []error
	for _, h := range d.hooks {
		if err := h.Disconnect(ctx, user, conn); err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}
