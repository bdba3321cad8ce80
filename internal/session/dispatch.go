package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionFatal is wrapped by a Dispatcher to request eviction of the
	// session that produced the event.
	ErrSessionFatal = errors.New("fatal session error")
	// ErrDispatcherFailure wraps any error or panic raised by a Dispatcher.
	ErrDispatcherFailure = errors.New("hook dispatcher failure")
)

// Dispatcher interprets normalized events from user connections.
type Dispatcher interface {
	// Command handles one inbound message received on conn.
	Command(ctx context.Context, user *UserSession, msg []byte, conn Connection) error
	// Disconnect is called when conn closes, before the session's grace
	// period logic runs.
	Disconnect(ctx context.Context, user *UserSession, conn Connection) error
}

// NopDispatcher ignores every event.
type NopDispatcher struct{}

// Command implements Dispatcher.
func (NopDispatcher) Command(context.Context, *UserSession, []byte, Connection) error { return nil }

// Disconnect implements Dispatcher.
func (NopDispatcher) Disconnect(context.Context, *UserSession, Connection) error { return nil }

// callDispatcher runs call, converting a returned error or a panic into an
// error wrapping ErrDispatcherFailure.
func callDispatcher(d Dispatcher, call func(Dispatcher) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDispatcherFailure, p)
		}
	}()
	if err := call(d); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatcherFailure, err)
	}
	return nil
}
