package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// AddClientConnection attaches conn to the session registered under uid.
// A non-empty initial message is handled as the first inbound event of conn.
//
// Precondition: conn must be non-nil with a unique ID.
// Postcondition: Returns the session, or an error wrapping ErrNoSuchSession
// if uid is not registered.
func (r *Registry) AddClientConnection(ctx context.Context, uid string, conn Connection, initial []byte) (*UserSession, error) {
	sess, ok := r.GetUser(uid)
	if !ok || !sess.attach(conn, r.clock.Now()) {
		r.logger.Warn("connection rejected, no session",
			zap.String("uid", uid),
			zap.String("connection", conn.ID()),
		)
		return nil, fmt.Errorf("attaching connection %s: %w: %q", conn.ID(), ErrNoSuchSession, uid)
	}

	r.logger.Debug("connection attached",
		zap.String("uid", uid),
		zap.String("connection", conn.ID()),
		zap.Int("connections", sess.ConnectionCount()),
	)

	if len(initial) > 0 {
		if err := r.HandleMessage(ctx, sess, conn, initial); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// HandleMessage stamps the session's activity time and hands msg to the
// hook dispatcher. Dispatcher failures are logged and isolated to this event.
//
// Postcondition: Returns an error wrapping ErrNoSuchSession if the session is
// evicted or conn is not attached, an error wrapping ErrSessionFatal if the
// dispatcher evicted the session, or nil.
func (r *Registry) HandleMessage(ctx context.Context, sess *UserSession, conn Connection, msg []byte) error {
	if !sess.touch(conn, r.clock.Now()) {
		return fmt.Errorf("message on connection %s: %w: %q", conn.ID(), ErrNoSuchSession, sess.uid)
	}
	return r.invoke("command", sess, conn, func(d Dispatcher) error {
		return d.Command(ctx, sess, msg, conn)
	})
}

// HandleDisconnect processes the close of conn. The disconnect hook runs
// first; then, if conn was the last connection, the session enters its
// grace period and an expiry check is scheduled.
//
// Postcondition: conn is detached. Closing an already detached connection is a no-op.
func (r *Registry) HandleDisconnect(ctx context.Context, sess *UserSession, conn Connection) {
	if !sess.attached(conn) {
		return
	}

	_ = r.invoke("disconnect", sess, conn, func(d Dispatcher) error {
		return d.Disconnect(ctx, sess, conn)
	})

	removed, graceStarted := sess.detach(conn)
	if !removed {
		return
	}
	r.logger.Debug("connection detached",
		zap.String("uid", sess.uid),
		zap.String("connection", conn.ID()),
		zap.Int("connections", sess.ConnectionCount()),
	)
	if graceStarted {
		r.disconnectUser(sess)
	}
}

// disconnectUser schedules an expiry check one grace window from now.
// A reconnect does not cancel pending checks; each re-reads the activity
// stamp when it fires. Eviction stops them all.
func (r *Registry) disconnectUser(sess *UserSession) {
	r.logger.Info("running user disconnect timer",
		zap.String("uid", sess.uid),
		zap.Duration("grace_window", r.graceWindow),
	)
	sess.scheduleCheck(func(fired func()) Timer {
		return r.clock.AfterFunc(r.graceWindow, func() {
			fired()
			r.expire(sess)
		})
	})
}

// expire evicts sess if it is still idle. The idle check and the eviction
// are atomic with respect to AddClientConnection.
func (r *Registry) expire(sess *UserSession) {
	now := r.clock.Now()
	evicted := r.remove(sess, func() ([]Connection, bool) {
		return sess.evictIfIdle(now, r.graceWindow)
	})
	if !evicted {
		r.logger.Debug("disconnect timer fired, user still active",
			zap.String("uid", sess.uid),
			zap.Stringer("state", sess.State()),
		)
		return
	}
	r.logger.Info("user fully disconnected", zap.String("uid", sess.uid))
}

// invoke calls the dispatcher for one event and applies the failure policy.
func (r *Registry) invoke(event string, sess *UserSession, conn Connection, call func(Dispatcher) error) error {
	err := callDispatcher(r.currentDispatcher(), call)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionFatal) {
		r.logger.Warn("fatal session error, evicting user",
			zap.String("event", event),
			zap.String("uid", sess.uid),
			zap.String("connection", conn.ID()),
			zap.Error(err),
		)
		r.RemoveUser(sess)
		return err
	}
	r.logger.Error("hook dispatch failed",
		zap.String("event", event),
		zap.String("uid", sess.uid),
		zap.String("connection", conn.ID()),
		zap.Error(err),
	)
	return nil
}
