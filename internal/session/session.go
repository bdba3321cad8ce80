// Package session tracks logical users, the live connections attached to
// each of them, and the grace period that defers eviction after the last
// connection drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cory-johannsen/collabd/internal/permission"
)

// Connection is one transport-level channel bound to exactly one user.
// The transport layer owns the underlying socket; the session only keeps
// the bookkeeping record.
type Connection interface {
	// ID returns an identifier unique among live connections.
	ID() string
	// Send delivers data to this single channel. ctx carries delivery
	// metadata and must be passed on to any broadcast the delivery triggers.
	Send(ctx context.Context, data []byte) error
	// Close releases the transport. It must be safe to call more than once.
	Close() error
}

// State is the lifecycle state of a UserSession.
type State int

const (
	// StateActive means at least one connection is attached, or none has been attached yet.
	StateActive State = iota
	// StateGracePeriod means the last connection closed and eviction is pending.
	StateGracePeriod
	// StateEvicted means the session was removed from its Registry.
	StateEvicted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateGracePeriod:
		return "grace_period"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UserSession aggregates the connections of one logical identity.
// All methods are safe for concurrent use.
type UserSession struct {
	uid      string
	userData any

	mu           sync.RWMutex
	permissions  permission.Set
	conns        []Connection
	lastActivity time.Time
	grace        bool
	evicted      bool
	timers       map[uint64]Timer
	nextTimer    uint64
}

func newUserSession(uid string, perms permission.Set, userData any, now time.Time) *UserSession {
	return &UserSession{
		uid:          uid,
		userData:     userData,
		permissions:  perms,
		lastActivity: now,
	}
}

// UID returns the identity the session was registered under.
func (s *UserSession) UID() string {
	return s.uid
}

// UserData returns the opaque payload supplied by the authorization collaborator.
func (s *UserSession) UserData() any {
	return s.userData
}

// Permissions returns the session's current capability set.
func (s *UserSession) Permissions() permission.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions
}

// setPermissions reports whether perms differ from the current set.
func (s *UserSession) setPermissions(perms permission.Set) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permissions.Equal(perms) {
		return false
	}
	s.permissions = perms
	return true
}

// LastActivity returns the time of the most recent inbound event or attach.
func (s *UserSession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// State returns the lifecycle state.
func (s *UserSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.evicted:
		return StateEvicted
	case len(s.conns) == 0 && s.grace:
		return StateGracePeriod
	default:
		return StateActive
	}
}

// Connections returns a snapshot of the attached connections in attach order.
func (s *UserSession) Connections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// ConnectionCount returns the number of attached connections.
func (s *UserSession) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Send delivers data to every attached connection.
// A failing connection does not stop delivery to the others.
//
// Postcondition: Returns nil, or the joined errors of every connection that failed.
func (s *UserSession) Send(ctx context.Context, data []byte) error {
	var errs []error
	for _, c := range s.Connections() {
		if err := c.Send(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// attach adds conn and stamps activity. Attaching an already attached
// connection only stamps activity.
//
// Postcondition: Returns false if the session has been evicted.
func (s *UserSession) attach(conn Connection, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	if s.indexOf(conn) < 0 {
		s.conns = append(s.conns, conn)
	}
	s.grace = false
	s.lastActivity = now
	return true
}

// detach removes conn.
//
// Postcondition: Returns whether conn was attached and whether the session
// just entered the grace period.
func (s *UserSession) detach(conn Connection) (removed, graceStarted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(conn)
	if i < 0 {
		return false, false
	}
	s.conns = append(s.conns[:i], s.conns[i+1:]...)
	if len(s.conns) == 0 && !s.evicted {
		s.grace = true
		return true, true
	}
	return true, false
}

// touch records an inbound event on conn.
//
// Postcondition: Returns false, leaving activity untouched, if the session is
// evicted or conn is not attached.
func (s *UserSession) touch(conn Connection, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted || s.indexOf(conn) < 0 {
		return false
	}
	s.lastActivity = now
	return true
}

func (s *UserSession) attached(conn Connection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOf(conn) >= 0
}

// scheduleCheck arms an expiry check through schedule and tracks its timer
// until the check runs, so eviction can stop it. schedule runs with mu held
// and must not call fired synchronously.
func (s *UserSession) scheduleCheck(schedule func(fired func()) Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return
	}
	id := s.nextTimer
	s.nextTimer++
	if s.timers == nil {
		s.timers = make(map[uint64]Timer)
	}
	s.timers[id] = schedule(func() { s.untrackTimer(id) })
}

func (s *UserSession) untrackTimer(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

// evict marks the session evicted, stops its pending expiry checks and hands
// back the connections that were still attached.
//
// Postcondition: Returns false if the session was already evicted.
func (s *UserSession) evict() ([]Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

// evictIfIdle evicts the session only if it has no connections and no
// activity within window as of now. The check and the eviction happen under
// one lock, so a connection attached concurrently either lands first and
// keeps the session or fails with the session evicted.
func (s *UserSession) evictIfIdle(now time.Time, window time.Duration) ([]Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted || len(s.conns) > 0 || now.Sub(s.lastActivity) < window {
		return nil, false
	}
	return s.evictLocked()
}

func (s *UserSession) evictLocked() ([]Connection, bool) {
	if s.evicted {
		return nil, false
	}
	s.evicted = true
	s.grace = false
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	conns := s.conns
	s.conns = nil
	return conns, true
}

// indexOf must be called with mu held.
func (s *UserSession) indexOf(conn Connection) int {
	for i, c := range s.conns {
		if c.ID() == conn.ID() {
			return i
		}
	}
	return -1
}
