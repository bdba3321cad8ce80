package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/collabd/internal/permission"
)

// DefaultGraceWindow is how long a session without connections survives
// before it is evicted.
const DefaultGraceWindow = 10 * time.Second

// ErrNoSuchSession is returned when an operation requires a registered
// session and none exists for the identity.
var ErrNoSuchSession = errors.New("no such session")

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock used for activity stamps and grace timers.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithGraceWindow sets the eviction delay after the last connection closes.
func WithGraceWindow(d time.Duration) Option {
	return func(r *Registry) { r.graceWindow = d }
}

// WithVisitor sets the capability set returned for unknown identities.
func WithVisitor(s permission.Set) Option {
	return func(r *Registry) { r.visitor = s }
}

// WithDispatcher sets the hook dispatcher invoked for inbound events.
func WithDispatcher(d Dispatcher) Option {
	return func(r *Registry) { r.dispatcher = d }
}

// Registry is the single source of truth for which users are connected.
// All methods are safe for concurrent use.
type Registry struct {
	logger      *zap.Logger
	clock       Clock
	graceWindow time.Duration
	visitor     permission.Set

	mu    sync.RWMutex
	users map[string]*UserSession // uid → session

	dispatchMu sync.RWMutex
	dispatcher Dispatcher

	obsMu     sync.Mutex
	observers map[uint64]Observer
	nextObsID uint64
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Registry with a 10s grace window, the wall clock,
// the built-in visitor set and a NopDispatcher unless overridden by opts.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:      logger,
		clock:       WallClock(),
		graceWindow: DefaultGraceWindow,
		visitor:     permission.Visitor(),
		users:       make(map[string]*UserSession),
		dispatcher:  NopDispatcher{},
		observers:   make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDispatcher replaces the hook dispatcher. A nil d installs NopDispatcher.
func (r *Registry) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = NopDispatcher{}
	}
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.dispatcher = d
}

func (r *Registry) currentDispatcher() Dispatcher {
	r.dispatchMu.RLock()
	defer r.dispatchMu.RUnlock()
	return r.dispatcher
}

// GraceWindow returns the configured eviction delay.
func (r *Registry) GraceWindow() time.Duration {
	return r.graceWindow
}

// Subscribe registers o for membership notifications.
//
// Postcondition: Returns a function that removes the subscription; it is safe to call more than once.
func (r *Registry) Subscribe(o Observer) (unsubscribe func()) {
	r.obsMu.Lock()
	id := r.nextObsID
	r.nextObsID++
	r.observers[id] = o
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Registry) snapshotObservers() []Observer {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	ids := make([]uint64, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.observers[id])
	}
	return out
}

// AddUser registers a session for uid, or replaces the permissions of the
// existing one.
//
// Precondition: uid must be non-empty.
// Postcondition: Returns the session registered under uid. Observers see
// UserCountChanged then UserJoined only when a new session was created.
func (r *Registry) AddUser(uid string, perms permission.Set, userData any) *UserSession {
	r.mu.Lock()
	if sess, ok := r.users[uid]; ok {
		r.mu.Unlock()
		if sess.setPermissions(perms) {
			r.logger.Debug("user permissions replaced", zap.String("uid", uid))
		}
		return sess
	}
	sess := newUserSession(uid, perms, userData, r.clock.Now())
	r.users[uid] = sess
	count := len(r.users)
	r.mu.Unlock()

	r.logger.Info("user joined",
		zap.String("uid", uid),
		zap.Int("users", count),
	)
	for _, o := range r.snapshotObservers() {
		o.UserCountChanged(count)
		o.UserJoined(sess)
	}
	return sess
}

// RemoveUser evicts sess. Removing a session that is not registered, or a
// stale handle whose identity now maps to a newer session, is a no-op.
//
// Postcondition: sess is Evicted, its remaining connections are closed and
// observers saw UserCountChanged then UserLeft exactly once.
func (r *Registry) RemoveUser(sess *UserSession) {
	r.remove(sess, sess.evict)
}

// remove evicts sess through evict while holding the registry lock, so the
// identity cannot be re-registered or reattached in between.
//
// Postcondition: Returns false, changing nothing, if sess is not the
// registered session for its identity or evict declined.
func (r *Registry) remove(sess *UserSession, evict func() ([]Connection, bool)) bool {
	if sess == nil {
		return false
	}
	r.mu.Lock()
	current, ok := r.users[sess.uid]
	if !ok || current != sess {
		r.mu.Unlock()
		return false
	}
	conns, evicted := evict()
	if !evicted {
		r.mu.Unlock()
		return false
	}
	delete(r.users, sess.uid)
	count := len(r.users)
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			r.logger.Debug("closing connection of evicted user",
				zap.String("uid", sess.uid),
				zap.String("connection", c.ID()),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("user left",
		zap.String("uid", sess.uid),
		zap.Int("users", count),
	)
	for _, o := range r.snapshotObservers() {
		o.UserCountChanged(count)
		o.UserLeft(sess)
	}
	return true
}

// GetUser returns the session registered under uid.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) GetUser(uid string) (*UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.users[uid]
	return sess, ok
}

// HasUser reports whether uid has a registered session.
func (r *Registry) HasUser(uid string) bool {
	_, ok := r.GetUser(uid)
	return ok
}

// GetPermissions returns the permissions of uid's session, or the visitor
// set when uid is not registered.
func (r *Registry) GetPermissions(uid string) permission.Set {
	if sess, ok := r.GetUser(uid); ok {
		return sess.Permissions()
	}
	return r.visitor
}

// Users returns a snapshot of all registered sessions ordered by identity.
func (r *Registry) Users() []*UserSession {
	r.mu.RLock()
	out := make([]*UserSession, 0, len(r.users))
	for _, sess := range r.users {
		out = append(out, sess)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].uid < out[j].uid })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
