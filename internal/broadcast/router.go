// Package broadcast fans outbound messages out to the connections of one,
// many or all registered user sessions.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/cory-johannsen/collabd/internal/session"
)

// Default limits for nested and concurrent broadcasts.
const (
	DefaultMaxDepth   = 16
	DefaultMaxPending = 4096
	DefaultMaxActive  = 1024
)

// ErrReentrantBroadcast is returned when a broadcast issued from inside the
// delivery of another broadcast exceeds the nesting depth or the pending
// queue limit, or when too many broadcasts are already in progress. The
// rejected message is dropped; fan-outs in progress are unaffected.
var ErrReentrantBroadcast = errors.New("reentrant broadcast")

// Option configures a Router.
type Option func(*Router)

// WithMaxDepth sets how many generations of nested broadcasts are accepted.
func WithMaxDepth(n int) Option {
	return func(r *Router) { r.maxDepth = n }
}

// WithMaxPending sets how many nested deliveries one cascade may queue.
func WithMaxPending(n int) Option {
	return func(r *Router) { r.maxPending = n }
}

// WithMaxActive sets how many cascades may be delivering at once.
func WithMaxActive(n int) Option {
	return func(r *Router) { r.maxActive = n }
}

type deliveryKey struct{}

// deliveryMark is attached to the context handed to Connection.Send.
type deliveryMark struct {
	router *Router
	owner  *cascade
	depth  int
}

type delivery struct {
	ctx    context.Context
	msg    []byte
	scope  Scope
	uid    string
	direct bool
	depth  int
}

// cascade is one top-level call together with every nested call made from
// its deliveries. The goroutine that started it drains its FIFO.
type cascade struct {
	mu       sync.Mutex
	pending  *queue.Queue
	draining bool
}

// Router delivers messages to sessions held by a Registry.
//
// Every call made with a fresh context starts a cascade and is delivered on
// the caller's goroutine; concurrent callers never wait on each other. A call
// made with the context passed to Connection.Send is nested: it joins the
// cascade of the delivery that triggered it and is sent once the fan-out in
// progress completes, so call depth stays constant however deeply handlers
// cascade. Nested calls are limited by depth and by the cascade's queue.
//
// Handlers must pass on the context they were given. A call made with any
// other context is treated as top-level; the number of cascades delivering
// at once is capped so such a loop is rejected rather than overflowing the
// stack.
//
// All methods are safe for concurrent use.
type Router struct {
	registry   *session.Registry
	logger     *zap.Logger
	maxDepth   int
	maxPending int
	maxActive  int

	active  atomic.Int64
	pending atomic.Int64
}

// NewRouter creates a Router over registry.
//
// Precondition: registry and logger must be non-nil.
// Postcondition: Returns a Router with DefaultMaxDepth, DefaultMaxPending and
// DefaultMaxActive unless overridden.
func NewRouter(registry *session.Registry, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		registry:   registry,
		logger:     logger,
		maxDepth:   DefaultMaxDepth,
		maxPending: DefaultMaxPending,
		maxActive:  DefaultMaxActive,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Broadcast delivers msg to every registered session accepted by scope.
// A nil scope reaches everyone. Delivery order across sessions is unspecified.
//
// Postcondition: Returns nil once msg is delivered or queued behind the
// fan-out in progress, or an error wrapping ErrReentrantBroadcast.
func (r *Router) Broadcast(ctx context.Context, msg []byte, scope Scope) error {
	return r.submit(delivery{ctx: ctx, msg: msg, scope: scope})
}

// SendToUser delivers msg to the session registered under uid. An unknown
// uid is silently ignored.
//
// Postcondition: Returns nil, or an error wrapping ErrReentrantBroadcast.
func (r *Router) SendToUser(ctx context.Context, uid string, msg []byte) error {
	return r.submit(delivery{ctx: ctx, msg: msg, uid: uid, direct: true})
}

// Pending returns the number of nested deliveries queued across all cascades.
func (r *Router) Pending() int {
	return int(r.pending.Load())
}

// depth returns the nesting depth of a context handed to Connection.Send by
// this router, or 0 for any other context.
func (r *Router) depth(ctx context.Context) int {
	if mark, ok := ctx.Value(deliveryKey{}).(deliveryMark); ok && mark.router == r {
		return mark.depth
	}
	return 0
}

func (r *Router) submit(d delivery) error {
	if d.ctx == nil {
		d.ctx = context.Background()
	}
	mark, nested := d.ctx.Value(deliveryKey{}).(deliveryMark)
	if !nested || mark.router != r {
		return r.enqueue(&cascade{pending: queue.New()}, d)
	}
	d.depth = mark.depth + 1
	if d.depth > r.maxDepth {
		return r.reject(d, "depth limit reached")
	}
	return r.enqueue(mark.owner, d)
}

// enqueue appends d to c. If nobody is draining c, the caller becomes its
// drainer, which counts against the active limit.
func (r *Router) enqueue(c *cascade, d delivery) error {
	c.mu.Lock()
	if c.draining {
		if c.pending.Length() >= r.maxPending {
			c.mu.Unlock()
			return r.reject(d, "pending limit reached")
		}
		c.pending.Add(d)
		r.pending.Add(1)
		c.mu.Unlock()
		return nil
	}
	if r.active.Add(1) > int64(r.maxActive) {
		r.active.Add(-1)
		c.mu.Unlock()
		return r.reject(d, "too many broadcasts in progress")
	}
	c.draining = true
	c.mu.Unlock()

	r.deliver(c, d)
	r.drain(c)
	return nil
}

func (r *Router) drain(c *cascade) {
	defer r.active.Add(-1)
	for {
		c.mu.Lock()
		if c.pending.Length() == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		d := c.pending.Remove().(delivery)
		r.pending.Add(-1)
		c.mu.Unlock()

		r.deliver(c, d)
	}
}

func (r *Router) reject(d delivery, reason string) error {
	r.logger.Warn("broadcast rejected",
		zap.String("reason", reason),
		zap.Int("depth", d.depth),
		zap.Int("pending", r.Pending()),
	)
	return fmt.Errorf("%w: %s at depth %d", ErrReentrantBroadcast, reason, d.depth)
}

func (r *Router) deliver(c *cascade, d delivery) {
	d.ctx = context.WithValue(d.ctx, deliveryKey{}, deliveryMark{router: r, owner: c, depth: d.depth})
	if d.direct {
		if sess, ok := r.registry.GetUser(d.uid); ok {
			r.sendTo(sess, d)
		}
		return
	}
	// Users returns a snapshot, so evictions during delivery are safe.
	for _, sess := range r.registry.Users() {
		r.sendTo(sess, d)
	}
}

// sendTo delivers to one recipient. Failures, including panics raised by a
// scope or a transport, stay with that recipient.
func (r *Router) sendTo(sess *session.UserSession, d delivery) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("delivery panicked",
				zap.String("uid", sess.UID()),
				zap.Any("panic", p),
			)
		}
	}()
	if !d.direct && !d.scope.accepts(sess) {
		return
	}
	if err := sess.Send(d.ctx, d.msg); err != nil {
		r.logger.Warn("delivery failed",
			zap.String("uid", sess.UID()),
			zap.Error(err),
		)
	}
}
