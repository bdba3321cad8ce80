package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/collabd/internal/testutil"
)

// funcDispatcher adapts closures into a Dispatcher and records every event.
type funcDispatcher struct {
	mu          sync.Mutex
	commands    []string
	disconnects []string
	onCommand   func(user *UserSession, msg []byte, conn Connection) error
	onClose     func(user *UserSession, conn Connection) error
}

func (d *funcDispatcher) Command(_ context.Context, user *UserSession, msg []byte, conn Connection) error {
	d.mu.Lock()
	d.commands = append(d.commands, conn.ID()+":"+string(msg))
	d.mu.Unlock()
	if d.onCommand != nil {
		return d.onCommand(user, msg, conn)
	}
	return nil
}

func (d *funcDispatcher) Disconnect(_ context.Context, user *UserSession, conn Connection) error {
	d.mu.Lock()
	d.disconnects = append(d.disconnects, conn.ID())
	d.mu.Unlock()
	if d.onClose != nil {
		return d.onClose(user, conn)
	}
	return nil
}

func (d *funcDispatcher) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *funcDispatcher) Disconnects() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.disconnects...)
}

func attach(t *testing.T, r *Registry, uid, connID string) (*UserSession, *testutil.RecordingConn) {
	t.Helper()
	conn := testutil.NewRecordingConn(connID)
	sess, err := r.AddClientConnection(context.Background(), uid, conn, nil)
	require.NoError(t, err)
	return sess, conn
}

func TestAddClientConnection_NoSuchSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	sess, err := r.AddClientConnection(context.Background(), "ghost", testutil.NewRecordingConn("c1"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSuchSession)
	assert.Nil(t, sess)
	assert.False(t, r.HasUser("ghost"))
}

func TestAddClientConnection_EvictedSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	sess := r.AddUser("alice", rw(), nil)
	r.RemoveUser(sess)
	_, err := r.AddClientConnection(context.Background(), "alice", testutil.NewRecordingConn("c1"), nil)
	assert.ErrorIs(t, err, ErrNoSuchSession)
}

func TestAddClientConnection_SameHandleTwice(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.AddUser("alice", rw(), nil)
	conn := testutil.NewRecordingConn("c1")
	_, err := r.AddClientConnection(context.Background(), "alice", conn, nil)
	require.NoError(t, err)
	sess, err := r.AddClientConnection(context.Background(), "alice", conn, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ConnectionCount())
}

func TestAddClientConnection_InitialMessageDispatched(t *testing.T) {
	d := &funcDispatcher{}
	r, _ := newTestRegistry(t, WithDispatcher(d))
	r.AddUser("alice", rw(), nil)

	_, err := r.AddClientConnection(context.Background(), "alice", testutil.NewRecordingConn("c1"), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1:hello"}, d.Commands())
}

func TestHandleMessage_StampsActivityAndDispatches(t *testing.T) {
	clock := newManualClock()
	d := &funcDispatcher{}
	r, _ := newTestRegistry(t, WithClock(clock), WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	clock.Advance(3 * time.Second)
	require.NoError(t, r.HandleMessage(context.Background(), sess, conn, []byte("save")))

	assert.Equal(t, clock.Now(), sess.LastActivity())
	assert.Equal(t, []string{"c1:save"}, d.Commands())
}

func TestHandleMessage_DetachedConnectionRejected(t *testing.T) {
	d := &funcDispatcher{}
	r, _ := newTestRegistry(t, WithDispatcher(d))
	sess := r.AddUser("alice", rw(), nil)

	err := r.HandleMessage(context.Background(), sess, testutil.NewRecordingConn("stranger"), []byte("x"))
	assert.ErrorIs(t, err, ErrNoSuchSession)
	assert.Empty(t, d.Commands())
}

func TestHandleMessage_DispatcherFailureIsolated(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d := &funcDispatcher{
		onCommand: func(_ *UserSession, msg []byte, _ Connection) error {
			if string(msg) == "bad" {
				return errors.New("settings unavailable")
			}
			return nil
		},
	}
	r := NewRegistry(zap.New(core), WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	r.AddUser("bob", rw(), nil)
	alice, aliceConn := attach(t, r, "alice", "a1")
	bob, bobConn := attach(t, r, "bob", "b1")

	require.NoError(t, r.HandleMessage(context.Background(), alice, aliceConn, []byte("bad")))
	require.NoError(t, r.HandleMessage(context.Background(), alice, aliceConn, []byte("good")))
	require.NoError(t, r.HandleMessage(context.Background(), bob, bobConn, []byte("good")))

	assert.Equal(t, []string{"a1:bad", "a1:good", "b1:good"}, d.Commands())
	assert.True(t, r.HasUser("alice"))
	failures := logs.FilterMessage("hook dispatch failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "alice", failures[0].ContextMap()["uid"])
}

func TestHandleMessage_DispatcherPanicIsolated(t *testing.T) {
	d := &funcDispatcher{
		onCommand: func(*UserSession, []byte, Connection) error {
			panic("boom")
		},
	}
	r, _ := newTestRegistry(t, WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	assert.NotPanics(t, func() {
		require.NoError(t, r.HandleMessage(context.Background(), sess, conn, []byte("x")))
	})
	assert.True(t, r.HasUser("alice"))
}

func TestHandleMessage_FatalSessionErrorEvicts(t *testing.T) {
	d := &funcDispatcher{
		onCommand: func(*UserSession, []byte, Connection) error {
			return fmt.Errorf("workspace gone: %w", ErrSessionFatal)
		},
	}
	r, obs := newTestRegistry(t, WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	err := r.HandleMessage(context.Background(), sess, conn, []byte("x"))

	assert.ErrorIs(t, err, ErrSessionFatal)
	assert.ErrorIs(t, err, ErrDispatcherFailure)
	assert.False(t, r.HasUser("alice"))
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"alice"}, obs.Left())
}

func TestSetDispatcher(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")
	require.NoError(t, r.HandleMessage(context.Background(), sess, conn, []byte("ignored")))

	d := &funcDispatcher{}
	r.SetDispatcher(d)
	require.NoError(t, r.HandleMessage(context.Background(), sess, conn, []byte("seen")))
	assert.Equal(t, []string{"c1:seen"}, d.Commands())

	r.SetDispatcher(nil)
	require.NoError(t, r.HandleMessage(context.Background(), sess, conn, []byte("dropped")))
	assert.Len(t, d.Commands(), 1)
}

func TestHandleDisconnect_HookRunsBeforeGraceTransition(t *testing.T) {
	clock := newManualClock()
	var stateDuringHook State
	var countDuringHook int
	d := &funcDispatcher{
		onClose: func(user *UserSession, _ Connection) error {
			stateDuringHook = user.State()
			countDuringHook = user.ConnectionCount()
			return nil
		},
	}
	r, _ := newTestRegistry(t, WithClock(clock), WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	r.HandleDisconnect(context.Background(), sess, conn)

	assert.Equal(t, StateActive, stateDuringHook)
	assert.Equal(t, 1, countDuringHook)
	assert.Equal(t, []string{"c1"}, d.Disconnects())
	assert.Equal(t, StateGracePeriod, sess.State())
	assert.Equal(t, 1, clock.Pending())
}

func TestHandleDisconnect_DetachedConnectionIsNoop(t *testing.T) {
	clock := newManualClock()
	d := &funcDispatcher{}
	r, _ := newTestRegistry(t, WithClock(clock), WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	r.HandleDisconnect(context.Background(), sess, conn)
	r.HandleDisconnect(context.Background(), sess, conn)

	assert.Equal(t, []string{"c1"}, d.Disconnects())
	assert.Equal(t, 1, clock.Pending())
}

func TestHandleDisconnect_DispatcherFailureStillDetaches(t *testing.T) {
	clock := newManualClock()
	d := &funcDispatcher{
		onClose: func(*UserSession, Connection) error { return errors.New("hook failed") },
	}
	r, _ := newTestRegistry(t, WithClock(clock), WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	r.HandleDisconnect(context.Background(), sess, conn)

	assert.Zero(t, sess.ConnectionCount())
	assert.Equal(t, StateGracePeriod, sess.State())
}

func TestGracePeriod_EvictsAfterWindow(t *testing.T) {
	clock := newManualClock()
	r, obs := newTestRegistry(t, WithClock(clock))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	r.HandleDisconnect(context.Background(), sess, conn)
	clock.Advance(9 * time.Second)
	assert.True(t, r.HasUser("alice"), "still inside the grace window")
	assert.Equal(t, StateGracePeriod, sess.State())

	clock.Advance(time.Second)
	assert.False(t, r.HasUser("alice"))
	assert.Equal(t, StateEvicted, sess.State())
	assert.Equal(t, []string{"alice"}, obs.Left())

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"alice"}, obs.Left(), "left fires exactly once")
}

func TestGracePeriod_ReconnectPreventsEviction(t *testing.T) {
	clock := newManualClock()
	r, obs := newTestRegistry(t, WithClock(clock))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	r.HandleDisconnect(context.Background(), sess, conn)
	clock.Advance(5 * time.Second)
	attach(t, r, "alice", "c2")
	assert.Equal(t, StateActive, sess.State())

	clock.Advance(5 * time.Second)
	assert.True(t, r.HasUser("alice"))
	assert.Empty(t, obs.Left())
}

func TestGracePeriod_CustomWindow(t *testing.T) {
	clock := newManualClock()
	r, _ := newTestRegistry(t, WithClock(clock), WithGraceWindow(2*time.Second))
	assert.Equal(t, 2*time.Second, r.GraceWindow())
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")

	r.HandleDisconnect(context.Background(), sess, conn)
	clock.Advance(2 * time.Second)
	assert.False(t, r.HasUser("alice"))
}

// Two connections: closing the first keeps the session Active; closing the
// second starts the grace period; a message on a brand-new connection four
// seconds later keeps the first timer from evicting.
func TestGracePeriod_MultiTabScenario(t *testing.T) {
	clock := newManualClock()
	d := &funcDispatcher{}
	r, obs := newTestRegistry(t, WithClock(clock), WithDispatcher(d))
	r.AddUser("alice", rw(), nil)
	sess, c1 := attach(t, r, "alice", "c1")
	_, c2 := attach(t, r, "alice", "c2")

	r.HandleDisconnect(context.Background(), sess, c1)
	assert.Equal(t, StateActive, sess.State())
	assert.Zero(t, clock.Pending(), "no timer while a connection remains")

	r.HandleDisconnect(context.Background(), sess, c2)
	assert.Equal(t, StateGracePeriod, sess.State())
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(4 * time.Second)
	c3 := testutil.NewRecordingConn("c3")
	_, err := r.AddClientConnection(context.Background(), "alice", c3, []byte("reopen"))
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State())

	clock.Advance(6 * time.Second)
	assert.Zero(t, clock.Pending())
	sess.mu.RLock()
	assert.Empty(t, sess.timers, "fired checks are no longer tracked")
	sess.mu.RUnlock()
	assert.True(t, r.HasUser("alice"))
	assert.Equal(t, StateActive, sess.State())
	assert.Empty(t, obs.Left())
	assert.Equal(t, []string{"c1", "c2"}, d.Disconnects())
	assert.Equal(t, []string{"c3:reopen"}, d.Commands())
}

// Stacked timers from flapping connections each re-check activity; only the
// timer scheduled after the final disconnect evicts.
func TestGracePeriod_StackedTimers(t *testing.T) {
	clock := newManualClock()
	r, obs := newTestRegistry(t, WithClock(clock))
	r.AddUser("alice", rw(), nil)

	for i := 0; i < 3; i++ {
		sess, conn := attach(t, r, "alice", fmt.Sprintf("c%d", i))
		clock.Advance(time.Second)
		r.HandleDisconnect(context.Background(), sess, conn)
		clock.Advance(time.Second)
	}
	assert.Equal(t, 3, clock.Pending())

	clock.Advance(7 * time.Second)
	assert.True(t, r.HasUser("alice"), "earlier timers see recent activity")

	clock.Advance(2 * time.Second)
	assert.False(t, r.HasUser("alice"))
	assert.Equal(t, []string{"alice"}, obs.Left())
}

func TestGracePeriod_RemovedBeforeTimerFires(t *testing.T) {
	clock := newManualClock()
	r, obs := newTestRegistry(t, WithClock(clock))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")
	r.HandleDisconnect(context.Background(), sess, conn)

	r.RemoveUser(sess)
	assert.Zero(t, clock.Pending(), "eviction stops pending expiry checks")
	fresh := r.AddUser("alice", rw(), nil)
	clock.Advance(10 * time.Second)

	got, ok := r.GetUser("alice")
	require.True(t, ok, "stale timer must not evict the newer session")
	assert.Same(t, fresh, got)
	assert.Equal(t, []string{"alice"}, obs.Left())
}

// An expiry check racing a reconnect either evicts first, so the attach
// fails, or sees the attach and keeps the session. It never evicts a session
// whose attach already succeeded.
func TestGracePeriod_ExpiryRacingReconnect(t *testing.T) {
	for i := 0; i < 500; i++ {
		clock := newManualClock()
		r := NewRegistry(zap.NewNop(), WithClock(clock))
		sess := r.AddUser("alice", rw(), nil)
		first := testutil.NewRecordingConn("c0")
		_, err := r.AddClientConnection(context.Background(), "alice", first, nil)
		require.NoError(t, err)
		sess.detach(first)
		clock.Advance(DefaultGraceWindow)

		conn := testutil.NewRecordingConn("c1")
		var (
			wg        sync.WaitGroup
			attachErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.expire(sess)
		}()
		go func() {
			defer wg.Done()
			_, attachErr = r.AddClientConnection(context.Background(), "alice", conn, nil)
		}()
		wg.Wait()

		if attachErr != nil {
			require.ErrorIs(t, attachErr, ErrNoSuchSession)
			require.False(t, r.HasUser("alice"))
			continue
		}
		require.True(t, r.HasUser("alice"), "iteration %d: attached session was evicted", i)
		require.False(t, conn.Closed(), "iteration %d: attached connection was closed", i)
		require.Equal(t, StateActive, sess.State())
	}
}

func TestGracePeriod_ReconnectBlocksLateExpiry(t *testing.T) {
	clock := newManualClock()
	r, obs := newTestRegistry(t, WithClock(clock))
	sess := r.AddUser("alice", rw(), nil)
	first := testutil.NewRecordingConn("c0")
	_, err := r.AddClientConnection(context.Background(), "alice", first, nil)
	require.NoError(t, err)
	sess.detach(first)
	clock.Advance(DefaultGraceWindow)

	attach(t, r, "alice", "c1")
	r.expire(sess)

	assert.True(t, r.HasUser("alice"))
	assert.Equal(t, StateActive, sess.State())
	assert.Empty(t, obs.Left())
}

func TestGracePeriod_WallClock(t *testing.T) {
	r, _ := newTestRegistry(t, WithGraceWindow(20*time.Millisecond))
	r.AddUser("alice", rw(), nil)
	sess, conn := attach(t, r, "alice", "c1")
	r.HandleDisconnect(context.Background(), sess, conn)

	require.Eventually(t, func() bool {
		return !r.HasUser("alice")
	}, 2*time.Second, 10*time.Millisecond)
}

// Property: without further activity, a session whose last connection
// closed is evicted exactly once at the end of the grace window; with a
// reconnect inside the window it is never evicted by that timer.
func TestPropertyGraceWindow(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newManualClock()
		r := NewRegistry(zap.NewNop(), WithClock(clock))
		obs := &recordingObserver{}
		r.Subscribe(obs)
		r.AddUser("alice", rw(), nil)

		conns := rapid.IntRange(1, 4).Draw(rt, "connections")
		var sess *UserSession
		attached := make([]*testutil.RecordingConn, 0, conns)
		for i := 0; i < conns; i++ {
			c := testutil.NewRecordingConn(fmt.Sprintf("c%d", i))
			s, err := r.AddClientConnection(context.Background(), "alice", c, nil)
			if err != nil {
				rt.Fatalf("attach: %v", err)
			}
			sess = s
			attached = append(attached, c)
		}
		for _, c := range attached {
			r.HandleDisconnect(context.Background(), sess, c)
		}

		reconnect := rapid.Bool().Draw(rt, "reconnect")
		if reconnect {
			at := rapid.Int64Range(0, int64(DefaultGraceWindow-time.Millisecond)).Draw(rt, "reconnect_at")
			clock.Advance(time.Duration(at))
			if _, err := r.AddClientConnection(context.Background(), "alice", testutil.NewRecordingConn("late"), []byte("hi")); err != nil {
				rt.Fatalf("reconnect: %v", err)
			}
			clock.Advance(DefaultGraceWindow - time.Duration(at))
		} else {
			clock.Advance(DefaultGraceWindow)
		}
		clock.Advance(DefaultGraceWindow)

		wantLeft := 1
		if reconnect {
			wantLeft = 0
		}
		if got := len(obs.Left()); got != wantLeft {
			rt.Fatalf("left fired %d times, want %d (reconnect=%v)", got, wantLeft, reconnect)
		}
		if r.HasUser("alice") != reconnect {
			rt.Fatalf("HasUser=%v, want %v", r.HasUser("alice"), reconnect)
		}
	})
}
