// Package testutil provides test doubles and clients shared across package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrConnClosed is returned by RecordingConn.Send after Close.
var ErrConnClosed = errors.New("connection closed")

// RecordingConn is an in-memory connection that records every payload sent to it.
// It satisfies session.Connection.
type RecordingConn struct {
	id string

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
	onSend  func(ctx context.Context, data []byte) error
}

// NewRecordingConn creates an open RecordingConn with the given ID.
func NewRecordingConn(id string) *RecordingConn {
	return &RecordingConn{id: id}
}

// ID returns the connection ID.
func (c *RecordingConn) ID() string {
	return c.id
}

// Send records data, then runs the OnSend hook outside the lock so the hook
// may call back into the code under test.
//
// Postcondition: Returns ErrConnClosed after Close, the configured failure, or the hook's result.
func (c *RecordingConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		return hook(ctx, data)
	}
	return nil
}

// Close marks the connection closed. It is idempotent.
func (c *RecordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *RecordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailWith makes every subsequent Send return err. A nil err restores normal delivery.
func (c *RecordingConn) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// OnSend installs a hook run after each successful Send.
func (c *RecordingConn) OnSend(hook func(ctx context.Context, data []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = hook
}

// Messages returns the recorded payloads as strings in send order.
func (c *RecordingConn) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

// Count returns the number of recorded payloads.
func (c *RecordingConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
