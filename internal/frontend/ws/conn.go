// Package ws adapts WebSocket connections to the session core and serves the
// client-facing HTTP surface.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/collabd/internal/config"
)

var (
	// ErrClosed is returned by Send after the connection has closed.
	ErrClosed = errors.New("websocket connection closed")
	// ErrSlowConsumer is returned by Send when the outbound buffer is full.
	// The connection is closed.
	ErrSlowConsumer = errors.New("websocket send buffer full")
)

// Conn is one client WebSocket. It implements session.Connection.
//
// Outbound messages are buffered and written by a dedicated write pump so
// Send never blocks on the network.
type Conn struct {
	id     string
	ws     *websocket.Conn
	cfg    config.WebSocketConfig
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
}

// NewConn wraps ws and starts its write pump.
//
// Precondition: ws must be an upgraded connection; cfg must be valid.
// Postcondition: Returns an open Conn with a fresh random ID.
func NewConn(ws *websocket.Conn, cfg config.WebSocketConfig, logger *zap.Logger) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	c.logger = logger.With(zap.String("connection", c.id))
	go c.writePump()
	return c
}

// ID returns the connection's unique ID.
func (c *Conn) ID() string {
	return c.id
}

// Send queues data for the write pump.
//
// Postcondition: Returns nil once queued, ErrClosed after Close, or
// ErrSlowConsumer if the buffer is full, in which case the connection is closed.
func (c *Conn) Send(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, closing connection", zap.Int("buffer", cap(c.send)))
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which flushes queued messages, sends a close
// frame and closes the socket. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Wait blocks until the socket has been closed by the write pump.
func (c *Conn) Wait() {
	<-c.pumpDone
}

// ReadLoop reads messages until the peer goes away or the connection is
// closed, passing each to handle in arrival order. A non-nil error from
// handle ends the loop.
//
// Postcondition: The connection is closed when ReadLoop returns.
func (c *Conn) ReadLoop(handle func(msg []byte) error) {
	defer c.Close()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if err := handle(msg); err != nil {
			c.logger.Debug("read loop stopped", zap.Error(err))
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still buffered.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
