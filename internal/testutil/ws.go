package testutil

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a WebSocket test client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// DialWS connects to the WebSocket endpoint at url, sending header with the
// upgrade request.
//
// Precondition: url must use the ws:// or wss:// scheme.
// Postcondition: Returns a connected WSClient or fails the test.
func DialWS(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("connecting to %s: %v (status %d) [%s]", url, err, status, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// HTTPToWS rewrites an http:// test server URL to its ws:// equivalent.
func HTTPToWS(url string) string {
	return "ws" + strings.TrimPrefix(url, "http")
}

// SendJSON writes v as a single text frame.
func (c *WSClient) SendJSON(v any) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("sending %v: %v", v, err)
	}
}

// SendRaw writes data as a single text frame.
func (c *WSClient) SendRaw(data string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// ReadUntilType reads frames until one decodes to an object whose "type"
// field equals typ, or the timeout elapses.
//
// Postcondition: Returns the decoded object, or fails the test on timeout.
func (c *WSClient) ReadUntilType(typ string, timeout time.Duration) map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("reading until type %q: saw %v, error: %v", typ, seen, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			seen = append(seen, string(data))
			continue
		}
		if msg["type"] == typ {
			return msg
		}
		seen = append(seen, string(data))
	}
}

// ExpectClosed reads until the server closes the connection or timeout elapses.
//
// Postcondition: Fails the test if the connection is still open after timeout.
func (c *WSClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// Close closes the underlying connection without a close handshake.
func (c *WSClient) Close() {
	c.conn.Close()
}
