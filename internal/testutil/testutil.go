// Package testutil provides shared test utilities: a line-oriented OPI client
// for end-to-end tests over TCP and helpers for the admin debug pages.
package testutil

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// DefaultTimeout bounds every client read and write.
const DefaultTimeout = 2 * time.Second

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewDebugRequest creates a request that the /debug/ pages accept, which
// only serve loopback and tailnet peers.
func NewDebugRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:5555"
	return req
}

// ServeDebug runs a debug request against mux and returns the recorder.
func ServeDebug(mux http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, NewDebugRequest(method, path))
	return rec
}

// Client speaks newline-delimited JSON to an OPI listener.
type Client struct {
	t       testing.TB
	Conn    net.Conn
	r       *bufio.Reader
	Timeout time.Duration
}

// Dial connects to addr. The connection is closed when the test ends.
func Dial(t testing.TB, addr string) *Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &Client{t: t, Conn: conn, r: bufio.NewReader(conn), Timeout: DefaultTimeout}
}

// Roundtrip writes line, newline appended, and returns the decoded reply.
func (c *Client) Roundtrip(line string) map[string]any {
	c.t.Helper()
	c.WriteLine(line)
	return c.ReadReply()
}

// Send encodes req as one frame and returns the decoded reply.
func (c *Client) Send(req map[string]any) map[string]any {
	c.t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("encode request: %v", err)
	}
	return c.Roundtrip(string(b))
}

// WriteLine writes one raw frame.
func (c *Client) WriteLine(line string) {
	c.t.Helper()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
		c.t.Fatalf("set write deadline: %v", err)
	}
	if _, err := c.Conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// ReadReply reads and decodes the next reply line.
func (c *Client) ReadReply() map[string]any {
	c.t.Helper()
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		c.t.Fatalf("set read deadline: %v", err)
	}
	raw, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		c.t.Fatalf("decode reply %q: %v", raw, err)
	}
	return m
}

// WaitClosed reports whether the server closes the connection within the
// client timeout.
func (c *Client) WaitClosed() bool {
	c.t.Helper()
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return false
	}
	_, err := c.r.ReadByte()
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return err != nil
}

// Close closes the connection from the client side.
func (c *Client) Close() error { return c.Conn.Close() }
