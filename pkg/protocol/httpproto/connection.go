// Package httpproto implements the REST-style HTTP surface over
// net/http: request parsing, dispatch through a shared
// protocol.VersionRegistry, and response shaping.
package httpproto

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/validana-io/vserver/pkg/protocol"
)

// errNoPush is returned by conn.Push: HTTP is request-scoped and cannot
// deliver asynchronous server pushes.
var errNoPush = errors.New("httpproto: connection does not support push")

// addr is a minimal net.Addr wrapping the raw string net/http gives us
// in http.Request.RemoteAddr.
type addr string

func (a addr) Network() string { return "tcp" }
func (a addr) String() string  { return string(a) }

// conn is a request-scoped protocol.Connection: it lives for exactly
// one HTTP request/response pair. HTTP cannot push.
type conn struct {
	remote  net.Addr
	created time.Time
	session *protocol.SessionMap

	mu        sync.Mutex
	onCloseFn []func()
	closed    bool
}

func newConn(r *http.Request) *conn {
	return &conn{remote: addr(r.RemoteAddr), created: time.Now(), session: protocol.NewSessionMap()}
}

func (c *conn) RemoteAddr() net.Addr          { return c.remote }
func (c *conn) CreatedAt() time.Time          { return c.created }
func (c *conn) Session() *protocol.SessionMap { return c.session }
func (c *conn) CanPush() bool                 { return false }
func (c *conn) Push(string, int, any) error   { return errNoPush }

func (c *conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fn()
		return
	}
	c.onCloseFn = append(c.onCloseFn, fn)
}

// close runs every registered close callback exactly once, invoked by
// ServeHTTP once the verb handler has returned, just before the response
// is written (an HTTP connection's "close" is the end of its single
// request).
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := append([]func(){}, c.onCloseFn...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

