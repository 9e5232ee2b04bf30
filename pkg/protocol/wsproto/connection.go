// Package wsproto implements the WebSocket duplex surface over
// coder/websocket: upgrade, keep-alive liveness, JSON request/response
// framing, and server pushes.
package wsproto

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/validana-io/vserver/pkg/protocol"
)

// conn is a session-scoped protocol.Connection backed by one
// *websocket.Conn; many Messages are produced over its lifetime, all
// sharing Session().
type conn struct {
	id      string
	ws      *websocket.Conn
	remote  net.Addr
	created time.Time
	session *protocol.SessionMap

	mu        sync.Mutex
	onCloseFn []func()
	closed    bool
}

func newConn(id string, ws *websocket.Conn, remote net.Addr) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		remote:  remote,
		created: time.Now(),
		session: protocol.NewSessionMap(),
	}
}

func (c *conn) RemoteAddr() net.Addr          { return c.remote }
func (c *conn) CreatedAt() time.Time          { return c.created }
func (c *conn) Session() *protocol.SessionMap { return c.session }
func (c *conn) CanPush() bool                 { return true }

func (c *conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fn()
		return
	}
	c.onCloseFn = append(c.onCloseFn, fn)
}

// markClosed runs every registered close callback exactly once.
func (c *conn) markClosed() {
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

// Push sends an out-of-band pushType/status/data frame; pushes carry
// no id since they are not correlated to an open request.
func (c *conn) Push(pushType string, status int, data any) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson(ctx, c.ws, pushFrame{PushType: pushType, Status: status, Data: data})
}

// ping sends a ping and blocks until coder/websocket observes the
// matching pong or ctx expires; the caller treats a non-nil error as a
// keep-alive violation.
func (c *conn) ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}
