package server

import (
	"net"
	"sync"

	"replchat/internal/protocol"
)

// session is one client TCP connection.  A session may be anonymous (no
// login yet) or bound to a username; the binding is what the data model
// calls an OnlineSession.
//
// Replies written by the connection's own handler goroutine and inline
// deliveries written by other users' handlers share the socket, so every
// write goes through a per-socket mutex — length-prefixed frames must never
// interleave.
type session struct {
	id    string
	conn  net.Conn
	codec protocol.Codec

	wmu sync.Mutex

	mu       sync.Mutex
	username string
	// Message ids already shown to this client under peek mode.  Dies with
	// the session.
	seen map[string]struct{}
}

func newSession(id string, conn net.Conn, codec protocol.Codec) *session {
	return &session{
		id:    id,
		conn:  conn,
		codec: codec,
		seen:  make(map[string]struct{}),
	}
}

// write encodes m and writes it as one frame under the socket write lock.
func (c *session) write(m *protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteMessage(c.conn, c.codec, m)
}

// bind claims the session for username.  The seen set belongs to the previous
// binding, so it is reset here.
func (c *session) bind(username string) {
	c.mu.Lock()
	c.username = username
	c.seen = make(map[string]struct{})
	c.mu.Unlock()
}

func (c *session) unbind() {
	c.mu.Lock()
	c.username = ""
	c.seen = make(map[string]struct{})
	c.mu.Unlock()
}

func (c *session) boundTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *session) markSeen(id string) {
	c.mu.Lock()
	c.seen[id] = struct{}{}
	c.mu.Unlock()
}

func (c *session) hasSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}
