package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/evanigwilo/meet-up-sub001/internal/auth"
)

// Connection is one live transport session of a user. The session fields are
// copied once at connect time and never refreshed.
type Connection struct {
	id        string
	userID    string
	name      string
	expiresAt time.Time

	send      chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	socket    *websocket.Conn

	// mu guards linkID. Writers also hold the owning Manager's exclusive lock.
	mu     sync.Mutex
	linkID string
}

// NewConnection builds an unattached connection for session with a send buffer of size buffer.
func NewConnection(session *auth.Session, buffer int) *Connection {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	c := &Connection{
		id:   uuid.NewString(),
		send: make(chan Envelope, buffer),
		done: make(chan struct{}),
	}
	if session != nil {
		c.userID = session.UserID
		c.name = session.Name
		c.expiresAt = session.ExpiresAt
	}
	return c
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) UserID() string       { return c.userID }
func (c *Connection) Name() string         { return c.name }
func (c *Connection) ExpiresAt() time.Time { return c.expiresAt }

// Expired reports whether the bound session has elapsed at now.
func (c *Connection) Expired(now time.Time) bool {
	return !now.Before(c.expiresAt)
}

// LinkID returns the call correlation id, or "" when the connection is not in a call.
func (c *Connection) LinkID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkID
}

func (c *Connection) setLinkID(id string) {
	c.mu.Lock()
	c.linkID = id
	c.mu.Unlock()
}

// Outbound exposes queued frames. Used by the write loop and by tests.
func (c *Connection) Outbound() <-chan Envelope {
	return c.send
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the connection closed. The write loop tears down the socket.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
