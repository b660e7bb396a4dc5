package chat

import (
	"sync"

	"github.com/google/uuid"
)

const defaultSendBuffer = 64

// Connection represents one live websocket tagged with a participant
// identity. A participant may hold several concurrent connections
// (multi-tab); each gets its own send queue.
type Connection struct {
	id            string
	role          Role
	participantID string
	name          string
	user          UserInfo // zero value for admins

	mu        sync.Mutex
	sessionID string
	closed    bool

	send      chan any
	closeOnce sync.Once
	onClose   func()
}

// NewUserConnection builds a shopper connection.
func NewUserConnection(user UserInfo, buffer int) *Connection {
	return newConnection(RoleUser, user.UserID, user.Name, user, buffer)
}

// NewAdminConnection builds an agent connection.
func NewAdminConnection(adminID, name string, buffer int) *Connection {
	return newConnection(RoleAdmin, adminID, name, UserInfo{}, buffer)
}

func newConnection(role Role, participantID, name string, user UserInfo, buffer int) *Connection {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Connection{
		id:            uuid.NewString(),
		role:          role,
		participantID: participantID,
		name:          name,
		user:          user,
		send:          make(chan any, buffer),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Role returns the participant role the socket was tagged with on upgrade.
func (c *Connection) Role() Role { return c.role }

// ParticipantID returns the shopper or agent identifier.
func (c *Connection) ParticipantID() string { return c.participantID }

// Name returns the participant display name.
func (c *Connection) Name() string { return c.name }

// User returns the shopper identity captured at handshake.
func (c *Connection) User() UserInfo { return c.user }

// Joined returns the session this connection is attached to, or "".
func (c *Connection) Joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) setJoined(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Events exposes the outbound queue; the transport write loop drains it and
// tests read from it directly.
func (c *Connection) Events() <-chan any { return c.send }

// enqueue delivers an event without blocking. It reports false when the
// connection is closed or the client cannot keep up, in which case the
// broker drops the connection.
func (c *Connection) enqueue(event any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// SetCloseHook registers a transport teardown callback invoked exactly once.
func (c *Connection) SetCloseHook(fn func()) {
	c.onClose = fn
}

// Close shuts the outbound queue and tears down the transport.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		if c.onClose != nil {
			c.onClose()
		}
	})
}
