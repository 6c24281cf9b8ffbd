package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tabgate/tabgate/realtime/ws"
)

// Role classifies an admitted connection.
type Role string

const (
	RoleExtension  Role = "extension"
	RoleAutomation Role = "automation"
)

// Conn is one admitted websocket connection. It is owned by the Server;
// exactly one hub (extension xor client) references it, and only after
// authentication.
type Conn struct {
	ID         string
	RemoteAddr string
	Role       Role

	c *ws.Conn

	mu            sync.Mutex // Serializes writes and guards mutable state.
	sessionID     string
	clientID      string
	createdAt     time.Time
	lastActivity  time.Time
	lastPong      time.Time
	msgCount      int64
	warnedExpiry  bool
	closed        bool
	closeDeadline time.Duration
}

func newConn(id string, remoteAddr string, role Role, c *ws.Conn, now time.Time) *Conn {
	cc := &Conn{
		ID:            id,
		RemoteAddr:    remoteAddr,
		Role:          role,
		c:             c,
		createdAt:     now,
		lastActivity:  now,
		lastPong:      now,
		closeDeadline: 10 * time.Second,
	}
	c.SetPongHandler(func(string) error {
		cc.markPong(time.Now())
		return nil
	})
	return cc
}

// Send serializes v as JSON and writes it. Writes to one socket are
// ordered; the connection lock is held across the write.
func (c *Conn) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.c.WriteMessage(websocket.TextMessage, b, time.Now().Add(c.closeDeadline))
}

// SendEvent pushes a subscription event frame.
func (c *Conn) SendEvent(event string, data any) error {
	return c.Send(map[string]any{"type": "event", "event": event, "data": data})
}

// Ping sends a websocket-level ping control frame.
func (c *Conn) Ping() error {
	return c.c.Ping(time.Now().Add(5 * time.Second))
}

// CloseWithStatus sends a close frame and tears the socket down. Safe to
// call more than once.
func (c *Conn) CloseWithStatus(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.c.CloseWithStatus(code, reason)
}

// Closed reports whether the connection was torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed flags the connection without sending a close frame (used
// when the read loop observes a peer close).
func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.c.Close()
}

// Touch refreshes last-activity and bumps the message count.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.msgCount++
	c.mu.Unlock()
}

func (c *Conn) markPong(now time.Time) {
	c.mu.Lock()
	c.lastPong = now
	c.mu.Unlock()
}

// LastPong returns the time of the most recent pong control frame.
func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// SessionID returns the session bound at admission.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ClientID returns the caller identity bound at admission; falls back to
// the connection id pre-auth.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clientID != "" {
		return c.clientID
	}
	return c.ID
}

func (c *Conn) bindSession(sessionID string, clientID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.clientID = clientID
	c.mu.Unlock()
}

// warnExpiryOnce reports true the first time it is called; the
// session_expiring event is sent at most once per connection.
func (c *Conn) warnExpiryOnce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warnedExpiry {
		return false
	}
	c.warnedExpiry = true
	return true
}

// ConnStats is a point-in-time view used by /status.
type ConnStats struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	Role         Role      `json:"role"`
	SessionID    string    `json:"sessionId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	LastPong     time.Time `json:"lastPong"`
	MessageCount int64     `json:"messageCount"`
}

// Stats snapshots the connection counters.
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		ID:           c.ID,
		RemoteAddr:   c.RemoteAddr,
		Role:         c.Role,
		SessionID:    c.sessionID,
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
		LastPong:     c.lastPong,
		MessageCount: c.msgCount,
	}
}
