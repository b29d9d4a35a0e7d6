package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait is the deadline applied to every outbound socket write.
const writeWait = 10 * time.Second

// Transport is the subset of a WebSocket connection the broker writes to.
// *websocket.Conn satisfies it; tests substitute an in-memory fake.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// AuthState is a connection's authentication progress.
type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateAnonymous
	StateAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Identity is a connection's resolved identity. Exactly one of UserID and
// SessionID is set once the connection has authenticated.
type Identity struct {
	State     AuthState
	UserID    string
	SessionID string
}

// Conn is one live downstream connection. Socket writes are serialized by an
// internal write mutex; all other mutable state sits behind a separate state
// mutex so a slow write never blocks bookkeeping.
type Conn struct {
	ID       string
	RemoteIP string

	transport Transport
	writeMu   sync.Mutex

	mu           sync.Mutex
	state        AuthState
	userID       string
	sessionID    string
	connectedAt  time.Time
	lastActivity time.Time
	lastAuth     time.Time
	messagesSeen int
	errorsSeen   int
	riskFlags    []string
	closed       bool
	cleanup      []func()
	released     bool
}

// NewConn wraps an accepted transport. The id is generated here and is the
// handle every other component uses to reach this connection.
func NewConn(t Transport, remoteIP string) *Conn {
	now := time.Now()
	return &Conn{
		ID:           uuid.NewString(),
		RemoteIP:     remoteIP,
		transport:    t,
		connectedAt:  now,
		lastActivity: now,
	}
}

// Touch updates the last-activity timestamp.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the most recent inbound activity time.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the accept time.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// SetAnonymous marks the connection as an anonymous session.
func (c *Conn) SetAnonymous(sessionID string) {
	c.mu.Lock()
	c.state = StateAnonymous
	c.sessionID = sessionID
	c.userID = ""
	c.lastAuth = time.Now()
	c.mu.Unlock()
}

// SetAuthenticated marks the connection as a signed-in user.
func (c *Conn) SetAuthenticated(userID string) {
	c.mu.Lock()
	c.state = StateAuthenticated
	c.userID = userID
	c.sessionID = ""
	c.lastAuth = time.Now()
	c.mu.Unlock()
}

// Identity returns the connection's current identity.
func (c *Conn) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Identity{State: c.state, UserID: c.userID, SessionID: c.sessionID}
}

// CountMessage increments the processed-message counter.
func (c *Conn) CountMessage() {
	c.mu.Lock()
	c.messagesSeen++
	c.mu.Unlock()
}

// CountError increments the error counter and returns the new total.
func (c *Conn) CountError() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorsSeen++
	return c.errorsSeen
}

// AddRisk records a risk flag observed on this connection.
func (c *Conn) AddRisk(flag string) {
	c.mu.Lock()
	c.riskFlags = append(c.riskFlags, flag)
	c.mu.Unlock()
}

// Risks returns a copy of the accumulated risk flags.
func (c *Conn) Risks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.riskFlags))
	copy(out, c.riskFlags)
	return out
}

// Stats returns the message and error counters.
func (c *Conn) Stats() (messages, errors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesSeen, c.errorsSeen
}

// OnClose registers a cleanup function run exactly once when the connection
// is closed or unregistered, whichever happens first. On a connection that
// is already gone, f runs immediately.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		f()
		return
	}
	c.cleanup = append(c.cleanup, f)
	c.mu.Unlock()
}

// Send marshals v and writes it as one text frame.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a WebSocket ping control frame.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame with the given code and reason, closes the
// transport, and runs the registered cleanup functions. Safe to call more
// than once.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	c.writeMu.Lock()
	_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.transport.Close()

	c.release()
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// release runs cleanup functions exactly once.
func (c *Conn) release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	fns := c.cleanup
	c.cleanup = nil
	c.mu.Unlock()

	for _, f := range fns {
		f()
	}
}
