// Package registry tracks live downstream WebSocket connections by opaque
// connection id and owns the idle sweep that evicts dead ones.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Registry is the authoritative map of live connections.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		conns:  make(map[string]*Conn),
	}
}

// Register adds a connection.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()
	r.logger.Debug("connection registered", "conn_id", c.ID, "remote_ip", c.RemoteIP, "total", n)
}

// Unregister removes a connection and releases its cleanup hooks. Unknown
// ids are ignored: the connection is already gone.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	n := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return
	}
	c.release()
	r.logger.Debug("connection unregistered", "conn_id", id, "total", n)
}

// Get returns the connection for id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// FindByUser returns the first connection authenticated as userID.
// Linear scan, O(n) in connection count.
func (r *Registry) FindByUser(userID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		id := c.Identity()
		if id.State == StateAuthenticated && id.UserID == userID {
			return c, true
		}
	}
	return nil, false
}

// Touch updates a connection's last-activity time. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if ok {
		c.Touch()
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the current connections as a slice.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends v to every live connection. Write failures are left to
// each connection's own read loop to notice.
func (r *Registry) Broadcast(v any) {
	for _, c := range r.Snapshot() {
		_ = c.Send(v)
	}
}

// CloseAll closes every connection with the given code and reason and
// empties the registry.
func (r *Registry) CloseAll(code int, reason string) {
	conns := r.Snapshot()
	for _, c := range conns {
		c.Close(code, reason)
	}
	r.mu.Lock()
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.release()
	}
}

// StartSweeper launches the idle sweep loop: every interval it closes and
// removes connections whose last activity is older than idleTimeout. The
// scan snapshots under the read lock and acts without any lock held.
func (r *Registry) StartSweeper(ctx context.Context, interval, idleTimeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepIdle(idleTimeout)
			}
		}
	}()
}

func (r *Registry) sweepIdle(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)

	var idle []*Conn
	for _, c := range r.Snapshot() {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	if len(idle) == 0 {
		return
	}

	for _, c := range idle {
		c.Close(websocket.CloseNormalClosure, "idle timeout")
		r.Unregister(c.ID)
	}
	r.logger.Info("idle sweep closed connections", "count", len(idle))
}
