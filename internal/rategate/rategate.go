// Package rategate enforces sliding-window admission control per identity,
// per source IP, and globally, with one fixed checking order.
package rategate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind is the operation class being admission-checked.
type Kind int

const (
	KindConnect Kind = iota
	KindMessage
	KindThreadCreate
	KindAuthAttempt
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindMessage:
		return "message"
	case KindThreadCreate:
		return "thread_create"
	case KindAuthAttempt:
		return "auth_attempt"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Identity names the actor behind a check. UserID is set for authenticated
// users, SessionID for anonymous sessions; IP is always set.
type Identity struct {
	UserID    string
	SessionID string
	IP        string
}

// Policy carries every admission ceiling. The zero value of a field means
// "no limit for that constraint"; use DefaultPolicy for production numbers.
type Policy struct {
	AuthedMessagesPerMin  int
	AuthedMessagesPerHour int
	AuthedThreadsPerHour  int
	AuthedConnectsPerMin  int

	AnonMessagesPerMin  int
	AnonMessagesPerHour int
	AnonThreadsPerHour  int
	AnonConnectsPerMin  int

	IPConnectsPerMin     int
	IPMessagesPerMin     int
	IPAuthAttemptsPerMin int

	GlobalMaxConnections int
	GlobalMessagesPerSec int
}

// DefaultPolicy returns the stock ceilings.
func DefaultPolicy() Policy {
	return Policy{
		AuthedMessagesPerMin:  60,
		AuthedMessagesPerHour: 1000,
		AuthedThreadsPerHour:  50,
		AuthedConnectsPerMin:  10,
		AnonMessagesPerMin:    10,
		AnonMessagesPerHour:   100,
		AnonThreadsPerHour:    5,
		AnonConnectsPerMin:    3,
		IPConnectsPerMin:      20,
		IPMessagesPerMin:      200,
		IPAuthAttemptsPerMin:  20,
		GlobalMaxConnections:  1000,
		GlobalMessagesPerSec:  100,
	}
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed       bool
	Remaining     int    // quota left after this action, tightest constraint
	RetryAfterSec int    // seconds until a retry can succeed, rounded up
	Reason        string // human-readable denial reason
}

// Gate is the admission controller. A denied check records nothing; an
// allowed check records one timestamp in every applicable window. Auth
// attempts are the exception: only failures are recorded, via
// RecordAuthFailure, so repeated successful logins are never punished.
type Gate struct {
	logger    *slog.Logger
	connCount func() int // live connection gauge for the global ceiling; nil disables

	mu      sync.Mutex
	policy  Policy
	windows map[string][]time.Time
}

// New creates a Gate. connCount reports current live connections; pass nil
// to skip the global concurrent-connection ceiling.
func New(policy Policy, connCount func() int, logger *slog.Logger) *Gate {
	return &Gate{
		logger:    logger.With("component", "rategate"),
		connCount: connCount,
		policy:    policy,
		windows:   make(map[string][]time.Time),
	}
}

// SetPolicy atomically replaces the ceilings. In-flight windows keep their
// recorded timestamps.
func (g *Gate) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
	g.logger.Info("rate policy replaced")
}

// Policy returns the current ceilings.
func (g *Gate) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// constraint is one (bucket, limit, window) ceiling to evaluate.
type constraint struct {
	key    string
	limit  int
	window time.Duration
	reason string
}

// Check evaluates kind for id in the fixed order global → per-IP →
// per-identity. All constraints are evaluated before anything is recorded,
// so a denial never consumes quota.
func (g *Gate) Check(kind Kind, id Identity) Decision {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Global concurrent-connection ceiling is a gauge, not a window.
	if kind == KindConnect && g.connCount != nil && g.policy.GlobalMaxConnections > 0 {
		if g.connCount() >= g.policy.GlobalMaxConnections {
			g.logger.Warn("connection rejected at global ceiling", "ip", id.IP)
			return Decision{Reason: "server at capacity", RetryAfterSec: 10}
		}
	}

	constraints, record := g.plan(kind, id)

	remaining := -1
	for _, c := range constraints {
		if c.limit <= 0 {
			continue
		}
		ts := g.pruned(c.key, now)
		cnt := countSince(ts, now.Add(-c.window))
		if cnt >= c.limit {
			retryAt := ts[len(ts)-c.limit].Add(c.window)
			sec := int(retryAt.Sub(now).Seconds())
			if retryAt.Sub(now) > time.Duration(sec)*time.Second {
				sec++
			}
			if sec < 1 {
				sec = 1
			}
			g.logger.Warn("rate limit denied",
				"kind", kind.String(), "reason", c.reason,
				"ip", id.IP, "retry_after_sec", sec)
			return Decision{Reason: c.reason, RetryAfterSec: sec}
		}
		if left := c.limit - cnt - 1; remaining == -1 || left < remaining {
			remaining = left
		}
	}

	for _, key := range record {
		g.windows[key] = append(g.windows[key], now)
	}
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// RecordAuthFailure charges one failed authentication attempt to ip.
func (g *Gate) RecordAuthFailure(ip string) {
	g.mu.Lock()
	key := "ip:" + ip + ":auth"
	g.windows[key] = append(g.windows[key], time.Now())
	g.mu.Unlock()
}

// plan returns the ordered constraints for this check and the bucket keys
// to record on success.
func (g *Gate) plan(kind Kind, id Identity) ([]constraint, []string) {
	p := g.policy
	authed := id.UserID != ""

	who := "s:" + id.SessionID
	if authed {
		who = "u:" + id.UserID
	}
	ipKey := "ip:" + id.IP

	switch kind {
	case KindConnect:
		cs := []constraint{
			{ipKey + ":connect", p.IPConnectsPerMin, time.Minute, "too many connections from this address"},
		}
		record := []string{ipKey + ":connect"}
		// Accept-time checks carry no identity; only the address window
		// binds for them.
		switch {
		case authed:
			cs = append(cs, constraint{who + ":connect", p.AuthedConnectsPerMin, time.Minute, "too many connections"})
			record = append(record, who+":connect")
		case id.SessionID != "":
			cs = append(cs, constraint{who + ":connect", p.AnonConnectsPerMin, time.Minute, "too many connections"})
			record = append(record, who+":connect")
		}
		return cs, record

	case KindMessage:
		cs := []constraint{
			{"g:msg", p.GlobalMessagesPerSec, time.Second, "server is busy"},
			{ipKey + ":msg", p.IPMessagesPerMin, time.Minute, "too many messages from this address"},
		}
		if authed {
			cs = append(cs,
				constraint{who + ":msg", p.AuthedMessagesPerHour, time.Hour, "hourly message limit reached"},
				constraint{who + ":msg", p.AuthedMessagesPerMin, time.Minute, "too many messages"},
			)
		} else {
			cs = append(cs,
				constraint{who + ":msg", p.AnonMessagesPerHour, time.Hour, "hourly message limit reached"},
				constraint{who + ":msg", p.AnonMessagesPerMin, time.Minute, "too many messages"},
			)
		}
		return cs, []string{"g:msg", ipKey + ":msg", who + ":msg"}

	case KindThreadCreate:
		limit := p.AnonThreadsPerHour
		if authed {
			limit = p.AuthedThreadsPerHour
		}
		return []constraint{
			{who + ":thread", limit, time.Hour, "thread creation limit reached"},
		}, []string{who + ":thread"}

	case KindAuthAttempt:
		// Read-only: failures are charged by RecordAuthFailure.
		return []constraint{
			{ipKey + ":auth", p.IPAuthAttemptsPerMin, time.Minute, "too many authentication attempts"},
		}, nil

	default:
		return nil, nil
	}
}

// pruned drops timestamps older than the longest window and returns the
// remaining slice. Caller holds g.mu.
func (g *Gate) pruned(key string, now time.Time) []time.Time {
	ts := g.windows[key]
	cutoff := now.Add(-time.Hour) // no window exceeds one hour
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = ts[i:]
		if len(ts) == 0 {
			delete(g.windows, key)
			return nil
		}
		g.windows[key] = ts
	}
	return ts
}

// countSince counts timestamps strictly after cutoff. ts is ascending.
func countSince(ts []time.Time, cutoff time.Time) int {
	for i, t := range ts {
		if t.After(cutoff) {
			return len(ts) - i
		}
	}
	return 0
}

// cleanup prunes expired timestamps and deletes empty buckets.
func (g *Gate) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	for key, ts := range g.windows {
		i := 0
		for i < len(ts) && !ts[i].After(cutoff) {
			i++
		}
		if i == len(ts) {
			delete(g.windows, key)
		} else if i > 0 {
			g.windows[key] = ts[i:]
		}
	}
}

// StartCleanup periodically purges stale windows until ctx is cancelled.
func (g *Gate) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.cleanup()
			}
		}
	}()
}
