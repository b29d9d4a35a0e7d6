// Package auth authenticates client connections. Token verification is
// delegated to a pluggable Verifier; the Gate wraps it with structural
// token checks, claim inspection, and per-IP failure accounting that
// blocks brute-force sources at the door.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/threat"
)

// ErrAuthFailed is the only authentication error clients ever see. The
// specific reason (shape, signature, claims, blocked address) stays in
// the logs.
var ErrAuthFailed = errors.New("authentication failed")

// Token shape bounds, enforced before the verifier runs.
const (
	minTokenLen = 8
	maxTokenLen = 4096
)

var tokenSegment = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// claimPolicy blocks on every signature category. Token claims have no
// business containing script, SQL, shell, or traversal payloads.
var claimPolicy = threat.Policy{
	BlockXSS:           true,
	BlockSQL:           true,
	BlockShell:         true,
	BlockPathTraversal: true,
	MaxDepth:           10,
	MaxStringBytes:     maxTokenLen,
}

// Identity describes who a connection speaks for after authentication.
// UserID and SessionID are mutually exclusive.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
	Anonymous bool
}

type failure struct {
	reason string
	at     time.Time
}

// Options tunes the Gate's failure accounting. Zero values fall back to
// five failures per fifteen minutes, blocking for fifteen minutes.
type Options struct {
	FailureThreshold int
	FailureWindow    time.Duration
	BlockDuration    time.Duration

	// OnFailure, when set, runs after every recorded failure. The broker
	// points it at the rate limiter's failed-attempt counter.
	OnFailure func(ip string)
}

// Gate authenticates tokens and tracks failed attempts per source address.
type Gate struct {
	verifier Verifier
	screen   *threat.Screen
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	failures map[string][]failure
	blocks   map[string]time.Time

	now func() time.Time
}

// New builds a Gate around the given verifier.
func New(verifier Verifier, screen *threat.Screen, opts Options, logger *slog.Logger) *Gate {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 15 * time.Minute
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		verifier: verifier,
		screen:   screen,
		logger:   logger.With("component", "auth"),
		opts:     opts,
		failures: make(map[string][]failure),
		blocks:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// AuthenticateAnonymous mints an ephemeral anonymous identity. No
// credentials are involved and nothing is persisted for it.
func (g *Gate) AuthenticateAnonymous() Identity {
	return Identity{
		SessionID: "anon-" + uuid.NewString(),
		Anonymous: true,
	}
}

// Authenticate validates a bearer token presented from sourceIP. Blocked
// addresses are refused before any verification work. Every failure mode
// returns ErrAuthFailed; the reason is logged and charged against the IP.
func (g *Gate) Authenticate(ctx context.Context, token, sourceIP string) (Identity, error) {
	if g.IsBlocked(sourceIP) {
		g.logger.Warn("authentication refused, address blocked", "ip", sourceIP)
		return Identity{}, ErrAuthFailed
	}

	if reason := checkTokenShape(token); reason != "" {
		g.fail(sourceIP, reason)
		return Identity{}, ErrAuthFailed
	}

	claims, err := g.verifier.Verify(ctx, token)
	if err != nil {
		g.fail(sourceIP, fmt.Sprintf("%s verifier: %v", g.verifier.Name(), err))
		return Identity{}, ErrAuthFailed
	}

	if reason := g.checkClaims(claims); reason != "" {
		g.fail(sourceIP, reason)
		return Identity{}, ErrAuthFailed
	}

	g.ClearFailures(sourceIP)
	g.logger.Info("authentication succeeded",
		"ip", sourceIP, "user_id", claims.UserID, "verifier", g.verifier.Name())
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// IsBlocked reports whether the address is currently blocked. Expired
// blocks are dropped on the way.
func (g *Gate) IsBlocked(ip string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.blocks[ip]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(g.blocks, ip)
		return false
	}
	return true
}

// RecordFailure charges one failed attempt against the address. Reaching
// the threshold inside the window installs a block.
func (g *Gate) RecordFailure(ip, reason string) {
	g.record(ip, reason)
	if g.opts.OnFailure != nil {
		g.opts.OnFailure(ip)
	}
}

// ClearFailures wipes the failure history for an address.
func (g *Gate) ClearFailures(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, ip)
}

// StartCleanup prunes expired failures and blocks every interval until ctx
// is cancelled.
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

func (g *Gate) fail(ip, reason string) {
	g.logger.Warn("authentication failed", "ip", ip, "reason", reason)
	g.RecordFailure(ip, reason)
}

func (g *Gate) record(ip, reason string) {
	now := g.now()
	cutoff := now.Add(-g.opts.FailureWindow)

	g.mu.Lock()
	defer g.mu.Unlock()

	recent := make([]failure, 0, len(g.failures[ip])+1)
	for _, f := range g.failures[ip] {
		if f.at.After(cutoff) {
			recent = append(recent, f)
		}
	}
	recent = append(recent, failure{reason: reason, at: now})
	g.failures[ip] = recent

	if len(recent) >= g.opts.FailureThreshold {
		until := now.Add(g.opts.BlockDuration)
		g.blocks[ip] = until
		delete(g.failures, ip)
		g.logger.Warn("address blocked after repeated auth failures",
			"ip", ip, "failures", len(recent), "until", until.Format(time.RFC3339))
	}
}

func (g *Gate) cleanup() {
	now := g.now()
	cutoff := now.Add(-g.opts.FailureWindow)

	g.mu.Lock()
	defer g.mu.Unlock()

	for ip, list := range g.failures {
		kept := list[:0]
		for _, f := range list {
			if f.at.After(cutoff) {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			delete(g.failures, ip)
		} else {
			g.failures[ip] = kept
		}
	}
	for ip, until := range g.blocks {
		if now.After(until) {
			delete(g.blocks, ip)
		}
	}
}

// checkTokenShape enforces structural bounds without touching any crypto:
// overall length, three dot-separated segments, base64url charset.
func checkTokenShape(token string) string {
	if len(token) < minTokenLen {
		return "token too short"
	}
	if len(token) > maxTokenLen {
		return "token too long"
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Sprintf("token has %d segments, want 3", len(parts))
	}
	for _, p := range parts {
		if p == "" || !tokenSegment.MatchString(p) {
			return "token segment is not base64url"
		}
	}
	return ""
}

// checkClaims rejects verified tokens whose claims this surface must never
// honor: privilege markers and injection payloads inside string claims.
func (g *Gate) checkClaims(claims *Claims) string {
	for key, val := range claims.Raw {
		switch v := val.(type) {
		case bool:
			if v && (key == "admin" || key == "is_admin" || key == "superuser") {
				return "token claims elevated privileges: " + key
			}
		case string:
			if (key == "role" || key == "roles") && strings.EqualFold(v, "admin") {
				return "token claims elevated privileges: " + key
			}
			if rep := g.screen.Inspect(v, claimPolicy); rep.Verdict != threat.VerdictClean {
				return fmt.Sprintf("claim %q matched %s signature", key, rep.Threats[0].Category)
			}
		case []any:
			if key != "role" && key != "roles" {
				continue
			}
			for _, item := range v {
				if s, ok := item.(string); ok && strings.EqualFold(s, "admin") {
					return "token claims elevated privileges: " + key
				}
			}
		}
	}
	return ""
}
