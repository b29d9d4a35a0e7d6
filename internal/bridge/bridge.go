// Package bridge owns the single upstream link to the AI worker: its
// lifecycle state machine, the pending-request table, and routing of
// answers back to the originating client connections.
//
// The upstream arrives one of two ways. In attach mode a worker connects
// to the broker's listener and authenticates with an ai_auth frame. In
// dial mode (ai.worker_url configured) the bridge dials out, presents the
// service credentials itself, and reconnects with backoff when the link
// drops. Both paths converge on adopt; everything past that point is
// mode-agnostic.
package bridge

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/threadline-ai/threadline/internal/cache"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/telemetry"
	"github.com/threadline-ai/threadline/pkg/wire"
)

var (
	// ErrNotConnected rejects forwards while no worker link is up.
	ErrNotConnected = errors.New("ai worker not connected")
	// ErrShuttingDown rejects forwards and attaches once Shutdown has begun.
	ErrShuttingDown = errors.New("shutting down")
	// ErrUpstreamBusy rejects a forward while the same connection already
	// has a request in flight.
	ErrUpstreamBusy = errors.New("ai worker busy")

	errBadServiceKey = errors.New("invalid service key")
	errBadCanisterID = errors.New("unknown canister id")
)

// IsCredentialError reports whether an AttachUpstream rejection was caused
// by bad worker credentials rather than by link state. Only credential
// rejections count as authentication failures.
func IsCredentialError(err error) bool {
	return errors.Is(err, errBadServiceKey) || errors.Is(err, errBadCanisterID)
}

const (
	// UpstreamReadLimit replaces the client frame cap on a socket once it
	// is adopted as the worker link.
	UpstreamReadLimit = 1 << 20

	// retryHintSeconds is the retry_after carried by retryable ai_error
	// frames. Zero marks a failure terminal.
	retryHintSeconds = 5

	persistAttempts  = 3
	persistBaseDelay = 100 * time.Millisecond

	dialHandshakeTimeout = 10 * time.Second
)

// State is the worker link's lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return "disconnected"
	}
}

// Bridge relays chat turns to the AI worker and resolves each exactly once:
// by a correlated response, an explicit worker error, a timeout, or a bulk
// failure when the link drops.
type Bridge struct {
	cfg      config.AIConfig
	store    store.Store
	registry *registry.Registry
	cache    *cache.HistoryCache
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	upstream     *registry.Conn
	upDialed     bool
	failures     int
	connectedAt  time.Time
	lastStatus   string
	lastStatusAt time.Time
	hbStop       chan struct{}
	shuttingDown bool

	pmu     sync.Mutex
	pending map[string]*pendingRequest
}

// pendingRequest is one in-flight forward. Whichever resolution path takes
// it from the table first wins; the others find nothing and no-op.
type pendingRequest struct {
	id            string
	connID        string
	threadID      string
	userID        string // empty for anonymous turns, which are never persisted
	userMessageID string
	createdAt     time.Time
	timer         *time.Timer
}

// New creates a Bridge in the disconnected state. Zero config values fall
// back to the served defaults.
func New(cfg config.AIConfig, st store.Store, reg *registry.Registry, hc *cache.HistoryCache, logger *slog.Logger) *Bridge {
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout.Duration = 30 * time.Second
	}
	if cfg.HeartbeatInterval.Duration == 0 {
		cfg.HeartbeatInterval.Duration = 30 * time.Second
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.ReconnectMinBackoff.Duration == 0 {
		cfg.ReconnectMinBackoff.Duration = time.Second
	}
	if cfg.ReconnectMaxBackoff.Duration == 0 {
		cfg.ReconnectMaxBackoff.Duration = 30 * time.Second
	}
	return &Bridge{
		cfg:      cfg,
		store:    st,
		registry: reg,
		cache:    hc,
		logger:   logger.With("component", "bridge"),
		pending:  make(map[string]*pendingRequest),
	}
}

// Instrument points the bridge at the broker's metric bundle. Call before
// Start; a nil bundle records nothing.
func (b *Bridge) Instrument(m *telemetry.Metrics) { b.metrics = m }

// AttachUpstream adopts conn as the worker link after checking its ai_auth
// credentials. The returned error message is safe to echo in the
// ai_auth_ack.
func (b *Bridge) AttachUpstream(conn *registry.Conn, creds wire.AIAuth) error {
	if b.cfg.WorkerURL != "" {
		return errors.New("broker manages its own worker connection")
	}
	if err := b.checkServiceCredentials(creds); err != nil {
		return err
	}
	if err := b.adopt(conn, false); err != nil {
		return err
	}
	conn.OnClose(func() { b.Detach(conn.ID) })
	return nil
}

func (b *Bridge) checkServiceCredentials(creds wire.AIAuth) error {
	if b.cfg.ServiceKeyBcrypt != "" {
		if bcrypt.CompareHashAndPassword([]byte(b.cfg.ServiceKeyBcrypt), []byte(creds.ServiceKey)) != nil {
			return errBadServiceKey
		}
	} else if subtle.ConstantTimeCompare([]byte(creds.ServiceKey), []byte(b.cfg.ServiceKey)) != 1 {
		return errBadServiceKey
	}
	if b.cfg.CanisterID != "" && creds.CanisterID != b.cfg.CanisterID {
		return errBadCanisterID
	}
	return nil
}

// adopt installs conn as the single worker link. Attach and dial both land
// here; only one upstream is honored at a time.
func (b *Bridge) adopt(conn *registry.Conn, dialed bool) error {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return fmt.Errorf("worker attach rejected: %w", ErrShuttingDown)
	}
	if b.upstream != nil {
		b.mu.Unlock()
		return errors.New("an ai worker is already connected")
	}
	b.upstream = conn
	b.upDialed = dialed
	b.state = StateConnected
	b.failures = 0
	b.connectedAt = time.Now()
	hbStop := make(chan struct{})
	b.hbStop = hbStop
	b.mu.Unlock()

	mode := "attach"
	if dialed {
		mode = "dial"
	}
	b.logger.Info("ai worker connected", "mode", mode, "conn_id", conn.ID)

	// Nothing queues across link loss, so this sweep is normally empty.
	b.failAllPending("AI connection was reset, please retry.", retryHintSeconds)

	go b.heartbeatLoop(conn, hbStop)
	return nil
}

// Detach clears the worker link if connID is the current upstream, failing
// every pending request as retryable. Other ids are ignored.
func (b *Bridge) Detach(connID string) {
	b.mu.Lock()
	if b.upstream == nil || b.upstream.ID != connID {
		b.mu.Unlock()
		return
	}
	b.upstream = nil
	if b.hbStop != nil {
		close(b.hbStop)
		b.hbStop = nil
	}
	shutting := b.shuttingDown
	b.state = StateDisconnected
	b.mu.Unlock()

	if shutting {
		return
	}
	b.logger.Warn("ai worker disconnected", "conn_id", connID)
	b.failAllPending("AI connection lost, please retry.", retryHintSeconds)
}

// IsUpstream reports whether connID is the live worker link.
func (b *Bridge) IsUpstream(connID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upstream != nil && b.upstream.ID == connID
}

// HandleStatus records an unsolicited worker health report. A live socket
// says nothing about worker responsiveness, so the latest report is kept
// for the status endpoint.
func (b *Bridge) HandleStatus(st wire.AIStatus) {
	b.mu.Lock()
	b.lastStatus = st.Status
	b.lastStatusAt = time.Now()
	b.mu.Unlock()
	b.logger.Debug("ai worker status", "status", st.Status, "detail", st.Detail)
}

func (b *Bridge) heartbeatLoop(conn *registry.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				b.logger.Warn("ai worker ping failed", "conn_id", conn.ID, "error", err)
				// Closing unblocks the reader, which owns the detach.
				conn.Close(websocket.CloseInternalServerErr, "heartbeat failed")
				return
			}
		}
	}
}

// Shutdown permanently stops the bridge: new forwards are refused, pending
// requests fail as non-retryable, and the worker link closes. Safe to call
// more than once.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return
	}
	b.shuttingDown = true
	conn := b.upstream
	b.upstream = nil
	if b.hbStop != nil {
		close(b.hbStop)
		b.hbStop = nil
	}
	b.state = StateDisconnected
	b.mu.Unlock()

	b.failAllPending("Server is shutting down.", 0)
	if conn != nil {
		conn.Close(websocket.CloseGoingAway, "shutting down")
	}
	b.logger.Info("bridge stopped")
}

// State returns the current lifecycle phase.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PendingCount returns the number of in-flight AI requests.
func (b *Bridge) PendingCount() int {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	return len(b.pending)
}

// Snapshot is the bridge's status-endpoint projection.
type Snapshot struct {
	State               string     `json:"state"`
	Mode                string     `json:"mode"`
	ConnectedAt         *time.Time `json:"connected_at,omitempty"`
	LastWorkerStatus    string     `json:"last_worker_status,omitempty"`
	LastWorkerStatusAt  *time.Time `json:"last_worker_status_at,omitempty"`
	Pending             int        `json:"pending"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Status reports the link state for the status endpoint.
func (b *Bridge) Status() Snapshot {
	b.mu.Lock()
	snap := Snapshot{
		State:               b.state.String(),
		Mode:                "attach",
		ConsecutiveFailures: b.failures,
	}
	if b.cfg.WorkerURL != "" {
		snap.Mode = "dial"
	}
	if b.upstream != nil {
		at := b.connectedAt
		snap.ConnectedAt = &at
	}
	if b.lastStatus != "" {
		snap.LastWorkerStatus = b.lastStatus
		at := b.lastStatusAt
		snap.LastWorkerStatusAt = &at
	}
	b.mu.Unlock()

	snap.Pending = b.PendingCount()
	return snap
}

func (b *Bridge) isShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shuttingDown
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Bridge) bumpFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	return b.failures
}
