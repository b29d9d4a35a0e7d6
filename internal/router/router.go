// Package router dispatches validated inbound frames to their handlers. It
// owns no business state: every handler leans on the registry, the store,
// the gates, and the bridge, and replies on the originating connection.
package router

import (
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/bridge"
	"github.com/threadline-ai/threadline/internal/cache"
	"github.com/threadline-ai/threadline/internal/rategate"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/telemetry"
	"github.com/threadline-ai/threadline/internal/threat"
	"github.com/threadline-ai/threadline/pkg/wire"
)

// Options tunes the router. Zero values fall back to the served defaults.
type Options struct {
	// MaxContentBytes caps the content field of one chat turn. Defaults to
	// the 10KB frame cap.
	MaxContentBytes int

	// HistoryLimit is the cached recent-message window per thread and the
	// default page size for history fetches.
	HistoryLimit int

	// ContextLimit is how many prior turns accompany a forwarded request.
	ContextLimit int

	// MaxErrors is the lifetime error budget per connection; one more
	// closes it.
	MaxErrors int

	ThreatPolicy threat.Policy

	// Metrics, when set, receives routing and policy-denial counts.
	Metrics *telemetry.Metrics
}

// Router is the frame dispatcher for one broker process.
type Router struct {
	registry  *registry.Registry
	store     store.Store
	cache     *cache.HistoryCache
	gate      *auth.Gate
	rates     *rategate.Gate
	screen    *threat.Screen
	bridge    *bridge.Bridge
	validator *wire.Validator
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	maxContentBytes int
	historyLimit    int
	contextLimit    int
	maxErrors       int
	threatPolicy    threat.Policy
}

// New creates a Router over the given services.
func New(reg *registry.Registry, st store.Store, hc *cache.HistoryCache,
	gate *auth.Gate, rates *rategate.Gate, screen *threat.Screen,
	brd *bridge.Bridge, validator *wire.Validator, logger *slog.Logger,
	opts Options) *Router {

	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = 10 * 1024
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = 20
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 10
	}

	return &Router{
		registry:        reg,
		store:           st,
		cache:           hc,
		gate:            gate,
		rates:           rates,
		screen:          screen,
		bridge:          brd,
		validator:       validator,
		metrics:         opts.Metrics,
		logger:          logger.With("component", "router"),
		maxContentBytes: opts.MaxContentBytes,
		historyLimit:    opts.HistoryLimit,
		contextLimit:    opts.ContextLimit,
		maxErrors:       opts.MaxErrors,
		threatPolicy:    opts.ThreatPolicy,
	}
}

// Route validates one raw frame and dispatches it. Never panics outward;
// every failure mode answers with a structured error frame.
func (r *Router) Route(conn *registry.Conn, raw []byte) {
	conn.Touch()

	if err := r.validator.Validate(raw); err != nil {
		r.logger.Warn("frame failed validation", "conn_id", conn.ID, "error", err)
		r.sendError(conn, "", wire.ErrValidation, "malformed frame")
		return
	}
	var head wire.Head
	if err := json.Unmarshal(raw, &head); err != nil {
		r.sendError(conn, "", wire.ErrValidation, "malformed frame")
		return
	}

	conn.CountMessage()
	r.metrics.CountRouted(head.Type)

	if msg := r.gateAuth(conn, head.Type); msg != "" {
		r.sendError(conn, head.MessageID, wire.ErrAuthRequired, msg)
		return
	}

	switch head.Type {
	case wire.TypeAuthenticate:
		r.handleAuthenticate(conn, head, raw)
	case wire.TypeHeartbeat:
		r.handleHeartbeat(conn, head)
	case wire.TypeSendMessage:
		r.handleSendMessage(conn, head, raw)
	case wire.TypeTypingIndicator:
		r.handleTypingIndicator(conn, head, raw)
	case wire.TypeCreateThread:
		r.handleCreateThread(conn, head, raw)
	case wire.TypeGetThreads:
		r.handleGetThreads(conn, head, raw)
	case wire.TypeGetThreadMessages, wire.TypeGetHistory:
		r.handleGetThreadMessages(conn, head, raw)
	case wire.TypePinThread:
		r.handlePinThread(conn, head, raw)
	case wire.TypeArchiveThread:
		r.handleArchiveThread(conn, head, raw)
	case wire.TypeAIAuth:
		r.handleAIAuth(conn, raw)
	case wire.TypeAIResponse:
		r.handleAIResponse(conn, raw)
	case wire.TypeAIStatus:
		r.handleAIStatus(conn, raw)
	case wire.TypePing:
		r.handlePing(conn)
	default:
		r.logger.Warn("unknown message type", "conn_id", conn.ID, "type", head.Type)
		r.sendError(conn, head.MessageID, wire.ErrValidation, "unknown message type: "+head.Type)
	}
}

// gateAuth returns the rejection message for a frame type the connection's
// auth state does not permit, or "" when the frame may proceed.
func (r *Router) gateAuth(conn *registry.Conn, typ string) string {
	switch typ {
	case wire.TypeAuthenticate, wire.TypeHeartbeat,
		wire.TypeAIAuth, wire.TypeAIResponse, wire.TypeAIStatus, wire.TypePing:
		// Worker frames carry their own upstream check in the handlers.
		return ""
	}

	id := conn.Identity()
	if id.State == registry.StateUnauthenticated {
		return "authenticate first"
	}

	switch typ {
	case wire.TypeCreateThread, wire.TypePinThread, wire.TypeArchiveThread:
		if id.State != registry.StateAuthenticated {
			return "sign in required"
		}
	}
	return ""
}

func (r *Router) sendError(conn *registry.Conn, messageID, errType, msg string) {
	r.sendErrorRetry(conn, messageID, errType, msg, 0)
}

// sendErrorRetry answers with an error frame and charges the connection's
// error budget.
func (r *Router) sendErrorRetry(conn *registry.Conn, messageID, errType, msg string, retryAfter int) {
	e := wire.NewError(errType, msg)
	e.MessageID = messageID
	e.RetryAfter = retryAfter
	if err := conn.Send(e); err != nil {
		r.logger.Debug("error frame not delivered", "conn_id", conn.ID, "error", err)
	}
	r.chargeError(conn)
}

// chargeError counts one failure against the connection's lifetime budget
// and force-closes it once the budget is spent.
func (r *Router) chargeError(conn *registry.Conn) {
	if n := conn.CountError(); n > r.maxErrors {
		r.logger.Warn("closing connection after repeated errors",
			"conn_id", conn.ID, "remote_ip", conn.RemoteIP, "errors", n)
		conn.Close(websocket.ClosePolicyViolation, "too many errors")
		r.registry.Unregister(conn.ID)
	}
}

func rateIdentity(conn *registry.Conn, id registry.Identity) rategate.Identity {
	return rategate.Identity{UserID: id.UserID, SessionID: id.SessionID, IP: conn.RemoteIP}
}

func threadInfo(th *store.Thread) wire.ThreadInfo {
	return wire.ThreadInfo{
		ID:            th.ID,
		Title:         th.Title,
		Description:   th.Description,
		Pinned:        th.Pinned,
		Status:        th.Status,
		MessageCount:  int(th.MessageCount),
		LastMessageAt: th.LastMessageAt,
		CreatedAt:     th.CreatedAt,
	}
}

func messageInfos(msgs []store.Message) []wire.MessageInfo {
	out := make([]wire.MessageInfo, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wire.MessageInfo{
			ID:          m.ID,
			ThreadID:    m.ThreadID,
			Role:        m.Role,
			Content:     m.Content,
			ContentType: m.ContentType,
			CreatedAt:   m.CreatedAt,
		})
	}
	return out
}
