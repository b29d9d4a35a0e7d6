package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/threadline-ai/threadline/internal/bridge"
	"github.com/threadline-ai/threadline/internal/rategate"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/pkg/wire"
)

// handleAuthenticate upgrades the connection to an authenticated or an
// anonymous identity. Token attempts pass the rate limiter before any
// verification work runs.
func (r *Router) handleAuthenticate(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.Authenticate
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid authenticate payload")
		return
	}

	switch {
	case req.Token != "":
		dec := r.rates.Check(rategate.KindAuthAttempt, rateIdentity(conn, conn.Identity()))
		if !dec.Allowed {
			r.metrics.CountRateReject(rategate.KindAuthAttempt.String())
			r.sendErrorRetry(conn, head.MessageID, wire.ErrRateLimited,
				"too many authentication attempts", dec.RetryAfterSec)
			return
		}
		id, err := r.gate.Authenticate(context.Background(), req.Token, conn.RemoteIP)
		if err != nil {
			r.sendError(conn, head.MessageID, wire.ErrAuthFailed, "authentication failed")
			return
		}
		conn.SetAuthenticated(id.UserID)
		r.logger.Info("connection authenticated", "conn_id", conn.ID, "user_id", id.UserID)
		r.reply(conn, wire.AuthSuccess{
			Type:      wire.TypeAuthSuccess,
			MessageID: head.MessageID,
			UserID:    id.UserID,
		})

	case req.Anonymous:
		id := r.gate.AuthenticateAnonymous()
		conn.SetAnonymous(id.SessionID)
		r.logger.Info("anonymous session started", "conn_id", conn.ID, "session_id", id.SessionID)
		r.reply(conn, wire.AuthSuccess{
			Type:      wire.TypeAuthSuccess,
			MessageID: head.MessageID,
			SessionID: id.SessionID,
			Anonymous: true,
		})

	default:
		r.sendError(conn, head.MessageID, wire.ErrValidation, "token or anonymous flag required")
	}
}

func (r *Router) handleHeartbeat(conn *registry.Conn, head wire.Head) {
	r.reply(conn, wire.HeartbeatAck{
		Type:       wire.TypeHeartbeatAck,
		MessageID:  head.MessageID,
		ServerTime: time.Now().UTC(),
	})
}

// handleAIAuth hands the connection to the bridge as the AI worker. Bad
// credentials are charged against the source address like any other failed
// login; rejections for link state (a worker already attached, dial mode,
// shutdown) are not.
func (r *Router) handleAIAuth(conn *registry.Conn, raw []byte) {
	var creds wire.AIAuth
	if err := json.Unmarshal(raw, &creds); err != nil {
		r.sendError(conn, "", wire.ErrValidation, "invalid ai_auth payload")
		return
	}

	if err := r.bridge.AttachUpstream(conn, creds); err != nil {
		r.logger.Warn("ai worker attach rejected",
			"conn_id", conn.ID, "remote_ip", conn.RemoteIP, "error", err)
		if bridge.IsCredentialError(err) {
			r.gate.RecordFailure(conn.RemoteIP, "ai_auth: "+err.Error())
		}
		r.reply(conn, wire.AIAuthAck{Type: wire.TypeAIAuthAck, Reason: err.Error()})
		r.chargeError(conn)
		return
	}

	r.logger.Info("ai worker attached", "conn_id", conn.ID, "remote_ip", conn.RemoteIP)
	r.reply(conn, wire.AIAuthAck{Type: wire.TypeAIAuthAck, Accepted: true})
}

// handleAIResponse accepts answer frames, but only from the adopted worker
// connection. Anything else on this type is an impersonation attempt.
func (r *Router) handleAIResponse(conn *registry.Conn, raw []byte) {
	if !r.bridge.IsUpstream(conn.ID) {
		r.logger.Warn("ai_response from non-worker connection",
			"conn_id", conn.ID, "remote_ip", conn.RemoteIP)
		r.sendError(conn, "", wire.ErrAuthFailed, "not the ai worker")
		return
	}
	var resp wire.AIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		r.logger.Warn("malformed ai_response from worker", "error", err)
		return
	}
	r.bridge.HandleResponse(resp)
}

func (r *Router) handleAIStatus(conn *registry.Conn, raw []byte) {
	if !r.bridge.IsUpstream(conn.ID) {
		r.sendError(conn, "", wire.ErrAuthFailed, "not the ai worker")
		return
	}
	var st wire.AIStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		r.logger.Warn("malformed ai_status from worker", "error", err)
		return
	}
	r.bridge.HandleStatus(st)
}

func (r *Router) handlePing(conn *registry.Conn) {
	if !r.bridge.IsUpstream(conn.ID) {
		r.sendError(conn, "", wire.ErrAuthFailed, "not the ai worker")
		return
	}
	r.reply(conn, wire.Pong{Type: wire.TypePong})
}

// reply writes one frame back to the origin. Delivery failures only log;
// the connection's read loop notices the broken socket on its own.
func (r *Router) reply(conn *registry.Conn, v any) {
	if err := conn.Send(v); err != nil {
		r.logger.Debug("reply not delivered", "conn_id", conn.ID, "error", err)
	}
}
