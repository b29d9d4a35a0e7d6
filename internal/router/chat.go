package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/bridge"
	"github.com/threadline-ai/threadline/internal/rategate"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/threat"
	"github.com/threadline-ai/threadline/pkg/wire"
)

const (
	// Retry hint for synchronous forward rejections, in seconds.
	aiRetrySeconds = 5

	persistAttempts  = 3
	persistBaseDelay = 100 * time.Millisecond
)

// handleSendMessage runs one chat turn: size and rate checks, the content
// screen, then the identity-specific pipeline. Authenticated turns are
// persisted before the forward; anonymous turns are ephemeral.
func (r *Router) handleSendMessage(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.SendMessage
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid send_message payload")
		return
	}
	if req.ThreadID == "" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "threadId is required")
		return
	}
	if req.Content == "" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "content is required")
		return
	}
	if len(req.Content) > r.maxContentBytes {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "message exceeds maximum size")
		return
	}

	id := conn.Identity()
	if dec := r.rates.Check(rategate.KindMessage, rateIdentity(conn, id)); !dec.Allowed {
		r.metrics.CountRateReject(rategate.KindMessage.String())
		r.sendErrorRetry(conn, head.MessageID, wire.ErrRateLimited,
			"message rate limit exceeded", dec.RetryAfterSec)
		return
	}

	content := req.Content
	rep := r.screen.Inspect(content, r.threatPolicy)
	switch rep.Verdict {
	case threat.VerdictBlocked:
		for _, t := range rep.Threats {
			conn.AddRisk(t.Category)
			r.metrics.CountThreat(t.Category)
		}
		r.logger.Warn("message blocked by content screen",
			"conn_id", conn.ID, "category", rep.Threats[0].Category)
		r.sendError(conn, head.MessageID, wire.ErrSecurityViolation, "message blocked by content policy")
		return
	case threat.VerdictFlagged:
		for _, t := range rep.Threats {
			conn.AddRisk(t.Category)
			r.metrics.CountThreat(t.Category)
		}
		content = rep.Sanitized
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "text"
	}

	if id.State == registry.StateAnonymous {
		r.sendEphemeral(conn, head, req.ThreadID, content)
		return
	}
	r.sendPersistent(conn, head, id.UserID, req.ThreadID, content, contentType)
}

// sendEphemeral forwards an anonymous turn. Nothing is persisted for
// anonymous sessions, so a down link answers with the error alone and the
// ack only goes out once the link has taken the turn.
func (r *Router) sendEphemeral(conn *registry.Conn, head wire.Head, threadID, content string) {
	if r.bridge.State() != bridge.StateConnected {
		r.sendErrorRetry(conn, head.MessageID, wire.ErrAIUnavailable,
			"the AI assistant is not available right now", aiRetrySeconds)
		return
	}

	r.reply(conn, wire.MessageSent{
		Type:      wire.TypeMessageSent,
		MessageID: head.MessageID,
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
	})

	err := r.bridge.Send(context.Background(), bridge.ForwardRequest{
		ConnID:   conn.ID,
		ThreadID: threadID,
		Content:  content,
	})
	if err != nil {
		r.forwardFailure(conn, head.MessageID, err)
	}
}

// sendPersistent runs the authenticated pipeline: ownership check, durable
// user turn, ack, then the upstream forward with recent thread context.
func (r *Router) sendPersistent(conn *registry.Conn, head wire.Head, userID, threadID, content, contentType string) {
	ctx := context.Background()

	th, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.sendError(conn, head.MessageID, wire.ErrNotFound, "thread not found")
			return
		}
		r.logger.Error("thread lookup failed", "thread_id", threadID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "could not load thread")
		return
	}
	if th.OwnerID != userID {
		// Foreign threads look identical to missing ones.
		r.sendError(conn, head.MessageID, wire.ErrNotFound, "thread not found")
		return
	}
	if th.Status == "archived" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "thread is archived")
		return
	}

	msg := &store.Message{
		ID:            uuid.NewString(),
		ThreadID:      threadID,
		Role:          "user",
		Content:       content,
		ContentType:   contentType,
		TokenEstimate: store.EstimateTokens(content),
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.persistUserTurn(ctx, msg); err != nil {
		r.logger.Error("user message lost after retries",
			"thread_id", threadID, "attempts", persistAttempts, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "message could not be saved")
		return
	}
	if err := r.store.BumpThreadActivity(ctx, threadID, msg.CreatedAt); err != nil {
		r.logger.Warn("thread counter update failed", "thread_id", threadID, "error", err)
	}
	r.cache.Invalidate(threadID)

	r.reply(conn, wire.MessageSent{
		Type:      wire.TypeMessageSent,
		MessageID: head.MessageID,
		ID:        msg.ID,
		ThreadID:  threadID,
		Timestamp: msg.CreatedAt,
	})

	err = r.bridge.Send(ctx, bridge.ForwardRequest{
		ConnID:        conn.ID,
		ThreadID:      threadID,
		UserID:        userID,
		UserMessageID: msg.ID,
		Content:       content,
		Context:       r.threadContext(ctx, threadID, msg.ID),
	})
	if err != nil {
		r.forwardFailure(conn, head.MessageID, err)
	}
}

// persistUserTurn stores one user message with bounded retries. This write
// is the critical path of a chat send; callers abort the turn on failure.
func (r *Router) persistUserTurn(ctx context.Context, msg *store.Message) error {
	var err error
	delay := persistBaseDelay
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if _, err = r.store.AppendMessage(ctx, msg); err == nil {
			return nil
		}
		if attempt < persistAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

// forwardFailure maps a synchronous bridge rejection onto the client error
// surface.
func (r *Router) forwardFailure(conn *registry.Conn, messageID string, err error) {
	switch {
	case errors.Is(err, bridge.ErrUpstreamBusy):
		r.sendErrorRetry(conn, messageID, wire.ErrRateLimited,
			"a request is already in progress on this connection", aiRetrySeconds)
	case errors.Is(err, bridge.ErrShuttingDown):
		r.sendError(conn, messageID, wire.ErrAIUnavailable, "server is shutting down")
	default:
		r.sendErrorRetry(conn, messageID, wire.ErrAIUnavailable,
			"the AI assistant is not available right now", aiRetrySeconds)
	}
}

// recentWindow returns the thread's recent messages oldest-first, reading
// through to the store on a cache miss.
func (r *Router) recentWindow(ctx context.Context, threadID string) ([]store.Message, error) {
	if msgs, ok := r.cache.GetHistory(threadID); ok {
		return msgs, nil
	}
	msgs, err := r.store.GetRecentMessages(ctx, threadID, r.historyLimit)
	if err != nil {
		return nil, err
	}
	r.cache.PutHistory(threadID, msgs)
	return msgs, nil
}

// threadContext shapes the recent window into worker context turns, skipping
// the just-persisted user message and keeping the newest contextLimit turns.
// A fetch failure degrades to a contextless forward.
func (r *Router) threadContext(ctx context.Context, threadID, excludeID string) []wire.ContextMessage {
	msgs, err := r.recentWindow(ctx, threadID)
	if err != nil {
		r.logger.Warn("context fetch failed, forwarding without history",
			"thread_id", threadID, "error", err)
		return nil
	}
	turns := make([]wire.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == excludeID {
			continue
		}
		turns = append(turns, wire.ContextMessage{Role: m.Role, Content: m.Content})
	}
	if len(turns) > r.contextLimit {
		turns = turns[len(turns)-r.contextLimit:]
	}
	return turns
}

// handleTypingIndicator accepts client typing signals. There is no peer
// surface to fan them out to; the broker records them at debug level.
func (r *Router) handleTypingIndicator(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.TypingIndicator
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid typing_indicator payload")
		return
	}
	if req.ThreadID == "" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "threadId is required")
		return
	}
	r.logger.Debug("typing indicator",
		"conn_id", conn.ID, "thread_id", req.ThreadID, "is_typing", req.IsTyping)
}
