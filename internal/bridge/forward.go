package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/pkg/wire"
)

// ForwardRequest is one user turn handed to the worker.
type ForwardRequest struct {
	ConnID        string
	ThreadID      string
	UserID        string // empty for anonymous sessions
	UserMessageID string // persisted user turn to hang worker metadata on; empty when ephemeral
	Content       string
	Context       []wire.ContextMessage
}

// Send forwards one turn upstream. It rejects synchronously, creating no
// pending entry and touching no socket, when the link is not connected,
// when shutdown has begun, or when the origin connection already has a
// request in flight. On accept it registers the pending entry, emits
// typing-start to the origin, and writes the framed request upstream.
func (b *Bridge) Send(ctx context.Context, req ForwardRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return fmt.Errorf("forward rejected: %w", ErrShuttingDown)
	}
	if b.state != StateConnected || b.upstream == nil {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("worker link %s: %w", st, ErrNotConnected)
	}
	up := b.upstream
	b.mu.Unlock()

	b.pmu.Lock()
	for id, pr := range b.pending {
		if pr.connID == req.ConnID {
			b.pmu.Unlock()
			return fmt.Errorf("request %s still in flight for this connection: %w", id, ErrUpstreamBusy)
		}
	}
	requestID := uuid.NewString()
	pr := &pendingRequest{
		id:            requestID,
		connID:        req.ConnID,
		threadID:      req.ThreadID,
		userID:        req.UserID,
		userMessageID: req.UserMessageID,
		createdAt:     time.Now(),
	}
	pr.timer = time.AfterFunc(b.cfg.RequestTimeout.Duration, func() { b.handleTimeout(requestID) })
	b.pending[requestID] = pr
	b.pmu.Unlock()

	b.sendTyping(req.ConnID, req.ThreadID, true)

	frame := wire.AIRequest{
		Type:      wire.TypeAIRequest,
		RequestID: requestID,
		ThreadID:  req.ThreadID,
		UserID:    req.UserID,
		Content:   req.Content,
		Context:   req.Context,
	}
	if err := up.Send(frame); err != nil {
		b.take(requestID)
		b.sendTyping(req.ConnID, req.ThreadID, false)
		// A failed write means the link is gone. Closing unblocks the
		// reader, which owns the detach.
		up.Close(websocket.CloseInternalServerErr, "upstream write failed")
		return fmt.Errorf("send ai request: %w", err)
	}

	b.logger.Debug("forwarded to ai worker",
		"request_id", requestID, "thread_id", req.ThreadID, "context_len", len(req.Context))
	return nil
}

// take removes and returns the pending entry for id, stopping its timer.
// The nil return is how a late resolution path learns it lost the race.
func (b *Bridge) take(id string) *pendingRequest {
	b.pmu.Lock()
	pr, ok := b.pending[id]
	if ok {
		pr.timer.Stop()
		delete(b.pending, id)
	}
	b.pmu.Unlock()
	if !ok {
		return nil
	}
	return pr
}

// HandleResponse resolves the pending request named by resp: a worker
// answer is persisted and delivered to the origin connection, an explicit
// worker error becomes a retryable ai_error. Frames whose request already
// resolved are dropped.
func (b *Bridge) HandleResponse(resp wire.AIResponse) {
	pr := b.take(resp.RequestID)
	if pr == nil {
		b.logger.Debug("response for unknown or resolved request", "request_id", resp.RequestID)
		return
	}

	if resp.Error != "" {
		b.logger.Warn("ai worker reported an error", "request_id", pr.id, "error", resp.Error)
		b.metrics.ObserveAIRequest("worker_error", time.Since(pr.createdAt))
		b.notifyFailure(pr, resp.Error, retryHintSeconds)
		return
	}

	b.metrics.ObserveAIRequest("response", time.Since(pr.createdAt))
	b.logger.Info("ai response resolved",
		"request_id", pr.id, "thread_id", pr.threadID, "elapsed", time.Since(pr.createdAt))

	// Anonymous turns are ephemeral: deliver only.
	if pr.userID != "" {
		b.persistAssistantTurn(pr, resp)
	}

	conn, ok := b.registry.Get(pr.connID)
	if !ok {
		b.logger.Debug("origin connection gone, dropping ai response",
			"request_id", pr.id, "conn_id", pr.connID)
		return
	}
	_ = conn.Send(wire.AITyping{Type: wire.TypeAITyping, ThreadID: pr.threadID, IsTyping: false})
	_ = conn.Send(wire.AIResponseOut{
		Type:             wire.TypeAIResponse,
		RequestID:        pr.id,
		ThreadID:         pr.threadID,
		Content:          resp.ResponseContent,
		Model:            resp.Model,
		ProcessingTimeMs: resp.ProcessingTimeMs,
	})
}

// persistAssistantTurn stores the worker's answer with bounded retries and
// hangs the worker metadata off the originating user message. A final
// persistence failure is logged; the answer still goes to the user.
func (b *Bridge) persistAssistantTurn(pr *pendingRequest, resp wire.AIResponse) {
	ctx := context.Background()

	msg := &store.Message{
		ID:            uuid.NewString(),
		ThreadID:      pr.threadID,
		Role:          "assistant",
		Content:       resp.ResponseContent,
		ContentType:   "text",
		TokenEstimate: store.EstimateTokens(resp.ResponseContent),
		CreatedAt:     time.Now(),
	}

	var err error
	delay := persistBaseDelay
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if _, err = b.store.AppendMessage(ctx, msg); err == nil {
			break
		}
		if attempt < persistAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	if err != nil {
		b.logger.Error("assistant message lost after retries",
			"thread_id", pr.threadID, "attempts", persistAttempts, "error", err)
		return
	}

	if err := b.store.BumpThreadActivity(ctx, pr.threadID, msg.CreatedAt); err != nil {
		b.logger.Warn("thread counter update failed", "thread_id", pr.threadID, "error", err)
	}
	b.cache.Invalidate(pr.threadID)

	if pr.userMessageID != "" {
		meta, _ := json.Marshal(map[string]any{
			"model":              resp.Model,
			"confidence":         resp.Confidence,
			"processing_time_ms": resp.ProcessingTimeMs,
		})
		if err := b.store.AttachMessageMeta(ctx, pr.userMessageID, string(meta)); err != nil {
			b.logger.Warn("ai metadata not attached", "message_id", pr.userMessageID, "error", err)
		}
	}
}

// handleTimeout fires when a pending request's timer lapses before any
// worker frame referenced it.
func (b *Bridge) handleTimeout(requestID string) {
	pr := b.take(requestID)
	if pr == nil {
		return // resolved first
	}
	b.metrics.ObserveAIRequest("timeout", time.Since(pr.createdAt))
	b.logger.Warn("ai request timed out",
		"request_id", requestID, "thread_id", pr.threadID, "after", time.Since(pr.createdAt))
	b.notifyFailure(pr, "The AI assistant took too long to respond. Please try again.", retryHintSeconds)
}

// failAllPending drains the whole table and notifies every origin. Timers
// that already fired find the table empty and no-op.
func (b *Bridge) failAllPending(reason string, retryAfter int) {
	b.pmu.Lock()
	taken := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.pmu.Unlock()

	if len(taken) == 0 {
		return
	}
	b.logger.Warn("failing all pending ai requests", "count", len(taken), "reason", reason)
	for _, pr := range taken {
		pr.timer.Stop()
		b.metrics.ObserveAIRequest("bulk_fail", time.Since(pr.createdAt))
		b.notifyFailure(pr, reason, retryAfter)
	}
}

// notifyFailure emits typing-stop plus a structured ai_error to the origin
// connection. retryAfter zero marks the failure terminal.
func (b *Bridge) notifyFailure(pr *pendingRequest, reason string, retryAfter int) {
	conn, ok := b.registry.Get(pr.connID)
	if !ok {
		b.logger.Debug("origin connection gone, dropping ai error",
			"request_id", pr.id, "conn_id", pr.connID)
		return
	}
	_ = conn.Send(wire.AITyping{Type: wire.TypeAITyping, ThreadID: pr.threadID, IsTyping: false})
	_ = conn.Send(wire.AIErrorOut{
		Type:       wire.TypeAIError,
		ThreadID:   pr.threadID,
		Error:      reason,
		RetryAfter: retryAfter,
	})
}

// sendTyping emits an assistant typing indicator to one connection. A
// vanished connection is fine; the turn outcome does not depend on it.
func (b *Bridge) sendTyping(connID, threadID string, typing bool) {
	conn, ok := b.registry.Get(connID)
	if !ok {
		return
	}
	_ = conn.Send(wire.AITyping{Type: wire.TypeAITyping, ThreadID: threadID, IsTyping: typing})
}
