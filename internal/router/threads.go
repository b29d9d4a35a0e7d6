package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/rategate"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/threat"
	"github.com/threadline-ai/threadline/pkg/wire"
)

// Client-requested page sizes clamp to this bound.
const maxListLimit = 200

func (r *Router) handleCreateThread(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.CreateThread
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid create_thread payload")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "title is required")
		return
	}

	id := conn.Identity()
	if dec := r.rates.Check(rategate.KindThreadCreate, rateIdentity(conn, id)); !dec.Allowed {
		r.metrics.CountRateReject(rategate.KindThreadCreate.String())
		r.sendErrorRetry(conn, head.MessageID, wire.ErrRateLimited,
			"thread creation rate limit exceeded", dec.RetryAfterSec)
		return
	}

	description := req.Description
	for _, field := range []*string{&title, &description} {
		if *field == "" {
			continue
		}
		rep := r.screen.Inspect(*field, r.threatPolicy)
		switch rep.Verdict {
		case threat.VerdictBlocked:
			for _, t := range rep.Threats {
				conn.AddRisk(t.Category)
			}
			r.sendError(conn, head.MessageID, wire.ErrSecurityViolation,
				"thread details blocked by content policy")
			return
		case threat.VerdictFlagged:
			for _, t := range rep.Threats {
				conn.AddRisk(t.Category)
			}
			*field = rep.Sanitized
		}
	}

	th := &store.Thread{
		ID:          uuid.NewString(),
		OwnerID:     id.UserID,
		Title:       title,
		Description: description,
		Status:      "active",
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateThread(context.Background(), th); err != nil {
		r.logger.Error("thread create failed", "user_id", id.UserID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "thread could not be created")
		return
	}

	r.logger.Info("thread created", "thread_id", th.ID, "user_id", id.UserID)
	r.reply(conn, wire.ThreadCreated{
		Type:      wire.TypeThreadCreated,
		MessageID: head.MessageID,
		Thread:    threadInfo(th),
	})
}

// handleGetThreads lists the caller's threads. Anonymous sessions own no
// persisted threads and get an empty list.
func (r *Router) handleGetThreads(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.GetThreads
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid get_threads payload")
		return
	}

	id := conn.Identity()
	if id.State == registry.StateAnonymous {
		r.reply(conn, wire.ThreadsList{
			Type:      wire.TypeThreadsList,
			MessageID: head.MessageID,
			Threads:   []wire.ThreadInfo{},
		})
		return
	}

	threads, err := r.store.ListThreads(context.Background(), id.UserID, clampLimit(req.Limit, r.historyLimit))
	if err != nil {
		r.logger.Error("thread list failed", "user_id", id.UserID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "threads could not be listed")
		return
	}

	infos := make([]wire.ThreadInfo, 0, len(threads))
	for i := range threads {
		infos = append(infos, threadInfo(&threads[i]))
	}
	r.reply(conn, wire.ThreadsList{
		Type:      wire.TypeThreadsList,
		MessageID: head.MessageID,
		Threads:   infos,
	})
}

// handleGetThreadMessages pages a thread's history, newest window first in
// ascending order. Anonymous callers get an empty history for their own
// ephemeral ids and not_found for anything persisted.
func (r *Router) handleGetThreadMessages(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.GetThreadMessages
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid history request payload")
		return
	}
	if req.ThreadID == "" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "threadId is required")
		return
	}
	limit := clampLimit(req.Limit, r.historyLimit)
	ctx := context.Background()

	th, err := r.store.GetThread(ctx, req.ThreadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if conn.Identity().State == registry.StateAnonymous {
			// Ephemeral anonymous threads have no stored history.
			r.reply(conn, wire.ThreadHistory{
				Type:      wire.TypeThreadHistory,
				MessageID: head.MessageID,
				ThreadID:  req.ThreadID,
				Messages:  []wire.MessageInfo{},
			})
			return
		}
		r.sendError(conn, head.MessageID, wire.ErrNotFound, "thread not found")
		return
	case err != nil:
		r.logger.Error("thread lookup failed", "thread_id", req.ThreadID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "could not load thread")
		return
	}

	id := conn.Identity()
	if id.State == registry.StateAnonymous || th.OwnerID != id.UserID {
		r.sendError(conn, head.MessageID, wire.ErrNotFound, "thread not found")
		return
	}

	var msgs []store.Message
	if limit <= r.historyLimit {
		// The cached window covers the request; serve its tail.
		msgs, err = r.recentWindow(ctx, req.ThreadID)
		if err == nil && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
	} else {
		msgs, err = r.store.GetRecentMessages(ctx, req.ThreadID, limit)
	}
	if err != nil {
		r.logger.Error("history fetch failed", "thread_id", req.ThreadID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "history could not be loaded")
		return
	}

	r.reply(conn, wire.ThreadHistory{
		Type:      wire.TypeThreadHistory,
		MessageID: head.MessageID,
		ThreadID:  req.ThreadID,
		Messages:  messageInfos(msgs),
	})
}

func (r *Router) handlePinThread(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.PinThread
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid pin_thread payload")
		return
	}
	if req.ThreadID == "" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "threadId is required")
		return
	}

	ctx := context.Background()
	id := conn.Identity()
	if err := r.store.SetPinned(ctx, req.ThreadID, id.UserID, req.IsPinned); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.sendError(conn, head.MessageID, wire.ErrNotFound, "thread not found")
			return
		}
		r.logger.Error("thread pin failed", "thread_id", req.ThreadID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "thread could not be updated")
		return
	}
	r.replyThreadUpdated(conn, head, req.ThreadID)
}

func (r *Router) handleArchiveThread(conn *registry.Conn, head wire.Head, raw []byte) {
	var req wire.ArchiveThread
	if err := json.Unmarshal(raw, &req); err != nil {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "invalid archive_thread payload")
		return
	}
	if req.ThreadID == "" {
		r.sendError(conn, head.MessageID, wire.ErrValidation, "threadId is required")
		return
	}

	ctx := context.Background()
	id := conn.Identity()
	if err := r.store.ArchiveThread(ctx, req.ThreadID, id.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.sendError(conn, head.MessageID, wire.ErrNotFound, "thread not found")
			return
		}
		r.logger.Error("thread archive failed", "thread_id", req.ThreadID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "thread could not be updated")
		return
	}
	r.cache.Invalidate(req.ThreadID)
	r.logger.Info("thread archived", "thread_id", req.ThreadID, "user_id", id.UserID)
	r.replyThreadUpdated(conn, head, req.ThreadID)
}

// replyThreadUpdated re-reads the thread and acknowledges a pin or archive
// change with its fresh state.
func (r *Router) replyThreadUpdated(conn *registry.Conn, head wire.Head, threadID string) {
	th, err := r.store.GetThread(context.Background(), threadID)
	if err != nil {
		r.logger.Warn("thread re-read failed after update", "thread_id", threadID, "error", err)
		r.sendError(conn, head.MessageID, wire.ErrInternal, "thread could not be loaded")
		return
	}
	r.reply(conn, wire.ThreadUpdated{
		Type:      wire.TypeThreadUpdated,
		MessageID: head.MessageID,
		Thread:    threadInfo(th),
	})
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
