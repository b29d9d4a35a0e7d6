// Package store defines thread and message persistence and provides SQLite
// and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup names a row that does not exist or
// that the caller does not own. Always wrapped; test with errors.Is.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for conversation data. Implementations
// must be safe for concurrent use.
type Store interface {
	// Threads
	CreateThread(ctx context.Context, th *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, ownerID string, limit int) ([]Thread, error)
	SetPinned(ctx context.Context, threadID, ownerID string, pinned bool) error
	ArchiveThread(ctx context.Context, threadID, ownerID string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetRecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	AttachMessageMeta(ctx context.Context, messageID, meta string) error

	// Derived counters, applied after a successful append.
	BumpThreadActivity(ctx context.Context, threadID string, at time.Time) error

	// Data retention
	PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Thread is one conversation between a user and the AI.
type Thread struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Pinned        bool       `json:"pinned"`
	Status        string     `json:"status"` // "active" or "archived"
	MessageCount  int64      `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EstimateTokens roughly sizes content for the token_estimate column,
// at about four bytes per token.
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// Message is one stored turn in a thread. Seq is assigned in-database on
// insert and is dense and monotonic per thread.
type Message struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	Seq           int64     `json:"seq"`
	Role          string    `json:"role"` // "user", "assistant", "system"
	Content       string    `json:"content"`
	ContentType   string    `json:"content_type"`
	TokenEstimate int       `json:"token_estimate"`
	AIMeta        string    `json:"ai_meta,omitempty"` // JSON-encoded model/confidence/timing
	CreatedAt     time.Time `json:"created_at"`
}
