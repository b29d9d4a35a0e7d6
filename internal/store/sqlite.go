package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			message_count INTEGER NOT NULL DEFAULT 0,
			last_message_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			token_estimate INTEGER NOT NULL DEFAULT 0,
			ai_meta TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_owner_id ON threads(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Threads ---

func (s *SQLiteStore) CreateThread(ctx context.Context, th *Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, owner_id, title, description, pinned, status, message_count, last_message_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		th.ID, th.OwnerID, th.Title, th.Description, th.Pinned, th.Status,
		th.MessageCount, th.LastMessageAt, th.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	var th Thread
	var lastMsg sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, description, pinned, status, message_count, last_message_at, created_at
		 FROM threads WHERE id = ?`, id,
	).Scan(&th.ID, &th.OwnerID, &th.Title, &th.Description, &th.Pinned, &th.Status,
		&th.MessageCount, &lastMsg, &th.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if lastMsg.Valid {
		th.LastMessageAt = &lastMsg.Time
	}
	return &th, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, description, pinned, status, message_count, last_message_at, created_at
		 FROM threads WHERE owner_id = ? AND status = 'active'
		 ORDER BY pinned DESC, COALESCE(last_message_at, created_at) DESC
		 LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var th Thread
		var lastMsg sql.NullTime
		if err := rows.Scan(&th.ID, &th.OwnerID, &th.Title, &th.Description, &th.Pinned, &th.Status,
			&th.MessageCount, &lastMsg, &th.CreatedAt); err != nil {
			return nil, err
		}
		if lastMsg.Valid {
			th.LastMessageAt = &lastMsg.Time
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

func (s *SQLiteStore) SetPinned(ctx context.Context, threadID, ownerID string, pinned bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE threads SET pinned = ? WHERE id = ? AND owner_id = ?",
		pinned, threadID, ownerID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "thread", threadID)
}

func (s *SQLiteStore) ArchiveThread(ctx context.Context, threadID, ownerID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE threads SET status = 'archived' WHERE id = ? AND owner_id = ?",
		threadID, ownerID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "thread", threadID)
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, thread_id, seq, role, content, content_type, token_estimate, ai_meta, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE thread_id = ?), ?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		msg.ID, msg.ThreadID, msg.ThreadID, msg.Role, msg.Content, msg.ContentType,
		msg.TokenEstimate, msg.AIMeta, msg.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) GetRecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	// Last N rows by seq, returned in ascending order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, seq, role, content, content_type, token_estimate, ai_meta, created_at FROM (
			SELECT id, thread_id, seq, role, content, content_type, token_estimate, ai_meta, created_at
			FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`,
		threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.Content, &m.ContentType,
			&m.TokenEstimate, &m.AIMeta, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) AttachMessageMeta(ctx context.Context, messageID, meta string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET ai_meta = ? WHERE id = ?",
		meta, messageID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "message", messageID)
}

// --- Derived counters ---

func (s *SQLiteStore) BumpThreadActivity(ctx context.Context, threadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE threads SET message_count = message_count + 1, last_message_at = ? WHERE id = ?",
		at, threadID,
	)
	return err
}

// --- Data retention ---

// PurgeArchivedBefore deletes archived threads whose last activity predates
// cutoff, together with their messages. Returns the number of threads
// removed.
func (s *SQLiteStore) PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id IN (
			SELECT id FROM threads WHERE status = 'archived' AND COALESCE(last_message_at, created_at) < ?
		 )`, cutoff,
	); err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM threads WHERE status = 'archived' AND COALESCE(last_message_at, created_at) < ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
