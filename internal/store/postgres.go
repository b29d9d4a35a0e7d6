package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'active',
			message_count BIGINT NOT NULL DEFAULT 0,
			last_message_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			token_estimate INTEGER NOT NULL DEFAULT 0,
			ai_meta TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Threads ---

func (s *PostgresStore) CreateThread(ctx context.Context, th *Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, owner_id, title, description, pinned, status, message_count, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		th.ID, th.OwnerID, th.Title, th.Description, th.Pinned, th.Status,
		th.MessageCount, th.LastMessageAt, th.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	var th Thread
	var lastMsg sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, description, pinned, status, message_count, last_message_at, created_at
		 FROM threads WHERE id = $1`, id,
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

func (s *PostgresStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, description, pinned, status, message_count, last_message_at, created_at
		 FROM threads WHERE owner_id = $1 AND status = 'active'
		 ORDER BY pinned DESC, COALESCE(last_message_at, created_at) DESC
		 LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) SetPinned(ctx context.Context, threadID, ownerID string, pinned bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE threads SET pinned = $1 WHERE id = $2 AND owner_id = $3",
		pinned, threadID, ownerID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "thread", threadID)
}

func (s *PostgresStore) ArchiveThread(ctx context.Context, threadID, ownerID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE threads SET status = 'archived' WHERE id = $1 AND owner_id = $2",
		threadID, ownerID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "thread", threadID)
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, thread_id, seq, role, content, content_type, token_estimate, ai_meta, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE thread_id = $2), $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		msg.ID, msg.ThreadID, msg.Role, msg.Content, msg.ContentType,
		msg.TokenEstimate, msg.AIMeta, msg.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) GetRecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	// Last N rows by seq, returned in ascending order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, seq, role, content, content_type, token_estimate, ai_meta, created_at FROM (
			SELECT id, thread_id, seq, role, content, content_type, token_estimate, ai_meta, created_at
			FROM messages WHERE thread_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq`,
		threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *PostgresStore) AttachMessageMeta(ctx context.Context, messageID, meta string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET ai_meta = $1 WHERE id = $2",
		meta, messageID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, "message", messageID)
}

// --- Derived counters ---

func (s *PostgresStore) BumpThreadActivity(ctx context.Context, threadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE threads SET message_count = message_count + 1, last_message_at = $1 WHERE id = $2",
		at, threadID,
	)
	return err
}

// --- Data retention ---

// PurgeArchivedBefore deletes archived threads whose last activity predates
// cutoff, together with their messages. Returns the number of threads
// removed.
func (s *PostgresStore) PurgeArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id IN (
			SELECT id FROM threads WHERE status = 'archived' AND COALESCE(last_message_at, created_at) < $1
		 )`, cutoff,
	); err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM threads WHERE status = 'archived' AND COALESCE(last_message_at, created_at) < $1",
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
