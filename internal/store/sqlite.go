// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			worktree_branch TEXT NOT NULL DEFAULT '',
			unread INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_key) REFERENCES sessions(key) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_key, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, label, model, project, channel, worktree_branch,
			unread, message_count, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Key, sess.Label, sess.Model, sess.Project, sess.Channel, sess.WorktreeBranch,
		boolToInt(sess.Unread), sess.MessageCount, sess.Revision, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given key, or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, label, model, project, channel, worktree_branch,
			unread, message_count, revision, created_at, updated_at
		FROM sessions WHERE key = ?`, key)

	var sess Session
	var unread int
	err := row.Scan(&sess.Key, &sess.Label, &sess.Model, &sess.Project, &sess.Channel,
		&sess.WorktreeBranch, &unread, &sess.MessageCount, &sess.Revision,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Unread = unread != 0
	return &sess, nil
}

// UpdateSession writes all mutable fields of an existing session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET label = ?, model = ?, project = ?, channel = ?, worktree_branch = ?,
			unread = ?, message_count = ?, revision = ?, updated_at = ?
		WHERE key = ?`,
		sess.Label, sess.Model, sess.Project, sess.Channel, sess.WorktreeBranch,
		boolToInt(sess.Unread), sess.MessageCount, sess.Revision, sess.UpdatedAt,
		sess.Key,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, label, model, project, channel, worktree_branch,
			unread, message_count, revision, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var unread int
		if err := rows.Scan(&sess.Key, &sess.Label, &sess.Model, &sess.Project, &sess.Channel,
			&sess.WorktreeBranch, &unread, &sess.MessageCount, &sess.Revision,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.Unread = unread != 0
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// SaveMessage appends a message to a session's history.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_key, role, content, tool_call_id, tool_name,
			input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionKey, msg.Role, msg.Content, msg.ToolCallID, msg.ToolName,
		msg.InputTokens, msg.OutputTokens, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessages returns up to limit messages for a session in append order.
// A limit of 0 returns the full history.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionKey string, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_key, role, content, tool_call_id, tool_name,
			input_tokens, output_tokens, created_at
		FROM messages WHERE session_key = ? ORDER BY created_at ASC, id ASC`
	args := []any{sessionKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Content, &m.ToolCallID,
			&m.ToolName, &m.InputTokens, &m.OutputTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// DeleteMessages removes all history for a session.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
