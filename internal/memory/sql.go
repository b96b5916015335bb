package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/database"
)

// SQLStore keeps histories in two tables: one row per conversation and
// one row per message, with the message parts stored as JSON.
type SQLStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewSQLStore creates a store on db, creating tables as needed.
func NewSQLStore(ctx context.Context, db *database.DB, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(255) PRIMARY KEY,
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id VARCHAR(255) NOT NULL,
			seq INTEGER NOT NULL,
			id VARCHAR(64) NOT NULL,
			role VARCHAR(32) NOT NULL,
			parts_json TEXT NOT NULL,
			created_at VARCHAR(64),
			PRIMARY KEY (conversation_id, seq)
		)`,
	}
	indexes := [][3]string{
		{"idx_messages_message_id", "messages", "id"},
	}
	return s.db.EnsureSchema(ctx, tables, indexes)
}

// Load returns the stored history in its original order.
func (s *SQLStore) Load(ctx context.Context, conversationID string) (chat.History, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, role, parts_json, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	h := chat.History{}
	for rows.Next() {
		var (
			m       chat.Message
			role    string
			parts   string
			created sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &parts, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = chat.Role(role)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of message %s: %w", m.ID, err)
		}
		if created.Valid && created.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, created.String); err == nil {
				m.CreatedAt = t
			}
		}
		h = append(h, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return h, nil
}

// Save replaces the stored history in a single transaction.
func (s *SQLStore) Save(ctx context.Context, conversationID string, h chat.History) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`), now, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`),
			conversationID, now, now); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM messages WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	insert := s.db.Rebind(`INSERT INTO messages
		(conversation_id, seq, id, role, parts_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for i, m := range h {
		parts := m.Parts
		if parts == nil {
			parts = []chat.Part{}
		}
		data, err := json.Marshal(parts)
		if err != nil {
			return fmt.Errorf("encode parts of message %s: %w", m.ID, err)
		}
		var created any
		if !m.CreatedAt.IsZero() {
			created = formatTime(m.CreatedAt)
		}
		if _, err := tx.ExecContext(ctx, insert,
			conversationID, i, m.ID, string(m.Role), string(data), created); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("history saved", "conversation_id", conversationID, "messages", len(h))
	return nil
}

// Delete removes the conversation and its messages.
func (s *SQLStore) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM messages WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM conversations WHERE id = ?`), conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Conversations lists stored conversations, most recently updated first.
func (s *SQLStore) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c                Conversation
			created, updated string
		)
		if err := rows.Scan(&c.ID, &created, &updated, &c.Messages); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Exists reports whether anything is stored for the conversation.
func (s *SQLStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `SELECT id FROM conversations WHERE id = ?`, conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query conversation: %w", err)
	}
	return true, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
