package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/viaiv/console/internal/stream"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dataPath string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataPath, "consoled.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_message_id ON tool_calls(message_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Apply folds one protocol event into the cache. Unknown event types are
// ignored so new server-side tags never break the consumer.
func (s *SQLiteStore) Apply(conversationID string, ev stream.Event) error {
	now := time.Now()

	switch ev.Type {
	case stream.EventStreamStart:
		if ev.MessageID == "" {
			return nil
		}
		if err := s.touchConversation(conversationID, now); err != nil {
			return err
		}
		role := ev.Role
		if role == "" {
			role = "assistant"
		}
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO messages (id, conversation_id, role, content, status, created_at, updated_at)
			 VALUES (?, ?, ?, '', ?, ?, ?)`,
			ev.MessageID, conversationID, role, MessageStreaming, now, now,
		)
		return err

	case stream.EventStreamChunk:
		if ev.MessageID == "" {
			return nil
		}
		_, err := s.db.Exec(
			`UPDATE messages SET content = content || ?, updated_at = ? WHERE id = ?`,
			ev.Delta, now, ev.MessageID,
		)
		return err

	case stream.EventStreamEnd:
		if ev.MessageID == "" {
			return nil
		}
		_, err := s.db.Exec(
			`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
			MessageComplete, now, ev.MessageID,
		)
		return err

	case stream.EventError:
		if ev.MessageID == "" {
			return nil
		}
		_, err := s.db.Exec(
			`UPDATE messages SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			MessageError, ev.Message, now, ev.MessageID,
		)
		return err

	case stream.EventToolCallStart:
		if ev.MessageID == "" || ev.ToolCallID == "" {
			return nil
		}
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO tool_calls (id, message_id, name, status, started_at)
			 VALUES (?, ?, ?, ?, ?)`,
			ev.ToolCallID, ev.MessageID, ev.ToolName, ToolRunning, now,
		)
		return err

	case stream.EventToolCallEnd:
		if ev.ToolCallID == "" {
			return nil
		}
		_, err := s.db.Exec(
			`UPDATE tool_calls SET status = ?, finished_at = ? WHERE id = ?`,
			ToolDone, now, ev.ToolCallID,
		)
		return err

	case stream.EventTitleUpdated:
		if err := s.touchConversation(conversationID, now); err != nil {
			return err
		}
		_, err := s.db.Exec(
			`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
			ev.Title, now, conversationID,
		)
		return err
	}

	// pong and anything newer than this client: nothing to cache.
	return nil
}

// touchConversation makes sure the conversation row exists.
func (s *SQLiteStore) touchConversation(id string, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, updated_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, now,
	)
	return err
}

// ListConversations returns cached conversations, most recently updated first.
func (s *SQLiteStore) ListConversations() ([]*Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, title, updated_at FROM conversations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetTranscript returns the cached messages of a conversation in creation
// order, with their tool call spans attached.
func (s *SQLiteStore) GetTranscript(conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, status, error, created_at, updated_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Status, &m.Error, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range msgs {
		calls, err := s.toolCalls(m.ID)
		if err != nil {
			return nil, err
		}
		m.ToolCalls = calls
	}
	return msgs, nil
}

func (s *SQLiteStore) toolCalls(messageID string) ([]ToolCall, error) {
	rows, err := s.db.Query(
		`SELECT id, message_id, name, status, started_at, finished_at
		 FROM tool_calls WHERE message_id = ? ORDER BY started_at ASC, id ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		var finished sql.NullTime
		if err := rows.Scan(&tc.ID, &tc.MessageID, &tc.Name, &tc.Status, &tc.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			tc.FinishedAt = &t
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its cached transcript.
func (s *SQLiteStore) DeleteConversation(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tool_calls WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`, id); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
