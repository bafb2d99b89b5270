// Package datastore is the persistence sink the queue workers drain into:
// chat history events and usage-metering events. The wider relational schema
// (agents, chats, users) lives in the CRUD layer; this store owns only the
// two insert paths and the lookup the usage persister needs.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrPersistence is returned when an insert fails
	ErrPersistence = errors.New("persistence failed")

	// ErrNotFound is returned when a referenced record does not exist
	ErrNotFound = errors.New("record not found")
)

// ChatEvent is one persisted conversation event.
type ChatEvent struct {
	MessageID string
	WorkerID  string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// UsageEvent is one usage-metering record. It references the chat event it
// was produced by.
type UsageEvent struct {
	MessageID        string
	WorkerID         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// ChatEventStore is the surface the history persister needs.
type ChatEventStore interface {
	InsertChatEvent(ctx context.Context, ev ChatEvent) error
}

// UsageStore is the surface the usage persister needs. The chat-event lookup
// exists because usage events reference chat events that a concurrent
// persister may not have committed yet.
type UsageStore interface {
	ChatEventIDByMessageID(ctx context.Context, messageID string) (int64, error)
	InsertUsageEvent(ctx context.Context, chatEventID int64, ev UsageEvent) error
}

// Store is the sqlite-backed implementation of both surfaces.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed bootstraps) the datastore at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("datastore path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps concurrent persister writes from blocking each other.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			worker_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_events_worker ON chat_events(worker_id);
		CREATE INDEX IF NOT EXISTS idx_chat_events_session ON chat_events(session_id);

		CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_event_id INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (chat_event_id) REFERENCES chat_events(id)
		);
		CREATE INDEX IF NOT EXISTS idx_usage_events_worker ON usage_events(worker_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertChatEvent persists one chat event.
func (s *Store) InsertChatEvent(ctx context.Context, ev ChatEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_events (message_id, worker_id, session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.MessageID, ev.WorkerID, ev.SessionID, ev.Role, ev.Content, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: insert chat event %s: %v", ErrPersistence, ev.MessageID, err)
	}
	return nil
}

// ChatEventIDByMessageID resolves a chat event's row id from its message id.
func (s *Store) ChatEventIDByMessageID(ctx context.Context, messageID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM chat_events WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: chat event %s", ErrNotFound, messageID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: lookup chat event %s: %v", ErrPersistence, messageID, err)
	}
	return id, nil
}

// InsertUsageEvent persists one usage event against its resolved chat event.
func (s *Store) InsertUsageEvent(ctx context.Context, chatEventID int64, ev UsageEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (chat_event_id, worker_id, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chatEventID, ev.WorkerID, ev.Model, ev.PromptTokens, ev.CompletionTokens, ev.TotalTokens, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: insert usage event for %s: %v", ErrPersistence, ev.MessageID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
