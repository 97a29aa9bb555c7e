// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store and DirectoryStore interfaces using SQLite
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

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
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

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			property_id TEXT NOT NULL,
			mode        TEXT NOT NULL DEFAULT 'ai_managed',
			lead_id     TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (mode IN ('ai_managed', 'human_managed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_property
			ON conversations(property_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			actor           TEXT,
			pre_takeover    INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			UNIQUE (conversation_id, seq),
			CHECK (role IN ('visitor', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS properties (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			timezone   TEXT,
			greeting   TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS leads (
			id          TEXT PRIMARY KEY,
			property_id TEXT NOT NULL REFERENCES properties(id),
			name        TEXT,
			email       TEXT,
			phone       TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_leads_property ON leads(property_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'pre_takeover'`,
			apply:  `ALTER TABLE messages ADD COLUMN pre_takeover INTEGER NOT NULL DEFAULT 0`,
			column: "pre_takeover",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'actor'`,
			apply:  `ALTER TABLE messages ADD COLUMN actor TEXT`,
			column: "actor",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	return nil
}

// Ping verifies the database connection is alive. Used by readiness probes.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation creates a new conversation.
// An empty Mode defaults to ModeAIManaged.
// Returns ErrDuplicateConversation if the ID is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	mode := conv.Mode
	if mode == "" {
		mode = ModeAIManaged
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}

	query := `
		INSERT INTO conversations (id, property_id, mode, lead_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.PropertyID,
		string(mode),
		nullString(conv.LeadID),
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "property_id", conv.PropertyID)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, property_id, mode, lead_id, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var mode string
	var leadID sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(&conv.ID, &conv.PropertyID, &mode, &leadID, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Mode = Mode(mode)
	if leadID.Valid {
		conv.LeadID = leadID.String
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// UpdateMode sets the conversation's mode.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateMode(ctx context.Context, id string, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}

	query := `UPDATE conversations SET mode = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(mode),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating mode: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated mode", "id", id, "mode", mode)
	return nil
}

// ListConversations retrieves conversations for a property ordered by most
// recent activity. If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, propertyID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, property_id, mode, lead_id, created_at, updated_at
		FROM conversations
		WHERE property_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, propertyID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// AppendMessage appends a message to a conversation's log, assigning the next
// sequence number atomically. The INSERT computes seq from the current maximum
// in the same statement, and the UNIQUE (conversation_id, seq) index rejects
// any write that would not be strictly increasing.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.Role != RoleVisitor && msg.Role != RoleAssistant && msg.Role != RoleSystem {
		return fmt.Errorf("invalid role %q", msg.Role)
	}

	// Conversation must exist (the foreign key also guards this, but the
	// explicit check gives callers ErrNotFound instead of a driver error)
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, seq, role, content, actor, pre_takeover, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		FROM messages
		WHERE conversation_id = ?
	`

	// Two concurrent appends can race on MAX(seq)+1; the UNIQUE index rejects
	// the loser, which simply retries with a fresh maximum.
	const maxAttempts = 5
	for attempt := 1; ; attempt++ {
		_, err = s.db.ExecContext(ctx, query,
			msg.ID,
			msg.ConversationID,
			msg.Role,
			msg.Content,
			nullString(msg.Actor),
			boolToInt(msg.PreTakeover),
			msg.CreatedAt.UTC().Format(time.RFC3339Nano),
			msg.ConversationID,
		)
		if err == nil {
			break
		}
		if isConstraintViolation(err) && attempt < maxAttempts {
			continue
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	// Read back the assigned seq so callers see the authoritative order
	err = s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages WHERE id = ?`, msg.ID,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("reading assigned seq: %w", err)
	}

	// Touch the conversation so listings sort by activity
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", msg.Seq,
		"role", msg.Role)
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetMessages retrieves messages for a conversation in ascending seq order.
// If limit is positive, only the most recent `limit` messages are returned
// (still ascending). If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	return getMessages(ctx, s.db, conversationID, limit)
}

// querier abstracts sql.DB and sql.Tx for shared query logic
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getMessages(ctx context.Context, q querier, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, seq, role, content, actor, pre_takeover, created_at
			FROM (
				SELECT id, conversation_id, seq, role, content, actor, pre_takeover, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, seq, role, content, actor, pre_takeover, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var actor sql.NullString
		var preTakeover int
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role,
			&msg.Content, &actor, &preTakeover, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if actor.Valid {
			msg.Actor = actor.String
		}
		msg.PreTakeover = preTakeover != 0

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// GetSession reads the conversation and its full message history in a single
// read transaction so mode and messages are a consistent snapshot.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("beginning session read: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, property_id, mode, lead_id, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, conversationID))
	if err != nil {
		return nil, err
	}

	messages, err := getMessages(ctx, tx, conversationID, 0)
	if err != nil {
		return nil, err
	}

	return &Session{Conversation: conv, Messages: messages}, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
