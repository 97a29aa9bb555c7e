// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Mode identifies who is the authoritative producer of assistant replies.
type Mode string

const (
	// ModeAIManaged means the automated assistant answers visitor messages.
	ModeAIManaged Mode = "ai_managed"
	// ModeHumanManaged means a human operator has taken over the conversation.
	ModeHumanManaged Mode = "human_managed"
)

// Valid reports whether m is one of the two known modes.
func (m Mode) Valid() bool {
	return m == ModeAIManaged || m == ModeHumanManaged
}

// Role constants for message authorship
const (
	RoleVisitor   = "visitor"
	RoleAssistant = "assistant" // AI-authored and operator-authored replies share this role
	RoleSystem    = "system"    // mode-transition markers
)

// Conversation is a visitor chat session scoped to a property (tenant).
// A new conversation always starts in ModeAIManaged.
type Conversation struct {
	ID         string
	PropertyID string
	Mode       Mode
	LeadID     string // optional weak reference to a lead record
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is a single entry in a conversation's append-only log.
// Seq is server-assigned, strictly increasing per conversation, and is the
// ordering authority — clients must never reorder.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           string
	Content        string
	Actor          string // operator id or "system" for system messages, empty otherwise
	PreTakeover    bool   // assistant reply whose generation started before a takeover landed
	CreatedAt      time.Time
}

// Session is a consistent snapshot of a conversation: current mode plus the
// full ordered message history, read in a single transaction.
type Session struct {
	Conversation *Conversation
	Messages     []*Message
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateMode(ctx context.Context, id string, mode Mode) error
	ListConversations(ctx context.Context, propertyID string, limit int) ([]*Conversation, error)

	// Messages (append-only)
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// GetSession reads mode and messages in one consistent snapshot
	GetSession(ctx context.Context, conversationID string) (*Session, error)

	// Close releases any resources held by the store
	Close() error
}
