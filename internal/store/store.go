// ABOUTME: Store interface and data types for gateway persistence
// ABOUTME: Defines Session and Message records and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Session is the durable record of one conversation.
type Session struct {
	Key            string
	Label          string
	Model          string
	Project        string
	Channel        string
	WorktreeBranch string
	Unread         bool
	MessageCount   int
	Revision       int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a single history entry. History is append-only; a message is
// never mutated once saved.
type Message struct {
	ID           string
	SessionKey   string
	Role         string // "user", "assistant", "tool"
	Content      string
	ToolCallID   string // for role "tool": the originating tool call
	ToolName     string
	InputTokens  int64
	OutputTokens int64
	CreatedAt    time.Time
}

// Store defines the persistence interface for sessions and messages.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, key string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, key string) error
	ListSessions(ctx context.Context) ([]*Session, error)

	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, sessionKey string, limit int) ([]*Message, error)
	DeleteMessages(ctx context.Context, sessionKey string) error

	Close() error
}
