// Package store is the relational store behind Convoy's pipeline: users,
// sessions, conversations, messages and app connections (§3, §6).
package store

import (
	"context"
	"errors"

	"github.com/convoyhq/convoy/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup by ID finds no row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on a unique-constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)

// UserStore persists User records.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// SessionStore persists Session records, including the single-slot rolling
// ConversationSummary attached to each session (§3).
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	TouchSession(ctx context.Context, id string) error
	UpdateSessionSummary(ctx context.Context, id string, summary *models.ConversationSummary) error
}

// ConversationStore persists Conversation records. Exactly one conversation
// per session is "current": the most recently created.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetCurrentConversation(ctx context.Context, sessionID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, sessionID string, limit int) ([]*models.Conversation, error)
}

// MessageStore persists append-only Message records within a conversation.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
}

// ConnectionStore persists AppConnection records and their status
// transitions (§4.8).
type ConnectionStore interface {
	CreateConnection(ctx context.Context, conn *models.AppConnection) error
	GetConnection(ctx context.Context, id string) (*models.AppConnection, error)
	GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) error
	ListUserConnections(ctx context.Context, userID string) ([]*models.AppConnection, error)
	// ListActiveOlderThanSeconds returns ACTIVE connections whose UpdatedAt
	// is older than the given age, for the reconciliation job (§4.8's
	// ACTIVE -> EXPIRED transition).
	ListActiveOlderThanSeconds(ctx context.Context, maxAgeSeconds int64) ([]*models.AppConnection, error)
}

// Store is the combined relational store contract every pipeline stage
// depends on.
type Store interface {
	UserStore
	SessionStore
	ConversationStore
	MessageStore
	ConnectionStore

	Close() error
}
