// Package models holds the core domain entities shared across the
// orchestration pipeline: users, sessions, conversations, messages,
// app connections and the per-turn analysis record.
package models

import "time"

// User is an authenticated actor on whose behalf tool calls are made.
// Id is opaque and immutable; Email, when set, is unique across users.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a durable container for one user's conversations and the
// rolling ConversationSummary attached to it.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Token          string            `json:"token,omitempty"`
	Active         bool              `json:"active"`
	Summary        *ConversationSummary `json:"summary,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Conversation groups the messages of a single thread within a session.
// Exactly one conversation is "current": the most recently created.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
