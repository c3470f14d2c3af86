package models

import "time"

// ConnectionStatus is a state in the per-(user,app) authorization state
// machine described in §4.8: INITIATED -> ACTIVE/FAILED,
// ACTIVE -> INACTIVE/EXPIRED, INACTIVE/EXPIRED -> INITIATED.
type ConnectionStatus string

const (
	ConnectionInitiated ConnectionStatus = "INITIATED"
	ConnectionActive    ConnectionStatus = "ACTIVE"
	ConnectionInactive  ConnectionStatus = "INACTIVE"
	ConnectionFailed    ConnectionStatus = "FAILED"
	ConnectionExpired   ConnectionStatus = "EXPIRED"
)

// Usable reports whether a connection in this status may be offered to the
// router as authorizing tool calls for its app (INITIATED is usable because
// the broker may complete the handshake lazily).
func (s ConnectionStatus) Usable() bool {
	return s == ConnectionInitiated || s == ConnectionActive
}

// CanTransitionTo reports whether moving from s to next is a legal
// transition in the registry's state machine. Transitions are idempotent:
// a status transitioning to itself is always legal.
func (s ConnectionStatus) CanTransitionTo(next ConnectionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case ConnectionInitiated:
		return next == ConnectionActive || next == ConnectionFailed
	case ConnectionActive:
		return next == ConnectionInactive || next == ConnectionExpired
	case ConnectionInactive, ConnectionExpired:
		return next == ConnectionInitiated
	default:
		return false
	}
}

// AppConnection binds a user to a broker account for a named app. Unique
// per (UserID, AppName).
type AppConnection struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	AppName          string           `json:"app_name"`
	ConnectedAccountID string         `json:"connected_account_id"`
	Status           ConnectionStatus `json:"status"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
