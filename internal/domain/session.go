package domain

import (
	"time"
)

// Role identifies the sender of a chat message.
type Role string

const (
	// RoleUser marks a message typed by the session owner.
	RoleUser Role = "user"
	// RoleAssistant marks a reply produced by the model (or the fallback text).
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Session is a single conversation owned by one identity.
type Session struct {
	ID           string    `json:"session_id"`
	OwnerID      string    `json:"-"`
	Name         string    `json:"name"`
	DocumentText string    `json:"-"`
	DocumentPath string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasDocument returns true if document text is attached to the session.
func (s *Session) HasDocument() bool {
	return s.DocumentText != ""
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID   string `json:"session_id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Message is one immutable entry of a session's history.
type Message struct {
	ID        int64     `json:"-"`
	SessionID string    `json:"-"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"-"`
}
