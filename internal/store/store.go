// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/docchat/internal/domain"
)

var (
	// ErrNotFound is returned when a session does not exist or belongs to another owner.
	ErrNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a caller-supplied session id is already taken.
	ErrSessionExists = errors.New("session already exists")
)

// Repository defines the interface for persisting owners, sessions and messages.
//
// Every session accessor takes the owner id and treats a foreign session
// exactly like a missing one.
type Repository interface {
	// GetOwner retrieves an owner by id. Returns nil, nil if absent.
	GetOwner(ctx context.Context, ownerID string) (*domain.Owner, error)

	// UpsertOwner creates or updates an owner record.
	UpsertOwner(ctx context.Context, owner *domain.Owner) error

	// TouchOwner updates the last_seen_at timestamp for an owner.
	TouchOwner(ctx context.Context, ownerID string, seen time.Time) error

	// CreateSession creates an empty session. An empty id allocates a fresh one.
	CreateSession(ctx context.Context, ownerID, sessionID string) (*domain.Session, error)

	// GetSession retrieves a session owned by ownerID.
	GetSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error)

	// ListSessions returns the owner's sessions, newest first.
	ListSessions(ctx context.Context, ownerID string) ([]domain.SessionSummary, error)

	// AppendMessage appends a message stamped with the current time.
	AppendMessage(ctx context.Context, sessionID, ownerID string, role domain.Role, text string) (*domain.Message, error)

	// History returns the session's messages in arrival order.
	History(ctx context.Context, sessionID, ownerID string) ([]domain.Message, error)

	// AttachDocument replaces the session's document and returns the replaced file path.
	AttachDocument(ctx context.Context, sessionID, ownerID, text, path string) (string, error)

	// ClearDocument empties the session's document and returns the released file path.
	ClearDocument(ctx context.Context, sessionID, ownerID string) (string, error)

	// DeleteSession removes the session with its messages and returns its file path.
	DeleteSession(ctx context.Context, sessionID, ownerID string) (string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
