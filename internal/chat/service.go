// Package chat orchestrates sessions, documents and model calls.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/docchat/internal/document"
	"github.com/ashureev/docchat/internal/domain"
	"github.com/ashureev/docchat/internal/llm"
	"github.com/ashureev/docchat/internal/prompt"
	"github.com/ashureev/docchat/internal/store"
)

// FallbackReply is stored and returned when the model cannot answer.
const FallbackReply = "Sorry, I couldn't process your request right now."

var (
	ErrNotFound          = store.ErrNotFound
	ErrSessionExists     = store.ErrSessionExists
	ErrUnsupportedFormat = document.ErrUnsupportedFormat
	ErrExtraction        = document.ErrExtraction
	ErrEmptyMessage      = errors.New("message is empty")
)

// Extractor turns uploaded bytes into plain text.
type Extractor interface {
	ExtractText(data []byte, filename string) (string, error)
}

// FileStore keeps uploaded files for the lifetime of their session.
type FileStore interface {
	Save(sessionID, filename string, data []byte) (string, error)
	Remove(path string) error
}

// Service implements the chat operations exposed over HTTP and WebSocket.
type Service struct {
	repo      store.Repository
	extractor Extractor
	generator llm.Generator
	files     FileStore
	locks     *sessionLocks
}

// NewService creates a new chat service.
func NewService(repo store.Repository, extractor Extractor, generator llm.Generator, files FileStore) *Service {
	return &Service{
		repo:      repo,
		extractor: extractor,
		generator: generator,
		files:     files,
		locks:     newSessionLocks(),
	}
}

// NewChat creates an empty session. An empty requestedID allocates a fresh id.
func (s *Service) NewChat(ctx context.Context, ownerID, requestedID string) (*domain.Session, error) {
	sess, err := s.repo.CreateSession(ctx, ownerID, strings.TrimSpace(requestedID))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("chat created", "owner_id", ownerID, "session_id", sess.ID, "name", sess.Name)
	return sess, nil
}

// SendMessage asks the model about text, grounded on the session's document,
// and records the exchange. The reply is FallbackReply when the model fails.
func (s *Service) SendMessage(ctx context.Context, ownerID, sessionID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.repo.GetSession(ctx, sessionID, ownerID)
	if err != nil {
		return "", err
	}

	reply, err := s.generator.Generate(ctx, prompt.Compose(sess.DocumentText, text))
	if err != nil {
		slog.Warn("model call failed, using fallback reply",
			"session_id", sessionID, "owner_id", ownerID, "has_document", sess.HasDocument(), "error", err)
		reply = FallbackReply
	}

	// The exchange is recorded even if the caller went away mid-generation.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := s.repo.AppendMessage(persistCtx, sessionID, ownerID, domain.RoleUser, text); err != nil {
		return "", fmt.Errorf("failed to record user message: %w", err)
	}
	if _, err := s.repo.AppendMessage(persistCtx, sessionID, ownerID, domain.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("failed to record assistant reply: %w", err)
	}
	return reply, nil
}

// UploadDocument extracts text from a PDF and makes it the session's document.
// A rejected or unreadable upload leaves the previous document in place.
func (s *Service) UploadDocument(ctx context.Context, ownerID, sessionID, filename string, data []byte) error {
	if !document.IsPDF(filename) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	if _, err := s.repo.GetSession(ctx, sessionID, ownerID); err != nil {
		return err
	}

	path, err := s.files.Save(sessionID, filename, data)
	if err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}

	text, err := s.extractor.ExtractText(data, filename)
	if err != nil {
		s.release(sessionID, path)
		return err
	}

	previous, err := s.repo.AttachDocument(ctx, sessionID, ownerID, text, path)
	if err != nil {
		s.release(sessionID, path)
		return fmt.Errorf("failed to attach document: %w", err)
	}
	if previous != path {
		s.release(sessionID, previous)
	}

	slog.Info("document attached", "session_id", sessionID, "owner_id", ownerID, "filename", filename, "chars", len(text))
	return nil
}

// RemoveDocument detaches the session's document. Removing when none is attached succeeds.
func (s *Service) RemoveDocument(ctx context.Context, ownerID, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	path, err := s.repo.ClearDocument(ctx, sessionID, ownerID)
	if err != nil {
		return err
	}
	s.release(sessionID, path)

	slog.Info("document removed", "session_id", sessionID, "owner_id", ownerID)
	return nil
}

// DeleteChat removes the session, its history and its stored document.
func (s *Service) DeleteChat(ctx context.Context, ownerID, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	path, err := s.repo.DeleteSession(ctx, sessionID, ownerID)
	if err != nil {
		return err
	}
	s.release(sessionID, path)

	slog.Info("chat deleted", "session_id", sessionID, "owner_id", ownerID)
	return nil
}

// History returns the session's messages in the order they were recorded.
func (s *Service) History(ctx context.Context, ownerID, sessionID string) ([]domain.Message, error) {
	return s.repo.History(ctx, sessionID, ownerID)
}

// ListSessions returns the owner's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, ownerID string) ([]domain.SessionSummary, error) {
	return s.repo.ListSessions(ctx, ownerID)
}

func (s *Service) release(sessionID, path string) {
	if path == "" {
		return
	}
	if err := s.files.Remove(path); err != nil {
		slog.Warn("failed to release stored document", "session_id", sessionID, "path", path, "error", err)
	}
}
