package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/docchat/internal/domain"
	"github.com/ashureev/docchat/internal/identity"
)

const multipartMemory = 8 << 20

// ChatService is the controller surface used by the HTTP handlers.
type ChatService interface {
	NewChat(ctx context.Context, ownerID, requestedID string) (*domain.Session, error)
	SendMessage(ctx context.Context, ownerID, sessionID, text string) (string, error)
	UploadDocument(ctx context.Context, ownerID, sessionID, filename string, data []byte) error
	RemoveDocument(ctx context.Context, ownerID, sessionID string) error
	DeleteChat(ctx context.Context, ownerID, sessionID string) error
	History(ctx context.Context, ownerID, sessionID string) ([]domain.Message, error)
	ListSessions(ctx context.Context, ownerID string) ([]domain.SessionSummary, error)
}

// SessionCloser drops live connections of a deleted chat.
type SessionCloser interface {
	CloseSession(sessionID string)
}

// ChatHandler handles the chat endpoints.
type ChatHandler struct {
	svc            ChatService
	sockets        SessionCloser
	maxUploadBytes int64
}

// NewChatHandler creates a new chat handler. sockets may be nil.
func NewChatHandler(svc ChatService, sockets SessionCloser, maxUploadBytes int64) *ChatHandler {
	return &ChatHandler{svc: svc, sockets: sockets, maxUploadBytes: maxUploadBytes}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/new_chat", h.NewChat)
	r.Post("/chat", h.Chat)
	r.Post("/upload", h.Upload)
	r.Get("/history/{session_id}", h.History)
	r.Get("/get_history/{session_id}", h.History)
	r.Post("/delete_chat", h.DeleteChat)
	r.Post("/remove_document", h.RemoveDocument)
	r.Get("/sessions", h.Sessions)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type historyEntry struct {
	Role domain.Role `json:"role"`
	Text string      `json:"text"`
}

// NewChat creates an empty chat session.
func (h *ChatHandler) NewChat(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := h.svc.NewChat(r.Context(), identity.OwnerIDFromContext(r.Context()), req.SessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": sess.ID,
		"name":       sess.Name,
	})
}

// Chat answers a user message.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req, false); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	reply, err := h.svc.SendMessage(r.Context(), identity.OwnerIDFromContext(r.Context()), req.SessionID, req.Message)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "response": reply})
}

// Upload attaches a PDF to a session.
func (h *ChatHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		Error(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Debug("failed to remove multipart temp files", "error", err)
		}
	}()

	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Filename == "" {
		Error(w, http.StatusBadRequest, "No file selected")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	ownerID := identity.OwnerIDFromContext(r.Context())
	if err := h.svc.UploadDocument(r.Context(), ownerID, sessionID, header.Filename, data); err != nil {
		writeServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "File uploaded and processed"})
}

// History returns the session's messages as [{role, text}].
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	messages, err := h.svc.History(r.Context(), identity.OwnerIDFromContext(r.Context()), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	entries := make([]historyEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, historyEntry{Role: m.Role, Text: m.Text})
	}
	JSON(w, http.StatusOK, entries)
}

// DeleteChat deletes a session and disconnects its sockets.
func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionFromBody(w, r)
	if !ok {
		return
	}

	if err := h.svc.DeleteChat(r.Context(), identity.OwnerIDFromContext(r.Context()), sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if h.sockets != nil {
		h.sockets.CloseSession(sessionID)
	}

	JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RemoveDocument detaches the session's document.
func (h *ChatHandler) RemoveDocument(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionFromBody(w, r)
	if !ok {
		return
	}

	if err := h.svc.RemoveDocument(r.Context(), identity.OwnerIDFromContext(r.Context()), sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Document removed for session"})
}

// Sessions lists the caller's sessions, newest first.
func (h *ChatHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.ListSessions(r.Context(), identity.OwnerIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *ChatHandler) sessionFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req sessionRequest
	if err := decodeBody(r, &req, false); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return "", false
	}
	return req.SessionID, true
}
