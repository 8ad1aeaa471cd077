package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/coder/websocket"

	"github.com/ashureev/docchat/internal/chat"
	"github.com/ashureev/docchat/internal/domain"
	"github.com/ashureev/docchat/internal/identity"
)

const readLimit = 64 << 10

// ChatService is the part of the controller the socket needs.
type ChatService interface {
	SendMessage(ctx context.Context, ownerID, sessionID, text string) (string, error)
	History(ctx context.Context, ownerID, sessionID string) ([]domain.Message, error)
}

// Handler upgrades GET /ws/chat?session_id=... and answers one frame per message.
type Handler struct {
	svc            ChatService
	registry       *Registry
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates a new WebSocket chat handler.
func NewHandler(svc ChatService, registry *Registry, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{
		svc:            svc,
		registry:       registry,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

type inbound struct {
	Message string `json:"message"`
}

type outbound struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(outbound{Error: msg})
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	slog.Info("chat socket requested", "owner_id", ownerID, "session_id", sessionID, "ip", identity.ClientIP(r))

	if sessionID == "" {
		httpError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if !h.checkOrigin(r) {
		httpError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if _, err := h.svc.History(r.Context(), ownerID, sessionID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Session not found")
			return
		}
		slog.Error("failed to load session for socket", "session_id", sessionID, "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "owner_id", ownerID, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "session_id", sessionID, "error", closeErr)
		}
	}()
	ws.SetReadLimit(readLimit)

	h.registry.Register(ownerID, sessionID, ws)
	defer h.registry.Unregister(sessionID, ws)

	h.readLoop(r.Context(), ws, ownerID, sessionID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, ownerID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("chat socket closed by peer", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Debug("chat socket read ended", "session_id", sessionID, "error", err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			if !h.write(ctx, ws, outbound{Error: "invalid message frame"}) {
				return
			}
			continue
		}

		reply, err := h.svc.SendMessage(ctx, ownerID, sessionID, in.Message)
		switch {
		case err == nil:
			if !h.write(ctx, ws, outbound{Success: true, Response: reply}) {
				return
			}
		case errors.Is(err, chat.ErrEmptyMessage):
			if !h.write(ctx, ws, outbound{Error: "message is required"}) {
				return
			}
		case errors.Is(err, chat.ErrNotFound):
			h.write(ctx, ws, outbound{Error: "Session not found"})
			return
		default:
			slog.Error("chat socket message failed", "session_id", sessionID, "owner_id", ownerID, "error", err)
			if !h.write(ctx, ws, outbound{Error: "internal error"}) {
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, frame outbound) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("chat socket write failed", "error", err)
		return false
	}
	return true
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("chat socket origin rejected", "origin", origin)
	return false
}
