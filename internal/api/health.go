package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultHealthTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db, timeout: defaultHealthTimeout}
}

// Health returns the health status of the API and its database.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status := "healthy"
	code := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
