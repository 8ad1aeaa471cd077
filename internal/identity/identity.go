// Package identity assigns each browser an anonymous owner id.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/docchat/internal/domain"
)

const (
	// CookieName holds the owner id on the client.
	CookieName = "docchat_owner"

	cookieMaxAge  = 30 * 24 * time.Hour
	touchInterval = 5 * time.Minute
)

type contextKey int

const ownerIDKey contextKey = iota

var ownerIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// OwnerStore is the slice of the repository the middleware needs.
type OwnerStore interface {
	GetOwner(ctx context.Context, ownerID string) (*domain.Owner, error)
	UpsertOwner(ctx context.Context, owner *domain.Owner) error
	TouchOwner(ctx context.Context, ownerID string, seen time.Time) error
}

// OwnerIDFromContext extracts the owner id from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwnerID returns a copy of ctx carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// NewOwnerID returns a random anonymous owner id.
func NewOwnerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate owner id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// IsValidOwnerID reports whether id has the anonymous owner id shape.
func IsValidOwnerID(id string) bool {
	return ownerIDPattern.MatchString(id)
}

func displayName(ownerID string) string {
	if len(ownerID) > 13 {
		return "guest-" + ownerID[len(ownerID)-6:]
	}
	return "guest"
}

func ensureOwner(ctx context.Context, owners OwnerStore, ownerID string, now time.Time) error {
	owner, err := owners.GetOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	if owner == nil {
		return owners.UpsertOwner(ctx, &domain.Owner{
			OwnerID:    ownerID,
			Username:   displayName(ownerID),
			LastSeenAt: now,
			CreatedAt:  now,
		})
	}
	if owner.IdleFor(now) < touchInterval {
		return nil
	}
	return owners.TouchOwner(ctx, ownerID, now)
}

func ownerCookie(id string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, `{"success":false,"error":%q}`, msg)
}

// Middleware resolves or issues the owner cookie, makes sure the owner row
// exists and stores the owner id in the request context.
// The cookie is refreshed on every request so active owners never expire.
func Middleware(owners OwnerStore, secureCookie bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := ""
			if c, err := r.Cookie(CookieName); err == nil && IsValidOwnerID(c.Value) {
				ownerID = c.Value
			} else {
				id, err := NewOwnerID()
				if err != nil {
					slog.Error("failed to generate owner id", "error", err)
					writeError(w, "failed to establish identity")
					return
				}
				ownerID = id
			}
			http.SetCookie(w, ownerCookie(ownerID, secureCookie))

			if err := ensureOwner(r.Context(), owners, ownerID, time.Now()); err != nil {
				slog.Error("failed to record owner", "owner_id", ownerID, "error", err)
				writeError(w, "failed to initialize owner")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// ClientIP returns the remote host of r without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
