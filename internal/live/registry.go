// Package live serves chat over WebSocket.
package live

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks open sockets per chat session so they can be closed
// when the session goes away.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]string // session id -> conn -> owner id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[*websocket.Conn]string),
	}
}

// Register records conn as attached to sessionID.
func (r *Registry) Register(ownerID, sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.active[sessionID]
	if !ok {
		conns = make(map[*websocket.Conn]string)
		r.active[sessionID] = conns
	}
	conns[conn] = ownerID
	slog.Info("chat socket registered", "owner_id", ownerID, "session_id", sessionID, "open", len(conns))
}

// Unregister forgets conn. Unknown connections are ignored.
func (r *Registry) Unregister(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.active[sessionID]
	if !ok {
		return
	}
	if _, exists := conns[conn]; !exists {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.active, sessionID)
	}
	slog.Info("chat socket unregistered", "session_id", sessionID)
}

// CloseSession closes every socket attached to sessionID.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	conns := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()

	for conn, ownerID := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "chat deleted")
		slog.Info("chat socket closed", "owner_id", ownerID, "session_id", sessionID)
	}
}

// Count returns the number of open sockets for sessionID.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active[sessionID])
}
