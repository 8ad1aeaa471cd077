// Package domain contains core domain types for the docchat application.
package domain

import (
	"time"
)

// Owner is the identity a chat session belongs to.
type Owner struct {
	OwnerID    string    `json:"owner_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// IdleFor returns how long the owner has been inactive.
// Returns 0 if the owner was seen in the future (clock skew).
func (o *Owner) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(o.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
