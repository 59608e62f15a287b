// Package session provides authenticated-session storage for the Fabric Agent
// Gateway. The durable Redis backend is the source of truth when available so
// multiple stateless server instances can share sessions; a Postgres backend
// covers deployments that already run a database; the in-process fallback is
// instance-local and must not be used behind a load balancer.
package session

import (
	"context"
	"time"

	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
)

// Session is one authenticated user session.
type Session struct {
	ID             string     `json:"id"`
	User           *auth.User `json:"user"`
	BearerToken    string     `json:"bearer_token,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed"`
}

// Store maps opaque session identifiers to session state with expiry.
//
// Get returns (nil, nil) for a missing or expired session. Every successful
// Get bumps LastAccessedAt; durable backends additionally re-apply the full
// TTL (sliding expiration).
type Store interface {
	// Create persists a new session for user and returns its identifier.
	// bearerToken may be empty when the server credential is used instead.
	Create(ctx context.Context, user *auth.User, bearerToken string) (string, error)
	// Get fetches a session by ID, refreshing its last-accessed timestamp.
	Get(ctx context.Context, id string) (*Session, error)
	// Delete removes a session, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Name identifies the backend for health output and logs.
	Name() string
	// Close releases backend resources.
	Close() error
}
