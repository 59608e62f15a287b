package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
)

// MemoryStore keeps sessions in a process-local map guarded by a mutex.
// Expired entries are evicted on read. Sessions do not survive restarts and
// are not shared across instances; deployments with more than one server
// instance must configure Redis or Postgres instead.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore builds an in-process store with the given session lifetime.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, user *auth.User, bearerToken string) (string, error) {
	id := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &Session{
		ID:             id,
		User:           user,
		BearerToken:    bearerToken,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	return id, nil
}

// Get implements Store. Expired sessions are deleted and reported as missing.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	now := s.now()
	if now.After(sess.CreatedAt.Add(s.ttl)) {
		delete(s.sessions, id)
		return nil, nil
	}
	sess.LastAccessedAt = now

	copied := *sess
	return &copied, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	return true, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Name implements Store.
func (s *MemoryStore) Name() string { return "memory" }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
