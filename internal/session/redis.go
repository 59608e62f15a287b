package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "session:"

// RedisStore persists sessions in Redis with a sliding TTL, so sessions are
// shared across all server instances and expiry is enforced by the backend.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions configures the Redis connection. URL takes precedence over the
// discrete fields.
type RedisOptions struct {
	URL      string
	Addr     string
	Password string
	TLS      bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions, ttl time.Duration) (*RedisStore, error) {
	var client *redis.Client
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("redis store: parse URL: %w", err)
		}
		client = redis.NewClient(parsed)
	} else {
		ropts := &redis.Options{Addr: opts.Addr, Password: opts.Password}
		if opts.TLS {
			ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewClient(ropts)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, user *auth.User, bearerToken string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	sess := &Session{
		ID:             id,
		User:           user,
		BearerToken:    bearerToken,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("redis store: marshal session: %w", err)
	}
	if err = s.client.Set(ctx, redisKeyPrefix+id, payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis store: create session: %w", err)
	}
	return id, nil
}

// Get implements Store. The full TTL is re-applied on every hit so an active
// session slides forward; Redis expiry handles eviction.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get session: %w", err)
	}

	var sess Session
	if err = json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("redis store: unmarshal session: %w", err)
	}

	sess.LastAccessedAt = time.Now()
	if updated, errMarshal := json.Marshal(&sess); errMarshal == nil {
		_ = s.client.Set(ctx, redisKeyPrefix+id, updated, s.ttl).Err()
	}
	return &sess, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	n, err := s.client.Del(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis store: delete session: %w", err)
	}
	return n > 0, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Name implements Store.
func (s *RedisStore) Name() string { return "redis" }

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }
