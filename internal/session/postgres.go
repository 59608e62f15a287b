package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const sessionTable = "gateway_sessions"

// PostgresStore persists sessions in PostgreSQL. Expiry is a sliding
// expires_at column refreshed on every read; expired rows are removed lazily
// when touched.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore connects to PostgreSQL, verifies the connection and
// ensures the session table exists.
func NewPostgresStore(ctx context.Context, dsn string, ttl time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	store := &PostgresStore{db: db, ttl: ttl}
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`, sessionTable)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres store: create session table: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, user *auth.User, bearerToken string) (string, error) {
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
		return "", fmt.Errorf("postgres store: marshal session: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s (id, payload, expires_at) VALUES ($1, $2, $3)", sessionTable)
	if _, err = s.db.ExecContext(ctx, query, id, payload, now.Add(s.ttl)); err != nil {
		return "", fmt.Errorf("postgres store: create session: %w", err)
	}
	return id, nil
}

// Get implements Store. A hit slides expires_at forward by the full TTL.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	var payload []byte
	var expiresAt time.Time
	query := fmt.Sprintf("SELECT payload, expires_at FROM %s WHERE id = $1", sessionTable)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session: %w", err)
	}

	now := time.Now()
	if now.After(expiresAt) {
		del := fmt.Sprintf("DELETE FROM %s WHERE id = $1", sessionTable)
		_, _ = s.db.ExecContext(ctx, del, id)
		return nil, nil
	}

	var sess Session
	if err = json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal session: %w", err)
	}
	sess.LastAccessedAt = now

	if updated, errMarshal := json.Marshal(&sess); errMarshal == nil {
		upd := fmt.Sprintf("UPDATE %s SET payload = $1, expires_at = $2 WHERE id = $3", sessionTable)
		_, _ = s.db.ExecContext(ctx, upd, updated, now.Add(s.ttl), id)
	}
	return &sess, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", sessionTable)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("postgres store: delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Name implements Store.
func (s *PostgresStore) Name() string { return "postgres" }

// Close implements Store.
func (s *PostgresStore) Close() error { return s.db.Close() }
