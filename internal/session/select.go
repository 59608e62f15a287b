package session

import (
	"context"
	"time"

	"github.com/ingage-labs/fabric-agent-gateway/internal/config"
	log "github.com/sirupsen/logrus"
)

// SelectStore picks the session backend once at startup: Redis when
// configured and reachable, else Postgres when a DSN is set, else the
// in-process map. The durable backends are preferred because in-process
// sessions cannot be shared across server instances.
func SelectStore(ctx context.Context, cfg *config.Config) Store {
	ttl := time.Duration(cfg.SessionExpiryHours) * time.Hour

	if cfg.Redis.Configured() {
		store, err := NewRedisStore(ctx, RedisOptions{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			TLS:      cfg.Redis.TLS,
		}, ttl)
		if err == nil {
			log.Info("session store: using Redis backend")
			return store
		}
		log.Warnf("session store: Redis unavailable, falling back: %v", err)
	}

	if cfg.PostgresDSN != "" {
		store, err := NewPostgresStore(ctx, cfg.PostgresDSN, ttl)
		if err == nil {
			log.Info("session store: using Postgres backend")
			return store
		}
		log.Warnf("session store: Postgres unavailable, falling back: %v", err)
	}

	log.Warn("session store: no durable backend configured, using in-memory sessions")
	log.Warn("session store: in-memory sessions will NOT work with multiple instances")
	return NewMemoryStore(ttl)
}
