// Package api provides the HTTP surface of the Fabric Agent Gateway: session
// endpoints under /auth, the query endpoints, and the health probe. All
// remote-agent failures are classified and returned as structured payloads;
// only a missing or expired session surfaces as a genuine 401.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ingage-labs/fabric-agent-gateway/internal/config"
	"github.com/ingage-labs/fabric-agent-gateway/internal/fabric"
	"github.com/ingage-labs/fabric-agent-gateway/internal/logging"
	"github.com/ingage-labs/fabric-agent-gateway/internal/session"
	log "github.com/sirupsen/logrus"
)

// SessionCookieName is the HTTP cookie carrying the session identifier.
const SessionCookieName = "fabric_session_id"

// Server wires the gin engine, the session store and the fabric client.
type Server struct {
	cfg    *config.Config
	store  session.Store
	client *fabric.Client
	engine *gin.Engine
}

// NewServer builds the engine with logging, recovery and CORS middleware and
// registers all routes.
func NewServer(cfg *config.Config, store session.Store, client *fabric.Client) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	engine.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &Server{cfg: cfg, store: store, client: client, engine: engine}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.Health)

	authGroup := s.engine.Group("/auth")
	authGroup.POST("/login", s.Login)
	authGroup.POST("/client-login", s.ClientLogin)
	authGroup.GET("/status", s.AuthStatus)
	authGroup.POST("/logout", s.Logout)
	authGroup.GET("/user", s.AuthUser)

	s.engine.POST("/query", s.Query)
	s.engine.POST("/query/detailed", s.QueryDetailed)
}

// Engine exposes the underlying gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run starts the HTTP server on the configured port.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Infof("starting Fabric Agent Gateway on %s", addr)
	return s.engine.Run(addr)
}

// sessionTTL returns the configured expiry window.
func (s *Server) sessionTTL() time.Duration {
	return time.Duration(s.cfg.SessionExpiryHours) * time.Hour
}

// setSessionCookie attaches the session cookie with the full expiry window.
func (s *Server) setSessionCookie(c *gin.Context, sessionID string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, sessionID, int(s.sessionTTL().Seconds()), "/", "", c.Request.TLS != nil, true)
}

// clearSessionCookie removes the session cookie.
func (s *Server) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, "", -1, "/", "", c.Request.TLS != nil, true)
}

// corsMiddleware allows the configured origins with credentials. Preflight
// requests are answered directly.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
