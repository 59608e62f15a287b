package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
	"github.com/ingage-labs/fabric-agent-gateway/internal/buildinfo"
	"github.com/ingage-labs/fabric-agent-gateway/internal/fabric"
	"github.com/ingage-labs/fabric-agent-gateway/internal/logging"
	"github.com/ingage-labs/fabric-agent-gateway/internal/session"
	log "github.com/sirupsen/logrus"
)

type conversationMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type queryRequest struct {
	Query               string                `json:"query" binding:"required,min=1,max=1000"`
	IncludeDetails      bool                  `json:"include_details"`
	ConversationHistory []conversationMessage `json:"conversation_history"`
}

type clientAuthRequest struct {
	AccessToken string `json:"access_token" binding:"required,min=1"`
	FabricToken string `json:"fabric_token"`
}

// Health reports service and dependency status.
func (s *Server) Health(c *gin.Context) {
	storeOK := s.store.Ping(c.Request.Context()) == nil
	status := "healthy"
	if s.client == nil || !storeOK {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                    status,
		"version":                   buildinfo.Version,
		"fabric_client_initialized": s.client != nil,
		"session_store":             s.store.Name(),
		"tenant_id":                 s.cfg.MaskedTenantID(),
	})
}

// Login authenticates with the server-held credential (service principal or
// the delegated device-code flow), looks up the signed-in identity and
// creates a session backed by the server credential.
func (s *Server) Login(c *gin.Context) {
	ctx := c.Request.Context()

	user, err := auth.CurrentUser(ctx, http.DefaultClient, s.client.Provider())
	if err != nil {
		log.Warnf("login failed: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "Authentication failed. Please try again.",
		})
		return
	}

	sessionID, err := s.store.Create(ctx, user, "")
	if err != nil {
		log.Errorf("session create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to create session."})
		return
	}
	s.setSessionCookie(c, sessionID)

	log.WithField("user", user.Email).Info("login successful")
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Authentication successful",
		"user":       user,
		"session_id": sessionID,
	})
}

// ClientLogin accepts tokens obtained by a frontend. The access token is
// validated against the Graph "me" endpoint; when Graph rejects it (a
// Fabric-scoped token cannot call Graph) identity falls back to the token's
// own claims. The Fabric token, when supplied, becomes the session's bearer
// token for subsequent queries; otherwise the access token is used for both.
func (s *Server) ClientLogin(c *gin.Context) {
	var body clientAuthRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "message": "access_token is required"})
		return
	}
	ctx := c.Request.Context()

	bearer := body.FabricToken
	if bearer == "" {
		bearer = body.AccessToken
	}

	user, err := auth.UserFromGraph(ctx, http.DefaultClient, body.AccessToken)
	if err != nil {
		log.Debugf("Graph lookup failed, decoding token claims instead: %v", err)
		claims, claimsErr := auth.ParseTokenClaims(bearer)
		if claimsErr != nil {
			claims, claimsErr = auth.ParseTokenClaims(body.AccessToken)
		}
		if claimsErr != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Could not validate the supplied token."})
			return
		}
		user = claims.User()
	}

	sessionID, err := s.store.Create(ctx, user, bearer)
	if err != nil {
		log.Errorf("session create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to create session."})
		return
	}
	s.setSessionCookie(c, sessionID)

	log.WithField("user", user.Email).Info("client login successful")
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Authentication successful",
		"user":       user,
		"session_id": sessionID,
	})
}

// AuthStatus reports whether the caller holds a live session. It never
// returns 401; absence of a session is a normal answer here.
func (s *Server) AuthStatus(c *gin.Context) {
	sess := s.currentSession(c)
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "user": nil, "session_id": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user":          sess.User,
		"session_id":    sess.ID,
	})
}

// Logout deletes the session, clears the cookie and discards any locally
// cached server credential so the next sign-in starts clean.
func (s *Server) Logout(c *gin.Context) {
	if id, err := c.Cookie(SessionCookieName); err == nil && id != "" {
		if _, errDel := s.store.Delete(c.Request.Context(), id); errDel != nil {
			log.Warnf("session delete failed: %v", errDel)
		}
	}
	s.clearSessionCookie(c)
	s.client.Provider().Logout()

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}

// AuthUser performs a fresh identity lookup for the session's credential.
func (s *Server) AuthUser(c *gin.Context) {
	sess := s.currentSession(c)
	if sess == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Not authenticated"})
		return
	}
	ctx := c.Request.Context()

	var user *auth.User
	var err error
	if sess.BearerToken != "" {
		user, err = auth.UserFromGraph(ctx, http.DefaultClient, sess.BearerToken)
	} else {
		user, err = auth.CurrentUser(ctx, http.DefaultClient, s.client.Provider())
	}
	if err != nil {
		log.Warnf("user lookup failed: %v", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "user": sess.User, "error": "Identity lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// Query relays a question to the data agent and returns only the new reply.
func (s *Server) Query(c *gin.Context) {
	sess, body, ok := s.beginQuery(c)
	if !ok {
		return
	}

	client := s.clientForSession(sess)
	response, err := client.Ask(c.Request.Context(), body.Query, fabric.AskOptions{History: toTurns(body.ConversationHistory)})
	if err != nil {
		s.writeQueryFailure(c, body.Query, err, gin.H{})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"response": response,
		"query":    body.Query,
	})
}

// QueryDetailed additionally returns run metadata, the recovered SQL
// statement and a data preview.
func (s *Server) QueryDetailed(c *gin.Context) {
	sess, body, ok := s.beginQuery(c)
	if !ok {
		return
	}

	client := s.clientForSession(sess)
	details, err := client.GetRunDetails(c.Request.Context(), body.Query, fabric.AskOptions{History: toTurns(body.ConversationHistory)})
	if err != nil {
		s.writeQueryFailure(c, body.Query, err, gin.H{
			"run_status": nil, "steps_count": nil, "messages_count": nil,
			"sql_query": nil, "data_preview": nil,
		})
		return
	}

	var sqlQuery interface{}
	if details.Extraction.RetrievalQuery != "" {
		sqlQuery = details.Extraction.RetrievalQuery
	} else if len(details.Extraction.Queries) > 0 {
		sqlQuery = details.Extraction.Queries[0]
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"response":       details.Response,
		"query":          body.Query,
		"run_status":     details.RunStatus,
		"steps_count":    len(details.Steps),
		"messages_count": len(details.Messages),
		"sql_query":      sqlQuery,
		"data_preview":   details.Extraction.BestPreview(),
	})
}

// beginQuery enforces the session requirement and validates the body.
func (s *Server) beginQuery(c *gin.Context) (*session.Session, *queryRequest, bool) {
	sess := s.currentSession(c)
	if sess == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Not authenticated. Please sign in."})
		return nil, nil, false
	}

	var body queryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"error":   "query must be between 1 and 1000 characters",
		})
		return nil, nil, false
	}
	return sess, &body, true
}

// clientForSession returns the fabric client to use for this caller: the
// caller-supplied bearer token always wins over the server credential. An
// expired caller token fails the query with an auth error rather than
// silently falling back to the server credential.
func (s *Server) clientForSession(sess *session.Session) *fabric.Client {
	if sess.BearerToken == "" {
		return s.client
	}
	var expiry time.Time
	if claims, err := auth.ParseTokenClaims(sess.BearerToken); err == nil {
		expiry = claims.ExpiresAt()
	}
	return s.client.WithToken(sess.BearerToken, expiry)
}

// writeQueryFailure converts a classified failure into the structured error
// payload. The HTTP status stays 200: a classified agent failure is a valid
// answer, not a server fault.
func (s *Server) writeQueryFailure(c *gin.Context, query string, err error, extra gin.H) {
	ce := fabric.ClassifyError(err)
	log.WithFields(log.Fields{
		"request_id": logging.GetGinRequestID(c),
		"category":   string(ce.Category),
	}).Errorf("query failed: %v", err)

	payload := gin.H{
		"success":  false,
		"response": ce.UserMessage(),
		"query":    query,
		"error":    ce.WireMessage(),
	}
	for k, v := range extra {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	c.JSON(http.StatusOK, payload)
}

// currentSession resolves the session cookie, returning nil when missing or
// expired.
func (s *Server) currentSession(c *gin.Context) *session.Session {
	id, err := c.Cookie(SessionCookieName)
	if err != nil || id == "" {
		return nil
	}
	sess, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		log.Warnf("session lookup failed: %v", err)
		return nil
	}
	return sess
}

func toTurns(messages []conversationMessage) []fabric.ConversationTurn {
	if len(messages) == 0 {
		return nil
	}
	turns := make([]fabric.ConversationTurn, len(messages))
	for i, m := range messages {
		turns[i] = fabric.ConversationTurn{Role: m.Role, Content: m.Content}
	}
	return turns
}
