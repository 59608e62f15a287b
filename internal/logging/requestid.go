package logging

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDCtxKey keys the request ID in a request's context.
type requestIDCtxKey struct{}

// ginKeyRequestID keys the request ID inside a gin context.
const ginKeyRequestID = "gateway_request_id"

// GenerateRequestID returns a short identifier that correlates an access-log
// line with the per-request entries the handler emitted.
func GenerateRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// WithRequestID attaches the request ID to a context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey{}, id)
}

// GetRequestID returns the request ID carried by ctx, or "" when absent.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}

// SetGinRequestID stores the request ID on the gin context.
func SetGinRequestID(c *gin.Context, id string) {
	c.Set(ginKeyRequestID, id)
}

// GetGinRequestID returns the request ID stored on the gin context, or ""
// when the request is not tracked.
func GetGinRequestID(c *gin.Context) string {
	return c.GetString(ginKeyRequestID)
}
