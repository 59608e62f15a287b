package fabric

import (
	"strings"
)

// Category is a user-facing error classification. The taxonomy is closed:
// every failure raised below the orchestrator maps to exactly one category.
type Category string

const (
	CategoryAuth       Category = "AUTH_ERROR"
	CategoryPermission Category = "PERMISSION_ERROR"
	CategoryNotFound   Category = "NOT_FOUND"
	CategoryRateLimit  Category = "RATE_LIMIT"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryConnection Category = "CONNECTION_ERROR"
	CategoryTokenExp   Category = "TOKEN_EXPIRED"
	CategoryServer     Category = "SERVER_ERROR"
	CategoryGeneric    Category = "GENERIC_ERROR"
)

// userMessages carries the one fixed sentence shown to end users per category.
var userMessages = map[Category]string{
	CategoryAuth:       "Authentication failed. Your session may have expired. Please sign in again.",
	CategoryPermission: "Access denied. You don't have permission to access this Fabric Data Agent.",
	CategoryNotFound:   "The Fabric Data Agent endpoint was not found. Please verify the configuration.",
	CategoryRateLimit:  "Too many requests. Please wait a moment and try again.",
	CategoryTimeout:    "The query is taking too long to process. Try a simpler question or try again later.",
	CategoryConnection: "Unable to connect to the Fabric service. Please check your connection and try again.",
	CategoryTokenExp:   "Your authentication token has expired. Please sign in again.",
	CategoryServer:     "The Fabric service is experiencing issues. Please try again later.",
	CategoryGeneric:    "An unexpected error occurred while processing your request. Please try again.",
}

// UserMessage returns the fixed user-facing sentence for the category.
func (c Category) UserMessage() string {
	if msg, ok := userMessages[c]; ok {
		return msg
	}
	return userMessages[CategoryGeneric]
}

// Classify maps a raw failure onto the closed taxonomy. Checks run in a fixed
// order and the first match wins, so a message containing both an auth marker
// and a server marker classifies as an auth failure.
func Classify(err error) Category {
	if err == nil {
		return CategoryGeneric
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return CategoryAuth
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		return CategoryPermission
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return CategoryNotFound
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return CategoryConnection
	case strings.Contains(msg, "token") && (strings.Contains(msg, "expired") || strings.Contains(msg, "invalid")):
		return CategoryTokenExp
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return CategoryServer
	default:
		return CategoryGeneric
	}
}

// ClassifiedError pairs a raw failure with its category. The raw message is
// kept for logs; WireMessage decides what leaves the server.
type ClassifiedError struct {
	Category Category
	Raw      error
}

// ClassifyError wraps err with its classification.
func ClassifyError(err error) *ClassifiedError {
	return &ClassifiedError{Category: Classify(err), Raw: err}
}

// Error implements the error interface with the full detail, for logging.
func (e *ClassifiedError) Error() string {
	return string(e.Category) + ": " + e.Raw.Error()
}

// Unwrap exposes the underlying failure.
func (e *ClassifiedError) Unwrap() error { return e.Raw }

// UserMessage returns the fixed sentence safe to show to the end user.
func (e *ClassifiedError) UserMessage() string {
	return e.Category.UserMessage()
}

// WireMessage is the error string placed in API responses. Auth and
// permission failures never leak their raw message to the caller.
func (e *ClassifiedError) WireMessage() string {
	if e.Category == CategoryAuth || e.Category == CategoryPermission || e.Category == CategoryTokenExp {
		return string(e.Category) + ": " + e.Category.UserMessage()
	}
	return string(e.Category) + ": " + e.Raw.Error()
}
