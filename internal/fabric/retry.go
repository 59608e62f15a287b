package fabric

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
	"github.com/ingage-labs/fabric-agent-gateway/internal/logging"
	log "github.com/sirupsen/logrus"
)

// maxRetries is how many times a failed orchestration is re-run on top of the
// initial attempt.
const maxRetries = 2

var authMarkers = []string{"401", "unauthorized", "403", "forbidden", "authentication"}

var transientMarkers = []string{"429", "500", "502", "503", "504", "timeout", "connection", "network"}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isAuthFailure reports whether the failure indicates a credential or
// permission problem. These are terminal: retrying cannot fix them.
func isAuthFailure(err error) bool {
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), authMarkers)
}

// isTransientFailure reports whether the failure looks recoverable. The
// policy is deliberately conservative: anything not recognizably transient
// is treated as terminal so non-idempotent failures are never replayed.
func isTransientFailure(err error) bool {
	return containsAny(strings.ToLower(err.Error()), transientMarkers)
}

// withRetry runs fn up to 1+maxRetries times, waiting (attempt+1)*2 seconds
// between attempts. Auth failures are never retried; unrecognized failures
// are terminal on first occurrence.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if isAuthFailure(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		if !isTransientFailure(err) {
			return err
		}

		wait := time.Duration(attempt+1) * 2 * time.Second
		log.WithFields(log.Fields{
			"request_id": logging.GetRequestID(ctx),
			"attempt":    attempt + 1,
		}).Warnf("data agent call failed, retrying in %s: %v", wait, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
		c.sleep(wait)
	}
}
