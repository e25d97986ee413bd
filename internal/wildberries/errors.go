package wildberries

import (
	"fmt"
	"time"
)

// AuthError indicates the API token was rejected upstream. Workers treat
// this as fatal for the monitoring until the seller re-authenticates.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("wildberries: authorization rejected (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("wildberries: authorization rejected (HTTP %d): %s", e.Status, e.Reason)
}

// RateLimitError indicates the shared request ceiling was exceeded.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("wildberries: rate limited, retry after %s", e.RetryAfter)
}

// APIError covers remaining upstream failures.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("wildberries: api error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("wildberries: api error (HTTP %d): %s", e.Status, e.Body)
}
