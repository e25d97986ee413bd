package booking

import (
	"context"
	"fmt"
	"time"

	"slot-watcher/internal/session"
)

// FailureKind classifies a booking failure for the retry loop.
type FailureKind int

const (
	// FailureRetryable covers transient conditions such as timeouts and
	// upstream 5xx responses. The episode may try again.
	FailureRetryable FailureKind = iota
	// FailureTerminal covers conditions that will not resolve by
	// retrying, e.g. the slot is already taken or the request is invalid.
	FailureTerminal
	// FailureAuth means the seller session was rejected. The episode
	// stops and the session must be re-established.
	FailureAuth
)

// Failure is the error type bookers return so the orchestrator can
// distinguish retryable from terminal conditions.
type Failure struct {
	Kind   FailureKind
	Status int
	Reason string
}

func (f *Failure) Error() string {
	switch f.Kind {
	case FailureTerminal:
		return fmt.Sprintf("booking failed permanently (status %d): %s", f.Status, f.Reason)
	case FailureAuth:
		return fmt.Sprintf("booking rejected, authorization invalid (status %d): %s", f.Status, f.Reason)
	default:
		return fmt.Sprintf("booking failed (status %d): %s", f.Status, f.Reason)
	}
}

// Retryable reports whether another attempt may succeed.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureRetryable
}

// Booker performs a single booking attempt against the marketplace.
type Booker interface {
	// Book reserves the acceptance slot for the given supply order and
	// returns a confirmation reference.
	Book(ctx context.Context, sess *session.Session, orderRef string, day time.Time, warehouseID int64) (string, error)
}
