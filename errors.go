package mnemo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown items or artifacts. References to ids
// minted in another workspace surface as ErrNotFound too, so existence is
// never leaked across the isolation boundary.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrInvalidInput reports malformed caller input. No state changes when it
// is returned.
type ErrInvalidInput struct {
	Field  string
	Reason string
}

func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrConflict reports a link-invariant violation: a supersedes cycle or a
// duplicate_of pointing at itself. Carries the offending ids.
type ErrConflict struct {
	FromID string
	ToID   string
	Reason string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict %s -> %s: %s", e.FromID, e.ToID, e.Reason)
}

// ErrProvider reports an embedding provider failure. Status carries the
// HTTP status when known; Malformed marks responses that parsed but were
// unusable (wrong count or dimension), which are never retried.
type ErrProvider struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration
	Malformed  bool
}

func (e *ErrProvider) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrInternal wraps an invariant violation with a diagnostic id for log
// correlation. State is left unchanged by the failing operation.
type ErrInternal struct {
	DiagnosticID string
	Err          error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal [%s]: %v", e.DiagnosticID, e.Err)
}

func (e *ErrInternal) Unwrap() error { return e.Err }

// Internal wraps err as an ErrInternal with a fresh diagnostic id.
func Internal(err error) *ErrInternal {
	return &ErrInternal{DiagnosticID: uuid.Must(uuid.NewV7()).String(), Err: err}
}

// IsTransient reports whether err is worth retrying: provider throttling or
// momentary unavailability. Malformed responses and client errors are not.
func IsTransient(err error) bool {
	var pe *ErrProvider
	if errors.As(err, &pe) {
		if pe.Malformed {
			return false
		}
		return pe.Status == 0 || pe.Status == 429 || pe.Status >= 500
	}
	return false
}

// ParseRetryAfter parses an HTTP Retry-After header value (delta-seconds
// or HTTP-date) into a duration. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsCancelled reports whether err is a context cancellation or deadline.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
