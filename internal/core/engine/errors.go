package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tatsugg/tatsuq/internal/core"
)

var (
	// ErrUnauthorized is returned once the remote API has rejected the
	// credential. It is permanent for the life of the scheduler.
	ErrUnauthorized = errors.New("unauthorized: api credential rejected")

	// ErrClosed is returned for requests that were still queued when the
	// scheduler shut down, or submitted after it did.
	ErrClosed = errors.New("scheduler closed")
)

// StatusError reports a non-2xx response that was not handled by the
// scheduler itself.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("remote api returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote api returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), truncate(e.Body, 256))
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// NetworkError wraps a transport-level failure for a single request.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// LoopGuardError is the report delivered to every request stranded when the
// drain loop gives up after too many consecutive stalled cycles.
type LoopGuardError struct {
	Stalls   int
	Cycles   int
	Stranded int
	State    *core.RateLimitState
}

func (e *LoopGuardError) Error() string {
	if e.State == nil {
		return fmt.Sprintf("drain loop halted after %d stalled cycles (%d total, %d requests stranded, quota unknown)",
			e.Stalls, e.Cycles, e.Stranded)
	}
	return fmt.Sprintf("drain loop halted after %d stalled cycles (%d total, %d requests stranded, remaining=%d/%d reset=%d)",
		e.Stalls, e.Cycles, e.Stranded, e.State.Remaining, e.State.Limit, e.State.Reset)
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
