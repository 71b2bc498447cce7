package engine

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tatsugg/tatsuq/internal/core"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// QuotaObserver is notified whenever a new quota window is recorded.
type QuotaObserver interface {
	ObserveQuota(ctx context.Context, state core.RateLimitState) error
}

// tracker holds the current quota window. Callers serialize access.
type tracker struct {
	state *core.RateLimitState
}

// set replaces the state when it is absent or the window changed. Responses
// from a window already recorded never restore remaining quota that local
// accounting has spent.
func (t *tracker) set(limit, remaining int, reset int64) bool {
	if t.state != nil && t.state.Reset == reset {
		return false
	}
	if remaining < 0 {
		remaining = 0
	}
	t.state = &core.RateLimitState{Limit: limit, Remaining: remaining, Reset: reset}
	return true
}

// spend decrements remaining quota for one dispatch.
func (t *tracker) spend() {
	if t.state != nil && t.state.Remaining > 0 {
		t.state.Remaining--
	}
}

// exhaust marks the current window as used up.
func (t *tracker) exhaust() {
	if t.state != nil {
		t.state.Remaining = 0
	}
}

// budget is how many requests may be dispatched in the next cycle.
func (t *tracker) budget() int {
	if t.state == nil || t.state.Remaining < 1 {
		return 1
	}
	return t.state.Remaining
}

// blocked reports whether dispatch must wait for the window to reset.
func (t *tracker) blocked(now time.Time, margin time.Duration) bool {
	if t.state == nil || t.state.Remaining > 0 {
		return false
	}
	return now.Before(resetDeadline(t.state.Reset, margin))
}

func (t *tracker) snapshot() *core.RateLimitState {
	if t.state == nil {
		return nil
	}
	copied := *t.state
	return &copied
}

// ParseRateLimit reads the three quota headers. ok is false unless all three
// are present and numeric.
func ParseRateLimit(header http.Header) (core.RateLimitState, bool) {
	if header == nil {
		return core.RateLimitState{}, false
	}

	limit, err := strconv.Atoi(strings.TrimSpace(header.Get(HeaderRateLimitLimit)))
	if err != nil {
		return core.RateLimitState{}, false
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(header.Get(HeaderRateLimitRemaining)))
	if err != nil {
		return core.RateLimitState{}, false
	}
	reset, ok := parseReset(header.Get(HeaderRateLimitReset))
	if !ok {
		return core.RateLimitState{}, false
	}

	return core.RateLimitState{Limit: limit, Remaining: remaining, Reset: reset}, true
}

// parseReset accepts integral or fractional unix seconds.
func parseReset(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if reset, err := strconv.ParseInt(value, 10, 64); err == nil {
		return reset, true
	}
	if reset, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(reset) && !math.IsInf(reset, 0) {
		return int64(math.Ceil(reset)), true
	}
	return 0, false
}

// retryAfter parses a Retry-After header in either seconds or HTTP-date form.
func retryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}

	value := strings.TrimSpace(header.Get(headerRetryAfter))
	if value == "" {
		return 0, false
	}

	if seconds, err := time.ParseDuration(value + "s"); err == nil {
		return seconds, true
	}
	if parsed, err := http.ParseTime(value); err == nil {
		return parsed.Sub(now), true
	}

	return 0, false
}
