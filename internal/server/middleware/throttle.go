package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tatsugg/tatsuq/internal/observability"
)

// ThrottleMetric counts requests rejected by the inbound throttle.
const ThrottleMetric = "http_throttled_total"

// Throttle limits each client address to a token bucket so one caller cannot
// monopolize the shared upstream quota.
type Throttle struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	swept   time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows perSecond requests per client with the given burst.
// Limiters idle longer than idleTTL are evicted.
func NewThrottle(perSecond float64, burst int, idleTTL time.Duration) *Throttle {
	if burst < 1 {
		burst = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Throttle{
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Handler wraps next with the throttle.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		reservation := t.reserve(key)
		if reservation.OK() {
			if delay := reservation.DelayFrom(t.now()); delay > 0 {
				reservation.CancelAt(t.now())
				t.reject(w, r, key, delay)
				return
			}
		} else {
			t.reject(w, r, key, time.Second)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Clients returns the number of tracked client addresses.
func (t *Throttle) Clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

func (t *Throttle) reserve(key string) *rate.Reservation {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.swept) >= t.idleTTL {
		for k, c := range t.clients {
			if now.Sub(c.lastSeen) >= t.idleTTL {
				delete(t.clients, k)
			}
		}
		t.swept = now
	}

	c, ok := t.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.ReserveN(now, 1)
}

func (t *Throttle) reject(w http.ResponseWriter, r *http.Request, key string, delay time.Duration) {
	retry := int(math.Ceil(delay.Seconds()))
	if retry < 1 {
		retry = 1
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(ThrottleMetric, 1, map[string]string{
			"path": throttledPath(r),
		})
	}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Debug("Inbound request throttled",
			zap.String("client", key),
			zap.String("path", r.URL.Path),
			zap.Int("retry_after", retry))
	}

	envelope := gferrors.NewErrorEnvelope("RATE_LIMITED", "Too many requests").
		WithCorrelationID(GetRequestID(r.Context()))
	envelope, _ = envelope.WithContext(map[string]interface{}{"retry_after": retry})

	NoteOutcome(r.Context(), envelope.Code)
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeErrorResponse(w, envelope, http.StatusTooManyRequests)
}

// throttledPath is the first segment under /v1. The throttle runs before
// routing completes, so the full pattern is not yet known.
func throttledPath(r *http.Request) string {
	rest, ok := strings.CutPrefix(r.URL.Path, "/v1/")
	if !ok {
		return unmatchedRoute
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return "/v1/" + rest
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
