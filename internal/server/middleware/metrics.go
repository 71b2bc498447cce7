package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/observability"
)

// HTTP metric names
const (
	RequestsMetric   = "http_requests_total"
	DurationMetric   = "http_request_duration_ms"
	ErrorsMetric     = "http_errors_total"
	ProxyCallsMetric = "proxy_calls_total"
)

// OutcomeOK labels a proxied call answered without an error envelope.
const OutcomeOK = "ok"

const unmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RoutePattern returns the matched chi pattern so path parameters such as
// guild and user IDs never become label values.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	return unmatchedRoute
}

// proxied reports whether route forwards to the upstream api.
func proxied(route string) bool {
	return strings.HasPrefix(route, "/v1/") && route != "/v1/status"
}

// RequestMetrics records one counter and duration per request labelled by
// route. Calls on proxied routes also count into proxy_calls_total by
// outcome: the error code the handler answered with, or "ok".
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, result := withOutcome(r)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		route := RoutePattern(r)
		status := strconv.Itoa(rec.status)
		callOutcome := OutcomeOK
		if code := result.get(); code != "" {
			callOutcome = strings.ToLower(code)
		}

		if sys := observability.TelemetrySystem; sys != nil {
			labels := map[string]string{
				"method": r.Method,
				"route":  route,
				"status": status,
			}
			_ = sys.Counter(RequestsMetric, 1, labels)
			_ = sys.Histogram(DurationMetric, duration, labels)

			if rec.status >= 400 {
				errorType := "client_error"
				if rec.status >= 500 {
					errorType = "server_error"
				}
				_ = sys.Counter(ErrorsMetric, 1, map[string]string{
					"route":      route,
					"status":     status,
					"error_type": errorType,
				})
			}

			if proxied(route) {
				_ = sys.Counter(ProxyCallsMetric, 1, map[string]string{
					"route":   route,
					"outcome": callOutcome,
				})
			}
		}

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rec.status),
				zap.String("outcome", callOutcome),
				zap.Duration("duration", duration),
				zap.String("request_id", GetRequestID(r.Context())))
		}
	})
}
