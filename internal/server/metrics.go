package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/metrics"
	"github.com/tatsugg/tatsuq/internal/observability"
)

var metricsProxyClient = &http.Client{
	Timeout: 5 * time.Second,
}

// exporterURL locates the Prometheus exporter, or "" when it is not listening.
var exporterURL = func() string {
	port := observability.GetMetricsPort()
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// refreshSchedulerGauges samples the scheduler so a scrape reports its
// current queue and quota rather than the last value a dispatch emitted.
func (s *Server) refreshSchedulerGauges() {
	if s.opts.API == nil {
		return
	}
	st := s.opts.API.Status()
	metrics.SetQueueDepth(st.QueueLength)
	metrics.SetInFlight(st.InFlight)
	metrics.SetCredentialInvalid(st.Invalid)
	if st.RateLimit != nil {
		metrics.SetRateLimitRemaining(st.RateLimit.Remaining)
	}
}

// metricsHandler serves the exporter's output on the main listener.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if observability.PrometheusExporter == nil {
		HandleError(w, r, errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "Metrics exporter not initialized"))
		return
	}
	target := exporterURL()
	if target == "" {
		HandleError(w, r, errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "Metrics exporter not listening"))
		return
	}

	s.refreshSchedulerGauges()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		env, _ := errors.NewErrorEnvelope("INTERNAL_ERROR", "Unable to construct metrics request").
			WithContext(map[string]interface{}{"original_error": err.Error()})
		HandleError(w, r, env)
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		env, _ := errors.NewErrorEnvelope("EXTERNAL_SERVICE_ERROR", "Prometheus exporter unavailable").
			WithContext(map[string]interface{}{"original_error": err.Error()})
		HandleError(w, r, env)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for key, values := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if resp.Header.Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Failed to write metrics response", zap.Error(err))
	}
}
