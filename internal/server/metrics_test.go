package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/core/engine"
	apperrors "github.com/tatsugg/tatsuq/internal/errors"
	"github.com/tatsugg/tatsuq/internal/metrics"
	"github.com/tatsugg/tatsuq/internal/observability"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

type busyAPI struct {
	stubAPI
}

func (busyAPI) Status() engine.Status {
	return engine.Status{
		QueueLength: 7,
		InFlight:    3,
		Phase:       engine.PhaseSleeping,
		RateLimit:   &core.RateLimitState{Limit: 60, Remaining: 0, Reset: 1735689660},
	}
}

func stubExporter(t *testing.T, url string, body string) {
	t.Helper()

	originalClient, originalURL := metricsProxyClient, exporterURL
	metricsProxyClient = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			resp := &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(body)),
				Header:     make(http.Header),
			}
			resp.Header.Set("Content-Type", "text/plain; version=0.0.4")
			resp.Header.Set("Connection", "close")
			return resp, nil
		}),
	}
	exporterURL = func() string { return url }
	observability.PrometheusExporter = exporters.NewPrometheusExporter("test", ":9090")

	t.Cleanup(func() {
		metricsProxyClient, exporterURL = originalClient, originalURL
		observability.PrometheusExporter = nil
	})
}

func scrape(srv *Server) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec
}

func TestMetricsProxiesExporterAndSamplesScheduler(t *testing.T) {
	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)
	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	stubExporter(t, "http://127.0.0.1:9999/metrics", "# TYPE scheduler_queue_depth gauge\nscheduler_queue_depth 7\n")

	rec := scrape(New(Options{Host: "127.0.0.1", API: busyAPI{}}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Contains(t, rec.Body.String(), "scheduler_queue_depth 7")

	depth := collector.GetMetricsByName(metrics.SchedulerQueueDepth)
	require.NotEmpty(t, depth)
	assert.EqualValues(t, 7, depth[len(depth)-1].Value)

	inFlight := collector.GetMetricsByName(metrics.SchedulerInFlight)
	require.NotEmpty(t, inFlight)
	assert.EqualValues(t, 3, inFlight[len(inFlight)-1].Value)

	remaining := collector.GetMetricsByName(metrics.SchedulerRateLimitRemaining)
	require.NotEmpty(t, remaining)
	assert.EqualValues(t, 0, remaining[len(remaining)-1].Value)
}

func TestMetricsUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T)
		message string
	}{
		{
			name:    "no exporter",
			prepare: func(t *testing.T) { observability.PrometheusExporter = nil },
			message: "not initialized",
		},
		{
			name:    "exporter not listening",
			prepare: func(t *testing.T) { stubExporter(t, "", "") },
			message: "not listening",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.prepare(t)

			rec := scrape(New(Options{Host: "127.0.0.1"}))
			require.Equal(t, http.StatusServiceUnavailable, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
			assert.Contains(t, body.Error.Message, tt.message)
		})
	}
}
