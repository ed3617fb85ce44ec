package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHealth struct {
	report HealthReport
}

func (s staticHealth) Check(context.Context) HealthReport { return s.report }

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		wantCode int
	}{
		{"up", "up", http.StatusOK},
		{"degraded", "degraded", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer("127.0.0.1:0", staticHealth{report: HealthReport{
				Status:    tt.status,
				Languages: 3,
				Timestamp: time.Unix(0, 0).UTC(),
			}})

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var got HealthReport
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, 3, got.Languages)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	LoadAttemptsTotal.WithLabelValues("loaded", "").Inc()

	srv := NewServer("127.0.0.1:0", staticHealth{report: HealthReport{Status: "up"}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grammargate_load_attempts_total")
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", staticHealth{report: HealthReport{Status: "up"}})
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"status":"up"`))
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingOptions{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer)
}
