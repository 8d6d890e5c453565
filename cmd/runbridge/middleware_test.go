package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/config"
	"github.com/BaSui01/runbridge/internal/metrics"
)

func serveThrough(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	handler.ServeHTTP(w, r)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := serveThrough(t, SecurityHeaders()(inner), "/")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
}

func TestRequestIDGeneratedAndPreserved(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	handler := RequestID()(inner)

	w := serveThrough(t, handler, "/api/v1/runs")
	generated := w.Header().Get("X-Request-ID")
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, seen)

	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	r2.Header.Set("X-Request-ID", "req-fixed")
	handler.ServeHTTP(w2, r2)
	assert.Equal(t, "req-fixed", w2.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-fixed", seen)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := serveThrough(t, Recovery(zap.NewNop())(inner), "/")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestChainOrder(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	handler := Chain(inner,
		Recovery(zap.NewNop()),
		RequestID(),
		SecurityHeaders(),
	)

	w := serveThrough(t, handler, "/test")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsMiddlewareRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("mwtest", reg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := MetricsMiddleware(collector)(inner)

	serveThrough(t, handler, "/api/v1/runs/run_0b1d3f5a-0000-0000-0000-000000000000")
	serveThrough(t, handler, "/api/v1/runs/run_0b1d3f5a-0000-0000-0000-000000000001")

	count, err := promtestutil.GatherAndCount(reg, "mwtest_http_requests_total")
	require.NoError(t, err)
	// Both paths normalize to one :id series.
	assert.Equal(t, 1, count)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/run_3f2b1a9c-1111-2222-3333-444455556666", "/api/v1/runs/:id"},
		{"/api/v1/runs/run_3f2b1a9c-1111-2222-3333-444455556666/resume", "/api/v1/runs/:id/resume"},
		{"/api/v1/runs/deadbeefcafe", "/api/v1/runs/:id"},
		{"/api/v1/runs/12345/events", "/api/v1/runs/:id/events"},
		{"/api/v1/unknown", "/api/v1/unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestLoopbackEngineRoundTrip(t *testing.T) {
	eng := loopbackEngine{}
	stream, err := eng.Start(t.Context(), map[string]any{
		"tool": "echo",
		"args": map[string]any{"text": "hi"},
	}, nil)
	require.NoError(t, err)

	var tags []string
	for {
		ev, err := stream.Next(t.Context())
		if err != nil {
			break
		}
		tags = append(tags, ev.Tag)
	}
	assert.Equal(t, []string{"node_enter", "tool_call"}, tags)

	deliverer, ok := stream.(interface{ Deliver(map[string]any) error })
	require.True(t, ok)
	require.NoError(t, deliverer.Deliver(map[string]any{"approved": true}))

	out, err := stream.Output()
	require.NoError(t, err)
	outMap, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "echo", outMap["tool"])
	assert.Equal(t, true, outMap["approved"])
}

func TestInitLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		name := format
		if name == "" {
			name = "default"
		}
		t.Run(name, func(t *testing.T) {
			logger := initLogger(config.LogConfig{
				Level:  "debug",
				Format: format,
			})
			require.NotNil(t, logger)
			logger.Info("logger ready")
			_ = logger.Sync()
		})
	}
}
