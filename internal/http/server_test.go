package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/router"
)

type staticProviders []router.ProviderStatus

func (p staticProviders) Providers() []router.ProviderStatus { return p }

func setupTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	server, err := NewServer(logging.NewTestLogger().Logger, cfg)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server := setupTestServer(t, nil)
		assert.Equal(t, "localhost:9090", server.config.Addr)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		server := setupTestServer(t, &Config{Version: "1.0.0"})
		rec := do(t, server, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "1.0.0", resp.Version)
	})

	t.Run("degraded", func(t *testing.T) {
		server := setupTestServer(t, &Config{Degraded: func() []string { return []string{"telemetry"} }})
		rec := do(t, server, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, []string{"telemetry"}, resp.Degraded)
	})
}

func TestHandleProviders(t *testing.T) {
	until := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	server := setupTestServer(t, &Config{Providers: staticProviders{
		{Name: "openai", Type: "openai", Priority: 0, State: router.StateCoolingDown, CoolingUntil: until},
		{Name: "ollama", Type: "ollama", Priority: 1, State: router.StateAvailable},
	}})

	rec := do(t, server, "/api/v1/providers")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ProvidersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Providers, 2)
	assert.Equal(t, "cooling_down", resp.Providers[0].State)
	require.NotNil(t, resp.Providers[0].CoolingUntil)
	assert.True(t, until.Equal(*resp.Providers[0].CoolingUntil))
	assert.Nil(t, resp.Providers[1].CoolingUntil)
}

func TestHandleProviders_NotConfigured(t *testing.T) {
	server := setupTestServer(t, &Config{})
	rec := do(t, server, "/api/v1/providers")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, &Config{Providers: staticProviders{
		{Name: "openai", Type: "openai", State: router.StateCoolingDown, CoolingUntil: time.Now().Add(time.Hour)},
		{Name: "ollama", Type: "ollama", State: router.StateAvailable},
	}})

	do(t, server, "/health")
	do(t, server, "/health")

	rec := do(t, server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `autodoc_http_requests_total{endpoint="/health",method="GET",status="200"} 2`)
	assert.Contains(t, text, `autodoc_provider_available{provider="openai",type="openai"} 0`)
	assert.Contains(t, text, `autodoc_provider_available{provider="ollama",type="ollama"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestProviderCollector(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := newProviderCollector(staticProviders{
		{Name: "openai", Type: "openai", State: router.StateCoolingDown, CoolingUntil: now.Add(90 * time.Second)},
	})
	c.now = func() time.Time { return now }

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `autodoc_provider_cooldown_remaining_seconds{provider="openai"} 90`)
}
