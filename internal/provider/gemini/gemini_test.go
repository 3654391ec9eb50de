package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/autodoc/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), provider.Spec{Name: "gemini", Credential: "g-key", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestComplete_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/"+defaultModel+":generateContent"), r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "systemInstruction")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"# Project\n"}]}}]}`))
	})

	out, err := c.Complete(context.Background(), provider.Completion{System: "sys", Prompt: "p", MaxTokens: 100, Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "# Project\n", out)
}

func TestComplete_APIErrors(t *testing.T) {
	tests := []struct {
		code int
		kind provider.Kind
	}{
		{http.StatusForbidden, provider.KindAuth},
		{http.StatusTooManyRequests, provider.KindRateLimit},
		{http.StatusServiceUnavailable, provider.KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.code)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": tt.code, "message": "denied", "status": "X"},
				})
			})
			_, err := c.Complete(context.Background(), provider.Completion{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, provider.KindOf(err))
		})
	}
}

func TestComplete_EmptyCandidatesMalformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})
	_, err := c.Complete(context.Background(), provider.Completion{Prompt: "p"})
	assert.Equal(t, provider.KindMalformed, provider.KindOf(err))
}
