package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/autodoc/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(provider.Spec{Name: "local", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestComplete_AccumulatesStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultModel, body["model"])
		assert.Equal(t, "be brief", body["system"])

		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"model": defaultModel, "response": "# Hello", "done": false})
		_ = enc.Encode(map[string]any{"model": defaultModel, "response": "\n\nWorld\n", "done": true})
	})

	out, err := c.Complete(context.Background(), provider.Completion{System: "be brief", Prompt: "p", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "# Hello\n\nWorld\n", out)
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   provider.Kind
	}{
		{"missing model", http.StatusNotFound, provider.KindAuth},
		{"server error", http.StatusInternalServerError, provider.KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"model not found"}`))
			})
			_, err := c.Complete(context.Background(), provider.Completion{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, provider.KindOf(err))
		})
	}
}

func TestComplete_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(provider.Spec{Name: "local", BaseURL: url}, nil)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), provider.Completion{Prompt: "p"})
	assert.Equal(t, provider.KindUnavailable, provider.KindOf(err))
}
