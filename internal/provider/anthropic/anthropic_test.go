package anthropic

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
	c, err := New(provider.Spec{Name: "claude", Credential: "sk-ant-test", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestComplete_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultModel, body["model"])
		assert.EqualValues(t, 800, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-haiku-20240307",
			"content": [{"type": "text", "text": "# Widgets\n"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	})

	out, err := c.Complete(context.Background(), provider.Completion{System: "sys", Prompt: "p", MaxTokens: 800})
	require.NoError(t, err)
	assert.Equal(t, "# Widgets\n", out)
}

func TestComplete_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   provider.Kind
	}{
		{http.StatusUnauthorized, provider.KindAuth},
		{http.StatusTooManyRequests, provider.KindRateLimit},
		{http.StatusInternalServerError, provider.KindUnavailable},
		{http.StatusBadRequest, provider.KindMalformed},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			})
			_, err := c.Complete(context.Background(), provider.Completion{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, provider.KindOf(err))
		})
	}
}

func TestComplete_NoTextIsMalformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m","type":"message","role":"assistant","content":[],"usage":{}}`))
	})
	_, err := c.Complete(context.Background(), provider.Completion{Prompt: "p"})
	assert.Equal(t, provider.KindMalformed, provider.KindOf(err))
}
