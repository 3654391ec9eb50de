package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/autodoc/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(provider.Spec{Name: "openai", Credential: "sk-test", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestComplete_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultModel, req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "write docs", req.Messages[1].Content)
		assert.Equal(t, 500, req.MaxTokens)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"# Title"}}]}`))
	})

	out, err := c.Complete(context.Background(), provider.Completion{
		System:    "you write docs",
		Prompt:    "write docs",
		MaxTokens: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "# Title", out)
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   provider.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, provider.KindAuth},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, provider.KindRateLimit},
		{"server error", http.StatusBadGateway, `upstream`, provider.KindUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, ``, provider.KindTimeout},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"context too long"}}`, provider.KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Complete(context.Background(), provider.Completion{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, provider.KindOf(err))

			var pe *provider.Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, 7*time.Second, pe.RetryAfter())
		})
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := c.Complete(context.Background(), provider.Completion{Prompt: "x"})
	assert.Equal(t, provider.KindMalformed, provider.KindOf(err))
}

func TestComplete_DeadlineIsTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, provider.Completion{Prompt: "x"})
	assert.Equal(t, provider.KindTimeout, provider.KindOf(err))
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(provider.Spec{Name: "openai"}, nil)
	assert.Error(t, err)
}
