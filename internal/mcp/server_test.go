package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodoc/internal/deploy"
	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/generator"
	"github.com/fyrsmithlabs/autodoc/internal/pipeline"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
	"github.com/fyrsmithlabs/autodoc/internal/router"
)

var secretToken = "ghp_" + strings.Repeat("a", 36)

type fakeCoordinator struct {
	mu        sync.Mutex
	submitted []pipeline.GenerationRequest
	cancelled []string
	result    *pipeline.Result
	records   map[string]*deploy.Record
	progress  map[string]pipeline.Progress
	statusErr error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		records:  map[string]*deploy.Record{},
		progress: map[string]pipeline.Progress{},
	}
}

func (f *fakeCoordinator) Submit(_ context.Context, req pipeline.GenerationRequest) *pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.result != nil {
		return f.result
	}
	return &pipeline.Result{Kind: pipeline.Success, Token: req.Token}
}

func (f *fakeCoordinator) Status(_ context.Context, token string) (*deploy.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if rec, ok := f.records[token]; ok {
		return rec.Clone(), nil
	}
	return nil, deploy.ErrNotFound
}

func (f *fakeCoordinator) Progress(token string) (pipeline.Progress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.progress[token]
	return p, ok
}

func (f *fakeCoordinator) Cancel(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.progress[token]
	if ok {
		f.cancelled = append(f.cancelled, token)
	}
	return ok
}

func (f *fakeCoordinator) requests() []pipeline.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.GenerationRequest(nil), f.submitted...)
}

type staticProviders []router.ProviderStatus

func (p staticProviders) Providers() []router.ProviderStatus { return p }

func newTestServer(t *testing.T, coord *fakeCoordinator, providers staticProviders) *Server {
	t.Helper()
	s, err := NewServer(nil, coord, providers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewServer(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		s, err := NewServer(&Config{Name: "autodoc-test", Version: "1.2.3"}, newFakeCoordinator(), staticProviders{})
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.NoError(t, s.Close())
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		s, err := NewServer(nil, newFakeCoordinator(), staticProviders{})
		require.NoError(t, err)
		assert.NotNil(t, s.scrubber)
	})

	t.Run("coordinator required", func(t *testing.T) {
		_, err := NewServer(nil, nil, staticProviders{})
		assert.ErrorContains(t, err, "coordinator is required")
	})

	t.Run("provider lister required", func(t *testing.T) {
		_, err := NewServer(nil, newFakeCoordinator(), nil)
		assert.ErrorContains(t, err, "provider lister is required")
	})
}

func TestGenerateDocsInput_Request(t *testing.T) {
	tests := []struct {
		name    string
		input   generateDocsInput
		wantErr string
	}{
		{name: "missing token", input: generateDocsInput{Repository: "acme/widgets"}, wantErr: "token is required"},
		{name: "blank token", input: generateDocsInput{Token: "  ", Repository: "acme/widgets"}, wantErr: "token is required"},
		{name: "malformed repository", input: generateDocsInput{Token: "t", Repository: "acme"}, wantErr: "owner/name"},
		{name: "no source", input: generateDocsInput{Token: "t"}, wantErr: "either repository or path"},
		{name: "unknown kind", input: generateDocsInput{Token: "t", Path: "/src", Kind: "novel"}, wantErr: "novel"},
		{name: "local path only", input: generateDocsInput{Token: "t", Path: "/src"}},
		{name: "remote", input: generateDocsInput{Token: "t", Repository: "acme/widgets", Ref: "dev", Kind: "simple"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.input.request()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var invalid *invalidInputError
			require.ErrorAs(t, err, &invalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGenerateDocs_Success(t *testing.T) {
	coord := newFakeCoordinator()
	started := time.Now()
	coord.result = &pipeline.Result{
		Kind:     pipeline.Success,
		RunID:    "run-1",
		Token:    "req-1",
		Provider: "anthropic",
		Document: &generator.Document{Kind: generator.KindSimple, Bytes: 120},
		Record: &deploy.Record{
			Token:          "req-1",
			Branch:         "autodoc/req-1",
			CommitSHA:      "abc123",
			PullRequest:    7,
			PullRequestURL: "https://example.test/acme/widgets/pull/7",
			Status:         deploy.StatusCommitted,
		},
		Attempts: []router.Attempt{
			{Provider: "openai", Outcome: router.OutcomeRateLimited, Started: started, Finished: started.Add(20 * time.Millisecond)},
			{Provider: "anthropic", Outcome: router.OutcomeSuccess, Started: started, Finished: started.Add(time.Second)},
		},
	}
	s := newTestServer(t, coord, nil)

	res, out, err := s.generateDocs(context.Background(), nil, generateDocsInput{
		Token:      "req-1",
		Repository: "acme/widgets",
		Kind:       "simple",
		Tone:       "friendly",
		Sections:   []string{"Usage"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "success", out.Result)
	assert.Equal(t, "autodoc/req-1", out.Branch)
	assert.Equal(t, 7, out.PullRequest)
	assert.Equal(t, 120, out.Bytes)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, "rate_limited", out.Attempts[0].Outcome)
	assert.Equal(t, int64(1000), out.Attempts[1].DurationMS)

	text := res.Content[0].(*mcp.TextContent).Text
	assert.Contains(t, text, "pull/7")

	reqs := coord.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, repo.Ref{Owner: "acme", Name: "widgets"}, reqs[0].Repository)
	assert.Equal(t, generator.KindSimple, reqs[0].Kind)
	assert.Equal(t, "friendly", reqs[0].Hints.Tone)
}

func TestGenerateDocs_PartialFailureIsScrubbed(t *testing.T) {
	coord := newFakeCoordinator()
	coord.result = &pipeline.Result{
		Kind:    pipeline.PartialFailure,
		Token:   "req-2",
		Stage:   failure.StageDeploy,
		Code:    failure.DeploymentConflict,
		Reason:  "base branch main moved",
		Remote:  "auth header token=" + secretToken,
		Content: "# Widgets\n\nexport GITHUB_TOKEN=" + secretToken + "\n",
	}
	s := newTestServer(t, coord, nil)

	res, out, err := s.generateDocs(context.Background(), nil, generateDocsInput{Token: "req-2", Repository: "acme/widgets"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "partial_failure", out.Result)
	assert.Equal(t, "DeploymentConflict", out.Code)
	assert.Contains(t, out.Content, "# Widgets")
	assert.NotContains(t, out.Content, secretToken)
	assert.NotContains(t, out.Remote, secretToken)
}

func TestGenerateDocs_InvalidInput(t *testing.T) {
	coord := newFakeCoordinator()
	s := newTestServer(t, coord, nil)

	_, _, err := s.generateDocs(context.Background(), nil, generateDocsInput{Repository: "acme/widgets"})
	require.Error(t, err)
	assert.Equal(t, "validation_error", categorizeError(err))
	assert.Empty(t, coord.requests())
}

func TestGenerateDocs_Background(t *testing.T) {
	coord := newFakeCoordinator()
	s, err := NewServer(nil, coord, staticProviders{})
	require.NoError(t, err)

	_, out, err := s.generateDocs(context.Background(), nil, generateDocsInput{Token: "req-3", Path: "/src", Background: true})
	require.NoError(t, err)
	assert.True(t, out.Running)
	assert.Empty(t, out.Result)

	require.NoError(t, s.Close())
	reqs := coord.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/src", reqs[0].Source.Path)
}

func TestDeploymentStatus(t *testing.T) {
	coord := newFakeCoordinator()
	now := time.Now()
	coord.progress["running"] = pipeline.Progress{RunID: "run-9", Token: "running", Stage: failure.StageGenerate, Started: now}
	coord.records["done"] = &deploy.Record{
		Token:       "done",
		Revision:    2,
		Repository:  repo.Ref{Owner: "acme", Name: "widgets"},
		Branch:      "autodoc/done",
		Status:      deploy.StatusFailed,
		Code:        failure.DeploymentForbidden,
		Reason:      "access denied: " + secretToken,
		PullRequest: 0,
		UpdatedAt:   now,
	}
	s := newTestServer(t, coord, nil)
	ctx := context.Background()

	t.Run("running", func(t *testing.T) {
		_, out, err := s.deploymentStatus(ctx, nil, tokenInput{Token: "running"})
		require.NoError(t, err)
		assert.True(t, out.Found)
		assert.True(t, out.Running)
		assert.Equal(t, "generate", out.Stage)
		assert.Empty(t, out.Status)
	})

	t.Run("record", func(t *testing.T) {
		_, out, err := s.deploymentStatus(ctx, nil, tokenInput{Token: "done"})
		require.NoError(t, err)
		assert.True(t, out.Found)
		assert.False(t, out.Running)
		assert.Equal(t, "failed", out.Status)
		assert.Equal(t, 2, out.Revision)
		assert.Equal(t, "acme/widgets", out.Repo)
		assert.Equal(t, "DeploymentForbidden", out.Code)
		assert.NotContains(t, out.Reason, secretToken)
	})

	t.Run("unknown", func(t *testing.T) {
		res, out, err := s.deploymentStatus(ctx, nil, tokenInput{Token: "nope"})
		require.NoError(t, err)
		assert.False(t, out.Found)
		assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "No request found")
	})

	t.Run("token required", func(t *testing.T) {
		_, _, err := s.deploymentStatus(ctx, nil, tokenInput{})
		assert.Error(t, err)
	})

	t.Run("store error", func(t *testing.T) {
		coord.mu.Lock()
		coord.statusErr = errors.New("database is locked")
		coord.mu.Unlock()
		defer func() {
			coord.mu.Lock()
			coord.statusErr = nil
			coord.mu.Unlock()
		}()
		_, _, err := s.deploymentStatus(ctx, nil, tokenInput{Token: "done"})
		assert.ErrorContains(t, err, "database is locked")
	})
}

func TestCancelGeneration(t *testing.T) {
	coord := newFakeCoordinator()
	coord.progress["req-4"] = pipeline.Progress{Token: "req-4", Stage: failure.StageSnapshot}
	s := newTestServer(t, coord, nil)

	_, out, err := s.cancelGeneration(context.Background(), nil, tokenInput{Token: "req-4"})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)

	_, out, err = s.cancelGeneration(context.Background(), nil, tokenInput{Token: "other"})
	require.NoError(t, err)
	assert.False(t, out.Cancelled)
	assert.Equal(t, []string{"req-4"}, coord.cancelled)
}

func TestListProviders(t *testing.T) {
	until := time.Now().Add(time.Minute)
	s := newTestServer(t, newFakeCoordinator(), staticProviders{
		{Name: "openai", Type: "openai", Model: "gpt-4o", Priority: 0, State: router.StateCoolingDown, CoolingUntil: until},
		{Name: "ollama", Type: "ollama", Priority: 1, State: router.StateAvailable},
	})

	_, out, err := s.listProviders(context.Background(), nil, listProvidersInput{})
	require.NoError(t, err)
	require.Len(t, out.Providers, 2)
	assert.Equal(t, "cooling_down", out.Providers[0].State)
	require.NotNil(t, out.Providers[0].CoolingUntil)
	assert.True(t, until.Equal(*out.Providers[0].CoolingUntil))
	assert.Nil(t, out.Providers[1].CoolingUntil)
}

func TestServer_InMemorySession(t *testing.T) {
	coord := newFakeCoordinator()
	s := newTestServer(t, coord, staticProviders{{Name: "ollama", Type: "ollama", State: router.StateAvailable}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"generate_docs", "deployment_status", "cancel_generation", "list_providers"}, names)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "list_providers", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out listProvidersOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Providers, 1)
	assert.Equal(t, "ollama", out.Providers[0].Name)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "generate_docs",
		Arguments: map[string]any{"token": "req-5", "repository": "acme/widgets"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, coord.requests(), 1)

	require.NoError(t, session.Close())
	cancel()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after the client disconnected")
	}
}
