package generator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
	"github.com/fyrsmithlabs/autodoc/internal/provider/providertest"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
	"github.com/fyrsmithlabs/autodoc/internal/router"
	"github.com/fyrsmithlabs/autodoc/internal/snapshot"
	"github.com/fyrsmithlabs/autodoc/internal/telemetry"
)

const goodDoc = "# Widgets\n\nWidgets does things.\n\n## Usage\n\n```sh\nwidgets run\n```\n"

func testSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Repository: repo.Ref{Owner: "acme", Name: "widgets"},
		Hash:       "abc123",
		Entries: []snapshot.Entry{
			{Path: "go.mod", Mode: snapshot.ModeFull, Content: "module example.com/widgets\n", Summary: "go.mod (26 bytes, 1 lines)"},
			{Path: "main.go", Mode: snapshot.ModeSummary, Summary: "main.go (Go, 40 bytes, 5 lines)\n  func main()"},
		},
		Analysis: snapshot.Analysis{Language: "Go", Dependencies: []string{"github.com/spf13/cobra"}, SourceDirs: []string{"internal"}},
	}
}

func newRouter(t *testing.T, providers ...provider.Provider) *router.Router {
	t.Helper()
	backends := make([]router.Backend, 0, len(providers))
	for i, p := range providers {
		backends = append(backends, router.Backend{
			Spec:     provider.Spec{Name: p.Name(), Type: "scripted", Priority: i, Timeout: time.Second, Cooldown: time.Minute, MaxRetries: 1},
			Provider: p,
		})
	}
	tel := telemetry.NewTestTelemetry()
	r, err := router.New(backends, router.Options{Tracer: tel.Tracer("t"), Meter: tel.Meter("t")})
	require.NoError(t, err)
	return r
}

func newGenerator(t *testing.T, r Router, cacheSize int) (*Generator, *telemetry.TestTelemetry) {
	t.Helper()
	tel := telemetry.NewTestTelemetry()
	g, err := New(r, Options{MaxTokens: 1000, MaxBytes: 4096, CacheSize: cacheSize, Meter: tel.Meter("t")})
	require.NoError(t, err)
	return g, tel
}

func TestGenerate_AcceptsValidDocument(t *testing.T) {
	p := providertest.Reply("first", "```markdown\r\n"+strings.ReplaceAll(goodDoc, "\n", "\r\n")+"```")
	g, _ := newGenerator(t, newRouter(t, p), 0)

	doc, res, err := g.Generate(context.Background(), testSnapshot(), KindSimple, Hints{})
	require.NoError(t, err)
	assert.Equal(t, goodDoc, doc.Content)
	assert.Equal(t, "first", doc.Provider)
	assert.Equal(t, "abc123", doc.SnapshotHash)
	assert.Equal(t, len(goodDoc), doc.Bytes)
	require.Len(t, res.Attempts, 1)

	req := p.Requests()[0]
	assert.Equal(t, SystemPrompt, req.System)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Contains(t, req.Prompt, "Project Name: widgets")
	assert.Contains(t, req.Prompt, "module example.com/widgets")
	assert.Contains(t, req.Prompt, "func main()")
	assert.Contains(t, req.Prompt, Instructions(KindSimple))
}

func TestGenerate_ValidationFailureFallsThrough(t *testing.T) {
	bad := providertest.Reply("bad", "# Title\n\nClone from <repository-url> and run.\n")
	good := providertest.Reply("good", goodDoc)
	g, _ := newGenerator(t, newRouter(t, bad, good), 0)

	doc, res, err := g.Generate(context.Background(), testSnapshot(), KindAdvanced, Hints{})
	require.NoError(t, err)
	assert.Equal(t, "good", doc.Provider)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, router.OutcomeMalformed, res.Attempts[0].Outcome)
	assert.Equal(t, 1, bad.Calls(), "malformed output is not retried")
}

func TestGenerate_AllInvalidIsExhausted(t *testing.T) {
	g, _ := newGenerator(t, newRouter(t, providertest.Reply("a", ""), providertest.Reply("b", "no heading here")), 0)

	doc, res, err := g.Generate(context.Background(), testSnapshot(), KindAdvanced, Hints{})
	assert.Nil(t, doc)
	require.Error(t, err)
	assert.Equal(t, failure.AllProvidersExhausted, failure.CodeOf(err))
	assert.Len(t, res.Attempts, 2)
}

func TestGenerate_CacheSkipsProviders(t *testing.T) {
	p := providertest.Reply("first", goodDoc)
	g, tel := newGenerator(t, newRouter(t, p), 8)
	snap := testSnapshot()

	_, _, err := g.Generate(context.Background(), snap, KindAdvanced, Hints{Tone: "friendly"})
	require.NoError(t, err)
	doc, res, err := g.Generate(context.Background(), snap, KindAdvanced, Hints{Tone: "friendly"})
	require.NoError(t, err)
	assert.True(t, doc.Cached)
	assert.Empty(t, res.Attempts)
	assert.Equal(t, 1, p.Calls())

	// Different hints miss.
	_, _, err = g.Generate(context.Background(), snap, KindAdvanced, Hints{Tone: "formal"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Calls())

	g.Forget(snap.Hash)
	_, _, err = g.Generate(context.Background(), snap, KindAdvanced, Hints{Tone: "friendly"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Calls())

	assert.Equal(t, int64(1), tel.CounterValue(t, "autodoc.generator.cache.lookups", attributeResult("hit")))
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	hints := Hints{Tone: "friendly", Sections: []string{"Install", "Usage"}, Template: "# {name}", Instructions: "mention the CLI"}
	a := BuildPrompt(testSnapshot(), KindInstallation, hints)
	b := BuildPrompt(testSnapshot(), KindInstallation, hints)
	assert.Equal(t, a, b)
	assert.Contains(t, a.User, "Include these sections: Install, Usage.")
	assert.Contains(t, a.User, "Write in a friendly tone.")
	assert.Contains(t, a.User, "mention the CLI")
	assert.Contains(t, a.User, "Dependencies: github.com/spf13/cobra")
	assert.Contains(t, a.User, "Framework: None")
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindAdvanced, k)

	k, err = ParseKind(" Installation ")
	require.NoError(t, err)
	assert.Equal(t, KindInstallation, k)

	_, err = ParseKind("haiku")
	assert.Error(t, err)
	assert.Equal(t, Instructions(KindAdvanced), Instructions(KindReadme))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{MaxBytes: 1})
	assert.Error(t, err)
	_, err = New(newRouter(t, providertest.Reply("a", goodDoc)), Options{})
	assert.Error(t, err)
}
