package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodoc/internal/generator"
	"github.com/fyrsmithlabs/autodoc/internal/pipeline"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

func TestRunFlagsRequest(t *testing.T) {
	t.Run("local path with hints", func(t *testing.T) {
		f := runFlags{token: "t-1", kind: "simple", tone: "friendly", sections: []string{"Usage"}, base: "develop"}
		req, err := f.request([]string{"."})
		require.NoError(t, err)
		assert.Equal(t, "t-1", req.Token)
		assert.Equal(t, generator.KindSimple, req.Kind)
		assert.Equal(t, ".", req.Source.Path)
		assert.Equal(t, "develop", req.BaseBranch)
		assert.Equal(t, generator.Hints{Tone: "friendly", Sections: []string{"Usage"}}, req.Hints)
		assert.True(t, req.Repository.IsZero())
	})

	t.Run("hosted repository gets a fresh token", func(t *testing.T) {
		f := runFlags{repository: "acme/widgets", ref: "v1.2.0"}
		req, err := f.request(nil)
		require.NoError(t, err)
		assert.Equal(t, repo.Ref{Owner: "acme", Name: "widgets"}, req.Repository)
		assert.Equal(t, "v1.2.0", req.Source.Ref)
		assert.Equal(t, generator.KindAdvanced, req.Kind)
		assert.True(t, strings.HasPrefix(req.Token, "cli-"))

		again, err := f.request(nil)
		require.NoError(t, err)
		assert.NotEqual(t, req.Token, again.Token)
	})

	tests := []struct {
		name  string
		flags runFlags
		args  []string
		want  string
	}{
		{"nothing to read", runFlags{}, nil, "a path or --repo is required"},
		{"bad repository", runFlags{repository: "widgets"}, nil, "must be owner/name"},
		{"bad kind", runFlags{kind: "novel"}, []string{"."}, "unknown document kind"},
		{"ref with path", runFlags{ref: "main"}, []string{"."}, "hosted repositories only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.flags.request(tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, &pipeline.Result{Kind: pipeline.Failure, Token: "t-1", Reason: "boom"}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "failure", got["kind"])
	assert.Equal(t, "t-1", got["token"])
	assert.Equal(t, "boom", got["reason"])
}

func TestLoadEnv(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "autodoc.env")
		require.NoError(t, os.WriteFile(path, []byte("AUTODOC_TEST_LOAD_ENV=from-file\n"), 0o600))
		t.Setenv("AUTODOC_TEST_LOAD_ENV", "")
		require.NoError(t, os.Unsetenv("AUTODOC_TEST_LOAD_ENV"))

		require.NoError(t, loadEnv([]string{path}))
		assert.Equal(t, "from-file", os.Getenv("AUTODOC_TEST_LOAD_ENV"))
	})

	t.Run("existing variables win", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "autodoc.env")
		require.NoError(t, os.WriteFile(path, []byte("AUTODOC_TEST_LOAD_ENV=from-file\n"), 0o600))
		t.Setenv("AUTODOC_TEST_LOAD_ENV", "from-shell")

		require.NoError(t, loadEnv([]string{path}))
		assert.Equal(t, "from-shell", os.Getenv("AUTODOC_TEST_LOAD_ENV"))
	})

	t.Run("missing explicit file", func(t *testing.T) {
		err := loadEnv([]string{filepath.Join(t.TempDir(), "absent.env")})
		assert.Error(t, err)
	})

	t.Run("missing default file", func(t *testing.T) {
		t.Chdir(t.TempDir())
		assert.NoError(t, loadEnv(nil))
	})
}
