package ignore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"# comment", ""},
		{"   ", ""},
		{"*.log", "{**/*.log,**/*.log/**}"},
		{"node_modules/", "**/node_modules/**"},
		{"/build", "{build,build/**}"},
		{"docs/generated", "{docs/generated,docs/generated/**}"},
		{"!keep.log", "!{**/keep.log,**/keep.log/**}"},
		{"secrets.env\r", "{**/secrets.env,**/secrets.env/**}"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLine(tt.in))
		})
	}
}

func TestMatcher_GitignoreSemantics(t *testing.T) {
	patterns, err := Parse(strings.NewReader("*.log\n!keep.log\n/build\ncache/\ndocs/generated\n"))
	require.NoError(t, err)
	m, err := New(patterns...)
	require.NoError(t, err)

	tests := map[string]bool{
		"app.log":                 true,
		"nested/dir/app.log":      true,
		"keep.log":                false,
		"build/out.bin":           true,
		"src/build/main.go":       false,
		"cache/x":                 true,
		"deep/cache/x":            true,
		"docs/generated/index.md": true,
		"docs/guide.md":           false,
		"main.go":                 false,
	}
	for p, want := range tests {
		assert.Equal(t, want, m.Match(p), p)
	}
	assert.True(t, m.MatchDir("cache"))
	assert.False(t, m.MatchDir("src"))
}

func TestLoad_CombinesFilesAndFallbacks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*.tmp\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".autodocignore"), []byte("internal/\n"), 0o644))

	m, err := Load(root, DefaultFiles, "**/*.pem")
	require.NoError(t, err)

	assert.True(t, m.Match("a.tmp"))
	assert.True(t, m.Match("internal/x.go"))
	assert.True(t, m.Match("certs/server.pem"))
	assert.True(t, m.Match("node_modules/react/index.js"), "fallback patterns always apply")
	assert.True(t, m.Match(".git/HEAD"))
	assert.False(t, m.Match("cmd/main.go"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New("[")
	assert.Error(t, err)
}
