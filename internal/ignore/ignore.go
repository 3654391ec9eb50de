// Package ignore matches repository paths against gitignore-style rules.
package ignore

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFiles are the ignore files read from the repository root.
var DefaultFiles = []string{".gitignore", ".dockerignore", ".autodocignore"}

// FallbackPatterns apply to every repository, whatever its ignore files say.
var FallbackPatterns = []string{
	"**/.git/**",
	"**/.svn/**",
	"**/.hg/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/.venv/**",
	"**/venv/**",
	"**/__pycache__/**",
	"**/.idea/**",
	"**/.vscode/**",
	"**/.cache/**",
	"**/dist/**",
	"**/build/**",
	"**/.next/**",
	"**/target/**",
	"**/.DS_Store",
	"**/*.pyc",
	"**/*.log",
}

// Matcher decides whether a slash-separated relative path is ignored.
type Matcher struct {
	patterns []rule
}

type rule struct {
	glob   string
	negate bool
}

// New builds a matcher from glob patterns. Patterns are in doublestar
// syntax; a leading "!" re-includes a path excluded by an earlier pattern.
func New(patterns ...string) (*Matcher, error) {
	m := &Matcher{}
	if err := m.add(patterns); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matcher) add(patterns []string) error {
	for _, p := range patterns {
		r := rule{glob: p}
		if strings.HasPrefix(p, "!") {
			r = rule{glob: p[1:], negate: true}
		}
		if !doublestar.ValidatePattern(r.glob) {
			return errors.New("invalid ignore pattern: " + p)
		}
		m.patterns = append(m.patterns, r)
	}
	return nil
}

// Load builds a matcher from the fallback patterns, the ignore files found
// at root, and any extra patterns. Missing ignore files are skipped.
func Load(root string, files []string, extra ...string) (*Matcher, error) {
	m := &Matcher{}
	if err := m.add(FallbackPatterns); err != nil {
		return nil, err
	}
	for _, name := range files {
		f, err := os.Open(filepath.Join(root, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		patterns, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if err := m.add(patterns); err != nil {
			return nil, err
		}
	}
	if err := m.add(extra); err != nil {
		return nil, err
	}
	return m, nil
}

// Match reports whether rel is ignored. Later patterns override earlier
// ones, as in gitignore. A path is also ignored when any parent directory is.
func (m *Matcher) Match(rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	ignored := false
	for _, r := range m.patterns {
		if doublestar.MatchUnvalidated(r.glob, rel) {
			ignored = !r.negate
		}
	}
	return ignored
}

// MatchDir reports whether the directory rel, and so everything below it,
// is ignored.
func (m *Matcher) MatchDir(rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	return m.Match(rel) || m.Match(rel+"/x")
}

// Parse reads gitignore-style lines and returns doublestar patterns.
func Parse(r io.Reader) ([]string, error) {
	var patterns []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if p := parseLine(scanner.Text()); p != "" {
			patterns = append(patterns, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return deduplicate(patterns), nil
}

// parseLine converts one gitignore line. Comments and blanks yield "".
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	negate := strings.HasPrefix(line, "!")
	line = strings.TrimPrefix(line, "!")
	if line == "" {
		return ""
	}
	pattern := toGlobPattern(line)
	if negate {
		return "!" + pattern
	}
	return pattern
}

// toGlobPattern converts a gitignore pattern to a doublestar pattern.
func toGlobPattern(pattern string) string {
	anchored := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")

	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")

	// Without an inner slash a gitignore pattern matches at any depth.
	if !anchored && !strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**") {
		pattern = "**/" + pattern
	}
	if dirOnly {
		return pattern + "/**"
	}
	// A bare name may be a file or a directory; cover both.
	if !strings.HasSuffix(pattern, "/**") {
		return "{" + pattern + "," + pattern + "/**}"
	}
	return pattern
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
