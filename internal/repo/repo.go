// Package repo identifies hosted repositories and reads local working
// copies through go-git.
package repo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Ref names a repository on the hosting platform.
type Ref struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String returns "owner/name".
func (r Ref) String() string {
	return r.Owner + "/" + r.Name
}

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool {
	return r.Owner == "" && r.Name == ""
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Parse parses "owner/name".
func Parse(s string) (Ref, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || strings.Contains(name, "/") {
		return Ref{}, fmt.Errorf("repository %q must be owner/name", s)
	}
	name = strings.TrimSuffix(name, ".git")
	if !segmentPattern.MatchString(owner) || !segmentPattern.MatchString(name) {
		return Ref{}, fmt.Errorf("repository %q has invalid characters", s)
	}
	if owner == "." || owner == ".." || name == "." || name == ".." {
		return Ref{}, fmt.Errorf("repository %q is not a valid name", s)
	}
	return Ref{Owner: owner, Name: name}, nil
}

var (
	// git@github.com:owner/repo.git, ssh://git@host/owner/repo
	sshPattern = regexp.MustCompile(`^(?:ssh://)?[^@/]+@[^:/]+[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)
	// https://github.com/owner/repo.git
	httpsPattern = regexp.MustCompile(`^https?://(?:[^@/]+@)?[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)
)

// ParseRemoteURL extracts the repository from an SSH or HTTPS remote URL.
func ParseRemoteURL(url string) (Ref, error) {
	url = strings.TrimSpace(url)
	for _, p := range []*regexp.Regexp{sshPattern, httpsPattern} {
		if m := p.FindStringSubmatch(url); m != nil {
			return Parse(m[1] + "/" + m[2])
		}
	}
	return Ref{}, fmt.Errorf("unrecognised remote url %q", url)
}

// WorkingCopy describes a local clone.
type WorkingCopy struct {
	Path     string
	Remote   Ref    // zero when there is no origin remote
	Head     string // commit hash; empty for a repository without commits
	Branch   string // short branch name; empty when detached
	Detached bool
}

// ErrNotRepository is returned when path is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// Open inspects the working copy at path.
func Open(path string) (*WorkingCopy, error) {
	r, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	wc := &WorkingCopy{Path: path}

	if remote, err := r.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			if ref, err := ParseRemoteURL(urls[0]); err == nil {
				wc.Remote = ref
			}
		}
	}

	head, err := r.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return wc, nil
	case err != nil:
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	wc.Head = head.Hash().String()
	if head.Name().IsBranch() {
		wc.Branch = head.Name().Short()
	} else {
		wc.Detached = true
	}
	return wc, nil
}

// SanitizeToken turns an idempotency token into a safe branch name
// component. Runs of disallowed characters collapse into one dash.
func SanitizeToken(token string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(token) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.' {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(b.String(), "-.")
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	if len(out) > 100 {
		out = strings.Trim(out[:100], "-.")
	}
	if out == "" {
		return "run"
	}
	return out
}
