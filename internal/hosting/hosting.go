// Package hosting defines the contract with the repository hosting
// platform: tree and file reads, branch heads, commits and pull requests.
//
// Every implementation reports failures as *Error so callers can tell a
// missing object from a head mismatch, a rate limit or a permission problem.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

// ErrorKind classifies a hosting failure.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindRateLimited ErrorKind = "rate_limited"
	KindForbidden   ErrorKind = "forbidden"
	KindTransport   ErrorKind = "transport"
)

// Error is a classified hosting failure.
type Error struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Message string
	Wait    time.Duration
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && e.Message == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfter returns how long the platform asked us to wait.
func (e *Error) RetryAfter() time.Duration { return e.Wait }

// Errorf builds an *Error.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Errors that are not *Error count as transport
// failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindTransport
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == KindNotFound
}

// Retryable reports whether an idempotent call failing with err may be
// repeated.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTransport, KindRateLimited:
		return true
	}
	return false
}

// Repository describes a hosted repository.
type Repository struct {
	Ref           repo.Ref
	DefaultBranch string
	Private       bool
	HTMLURL       string
}

// EntryType distinguishes tree entries.
type EntryType string

const (
	EntryBlob EntryType = "blob"
	EntryTree EntryType = "tree"
)

// TreeEntry is one object in a recursive tree listing.
type TreeEntry struct {
	Path string
	Type EntryType
	Mode string
	Size int64
	SHA  string
}

// Tree is a recursive listing of a commit's tree.
type Tree struct {
	Commit    string
	SHA       string
	Entries   []TreeEntry
	Truncated bool
}

// Commit is a commit object.
type Commit struct {
	SHA     string
	TreeSHA string
	Message string
	Parents []string
}

// FileChange writes Content at Path.
type FileChange struct {
	Path    string
	Content []byte
}

// PullRequest is an open or closed pull request.
type PullRequest struct {
	Number int
	URL    string
	Head   string
	Base   string
	Title  string
	Body   string
	State  string
	Draft  bool
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
	Draft bool
}

// Host is the hosting platform API used by snapshots and deployments.
type Host interface {
	Repository(ctx context.Context, r repo.Ref) (*Repository, error)

	// Tree lists every blob reachable from ref (a branch name or commit SHA).
	Tree(ctx context.Context, r repo.Ref, ref string) (*Tree, error)

	// File returns the contents of the blob with the given SHA.
	File(ctx context.Context, r repo.Ref, sha string) ([]byte, error)

	// BranchHead returns the commit SHA a branch points at.
	BranchHead(ctx context.Context, r repo.Ref, branch string) (string, error)

	// CreateBranch creates a branch at sha. KindConflict if it exists.
	CreateBranch(ctx context.Context, r repo.Ref, branch, sha string) error

	// UpdateBranch fast-forwards a branch to sha. Never forced: KindConflict
	// if sha does not descend from the current head.
	UpdateBranch(ctx context.Context, r repo.Ref, branch, sha string) error

	// ResetBranch moves a branch to sha even when that is not a fast
	// forward. Deployments use it only on branches holding their own
	// commits.
	ResetBranch(ctx context.Context, r repo.Ref, branch, sha string) error

	// CreateCommit creates a commit on top of parent with the given file
	// changes. It does not move any branch.
	CreateCommit(ctx context.Context, r repo.Ref, parent, message string, files []FileChange) (*Commit, error)

	// FindCommit searches the recent history of branch for a commit whose
	// message contains marker. KindNotFound if there is none.
	FindCommit(ctx context.Context, r repo.Ref, branch, marker string) (*Commit, error)

	// FindPullRequest returns the open pull request from head into base.
	FindPullRequest(ctx context.Context, r repo.Ref, head, base string) (*PullRequest, error)

	CreatePullRequest(ctx context.Context, r repo.Ref, pr NewPullRequest) (*PullRequest, error)

	UpdatePullRequest(ctx context.Context, r repo.Ref, number int, title, body string) (*PullRequest, error)
}
