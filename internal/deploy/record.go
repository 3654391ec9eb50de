package deploy

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

// Status is the state of a deployment record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusConflicted Status = "conflicted"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusConflicted || s == StatusFailed
}

// CanTransition reports whether a record may move from one status to
// another. A pending record may be rewritten while it makes progress.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	switch to {
	case StatusPending, StatusCommitted, StatusConflicted, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no record exists for a token.
	ErrNotFound = errors.New("deployment record not found")

	// ErrExists is returned when creating a record over a live one.
	ErrExists = errors.New("deployment record already exists")

	// ErrInvalidTransition is returned for a backwards status change.
	ErrInvalidTransition = errors.New("invalid deployment status transition")
)

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Record tracks one deployment, keyed by the request's idempotency token.
type Record struct {
	Token      string   `json:"token"`
	Revision   int      `json:"revision"`
	Repository repo.Ref `json:"repository"`
	Path       string   `json:"path"`

	BaseBranch string `json:"base_branch"`
	BaseCommit string `json:"base_commit"`
	Branch     string `json:"branch"`
	CommitSHA  string `json:"commit_sha,omitempty"`

	PullRequest    int    `json:"pull_request,omitempty"`
	PullRequestURL string `json:"pull_request_url,omitempty"`

	Status Status       `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Code   failure.Code `json:"code,omitempty"`

	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
