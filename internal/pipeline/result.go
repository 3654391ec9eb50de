package pipeline

import (
	"time"

	"github.com/fyrsmithlabs/autodoc/internal/deploy"
	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/generator"
	"github.com/fyrsmithlabs/autodoc/internal/router"
)

// ResultKind is the terminal shape of a run.
type ResultKind string

const (
	// Success: the document is committed and a pull request is open.
	Success ResultKind = "success"
	// PartialFailure: a document was generated but not deployed.
	PartialFailure ResultKind = "partial_failure"
	// Failure: no document was produced, or the run was cancelled.
	Failure ResultKind = "failure"
)

// SnapshotInfo describes the snapshot a run generated from.
type SnapshotInfo struct {
	Hash       string `json:"hash"`
	Revision   string `json:"revision,omitempty"`
	Entries    int    `json:"entries"`
	TotalBytes int    `json:"total_bytes"`
	Budget     int    `json:"budget"`
	Redactions int    `json:"redactions,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Result is the terminal outcome of a run. Stage, Code, Provider and Remote
// locate a failure precisely enough to resume without starting over.
type Result struct {
	Kind  ResultKind `json:"kind"`
	RunID string     `json:"run_id"`
	Token string     `json:"token"`

	Record   *deploy.Record      `json:"record,omitempty"`
	Document *generator.Document `json:"document,omitempty"`
	Snapshot *SnapshotInfo       `json:"snapshot,omitempty"`
	Attempts []router.Attempt    `json:"attempts,omitempty"`

	// Content is the generated document when it could not be deployed.
	Content string `json:"content,omitempty"`

	Stage    failure.Stage `json:"stage,omitempty"`
	Code     failure.Code  `json:"code,omitempty"`
	Provider string        `json:"provider,omitempty"`
	Remote   string        `json:"remote,omitempty"`
	Reason   string        `json:"reason,omitempty"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Err returns nil for Success and a *failure.Error otherwise.
func (r *Result) Err() error {
	if r.Kind == Success {
		return nil
	}
	fe := failure.New(r.Code, r.Stage, r.Reason)
	fe.Provider = r.Provider
	fe.Remote = r.Remote
	return fe
}

// fail records err on r.
func (r *Result) fail(kind ResultKind, err error, stage failure.Stage) {
	fe := failure.From(err, stage)
	r.Kind = kind
	r.Stage = fe.Stage
	if r.Stage == "" {
		r.Stage = stage
	}
	r.Code = fe.Code
	r.Reason = fe.Message
	if r.Reason == "" {
		r.Reason = err.Error()
	}
	if fe.Provider != "" {
		r.Provider = fe.Provider
	}
	r.Remote = fe.Remote
	if r.Remote == "" && fe.Cause != nil {
		r.Remote = fe.Cause.Error()
	}
	if fe.Code == failure.Cancelled {
		r.Kind = Failure
	}
}
