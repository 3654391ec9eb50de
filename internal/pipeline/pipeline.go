// Package pipeline runs generation requests end to end: snapshot, generate,
// deploy.
//
// The Coordinator serves many requests concurrently, one goroutine each.
// Requests share nothing but the provider router's cooldown state. Each
// request owns a cancellable context registered under its idempotency
// token; a second submission of a token that is still running waits for
// the first and receives the same result.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/deploy"
	"github.com/fyrsmithlabs/autodoc/internal/events"
	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/generator"
	"github.com/fyrsmithlabs/autodoc/internal/hosting"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
	"github.com/fyrsmithlabs/autodoc/internal/router"
	"github.com/fyrsmithlabs/autodoc/internal/snapshot"
)

const instrumentationName = "github.com/fyrsmithlabs/autodoc/internal/pipeline"

// Source says where a repository is read from. A non-empty Path reads a
// local working copy; otherwise the repository is read through the hosting
// API at Ref (default branch when empty).
type Source struct {
	Path string `json:"path,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

// GenerationRequest asks for one document to be generated and deployed.
type GenerationRequest struct {
	Token      string                 `json:"token"`
	Repository repo.Ref               `json:"repository"`
	Source     Source                 `json:"source"`
	Kind       generator.DocumentKind `json:"kind,omitempty"`
	Hints      generator.Hints        `json:"hints,omitempty"`
	BaseBranch string                 `json:"base_branch,omitempty"`
}

func (r GenerationRequest) validate(remote bool) error {
	switch {
	case strings.TrimSpace(r.Token) == "":
		return errors.New("idempotency token is required")
	case r.Source.Path == "" && r.Repository.IsZero():
		return errors.New("either a local path or a repository is required")
	case r.Source.Path == "" && !remote:
		return errors.New("remote sources need a hosting client")
	}
	return nil
}

// Generator is the part of generator.Generator the coordinator needs.
type Generator interface {
	Generate(ctx context.Context, snap *snapshot.Snapshot, kind generator.DocumentKind, hints generator.Hints) (*generator.Document, *router.Result, error)
}

// Deployer is the part of deploy.Manager the coordinator needs.
type Deployer interface {
	Deploy(ctx context.Context, plan deploy.Plan) (*deploy.Record, error)
	Status(ctx context.Context, token string) (*deploy.Record, error)
}

// Options configures a Coordinator.
type Options struct {
	Budget  snapshot.Budget
	Exclude []string

	// TargetPath overrides the deployment manager's default path.
	TargetPath string

	// Host reads remote sources. Nil restricts requests to local paths.
	Host hosting.Host

	Publisher events.Publisher
	Logger    *logging.Logger
	Tracer    trace.Tracer
	Meter     metric.Meter
	Now       func() time.Time
	NewID     func() string
}

// Progress describes a run that has not finished.
type Progress struct {
	RunID   string        `json:"run_id"`
	Token   string        `json:"token"`
	Stage   failure.Stage `json:"stage"`
	Started time.Time     `json:"started"`
}

type run struct {
	id      string
	token   string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	result  *Result

	mu    sync.Mutex
	stage failure.Stage
}

func (r *run) setStage(s failure.Stage) {
	r.mu.Lock()
	r.stage = s
	r.mu.Unlock()
}

func (r *run) progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Progress{RunID: r.id, Token: r.token, Stage: r.stage, Started: r.started}
}

var errCoordinatorClosed = errors.New("coordinator is closed")

// Coordinator sequences snapshot, generation and deployment.
type Coordinator struct {
	builder   *snapshot.Builder
	generator Generator
	deployer  Deployer
	opts      Options

	logger   *logging.Logger
	tracer   trace.Tracer
	results  metric.Int64Counter
	duration metric.Float64Histogram

	mu       sync.Mutex
	inflight map[string]*run
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Coordinator.
func New(builder *snapshot.Builder, gen Generator, dep Deployer, opts Options) (*Coordinator, error) {
	if builder == nil || gen == nil || dep == nil {
		return nil, errors.New("coordinator requires a snapshot builder, a generator and a deployer")
	}
	if opts.Budget.MaxBytes <= 0 {
		return nil, fmt.Errorf("snapshot budget must be positive, got %d", opts.Budget.MaxBytes)
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(instrumentationName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	c := &Coordinator{
		builder:   builder,
		generator: gen,
		deployer:  dep,
		opts:      opts,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		inflight:  make(map[string]*run),
	}

	var err error
	c.results, err = opts.Meter.Int64Counter("autodoc.pipeline.results",
		metric.WithDescription("Pipeline runs by result kind and code"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	c.duration, err = opts.Meter.Float64Histogram("autodoc.pipeline.duration",
		metric.WithDescription("Duration of pipeline runs"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Submit runs req to completion and returns its terminal result. It never
// returns nil.
func (c *Coordinator) Submit(ctx context.Context, req GenerationRequest) *Result {
	started := c.opts.Now()
	if err := req.validate(c.opts.Host != nil); err != nil {
		res := &Result{Token: req.Token, Started: started, Finished: started}
		res.fail(Failure, failure.Wrap(err, failure.Internal, failure.StageSnapshot, "invalid request"), failure.StageSnapshot)
		return res
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		res := &Result{Token: req.Token, Started: started, Finished: started}
		res.fail(Failure, failure.Wrap(errCoordinatorClosed, failure.Cancelled, "", "coordinator is shutting down"), "")
		return res
	}
	if r, ok := c.inflight[req.Token]; ok {
		c.mu.Unlock()
		c.logger.Info(ctx, "joining in-flight run", zap.String("run.id", r.id))
		select {
		case <-r.done:
			return r.result
		case <-ctx.Done():
			res := &Result{RunID: r.id, Token: req.Token, Started: started, Finished: c.opts.Now()}
			res.fail(Failure, ctx.Err(), "")
			return res
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:      c.opts.NewID(),
		token:   req.Token,
		started: started,
		cancel:  cancel,
		done:    make(chan struct{}),
		stage:   failure.StageSnapshot,
	}
	c.inflight[req.Token] = r
	c.wg.Add(1)
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.inflight, req.Token)
		c.mu.Unlock()
		close(r.done)
		c.wg.Done()
	}()

	r.result = c.execute(runCtx, r, req)
	return r.result
}

// Status returns the deployment record for token.
func (c *Coordinator) Status(ctx context.Context, token string) (*deploy.Record, error) {
	return c.deployer.Status(ctx, token)
}

// Progress reports the stage of an in-flight run.
func (c *Coordinator) Progress(token string) (Progress, bool) {
	c.mu.Lock()
	r, ok := c.inflight[token]
	c.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return r.progress(), true
}

// Cancel cancels the in-flight run for token. It reports whether one was
// running.
func (c *Coordinator) Cancel(token string) bool {
	c.mu.Lock()
	r, ok := c.inflight[token]
	c.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// Close rejects new submissions, cancels running ones and waits for them
// to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for _, r := range c.inflight {
		r.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) execute(ctx context.Context, r *run, req GenerationRequest) *Result {
	ctx = logging.WithRun(ctx, logging.Run{ID: r.id, Token: req.Token, Repository: req.Repository.String()})
	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.String("repository", req.Repository.String()),
		attribute.String("kind", string(req.Kind)),
	))
	defer span.End()

	res := &Result{RunID: r.id, Token: req.Token, Started: r.started}
	c.publish(ctx, req, res, events.KindSubmitted, nil)
	c.logger.Info(ctx, "run started", zap.String("source", describe(req)))

	c.process(ctx, r, req, res)

	res.Finished = c.opts.Now()
	c.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(res.Kind)),
		attribute.String("code", string(res.Code)),
	))
	c.duration.Record(ctx, res.Finished.Sub(res.Started).Seconds(),
		metric.WithAttributes(attribute.String("kind", string(res.Kind))))
	span.SetAttributes(attribute.String("result", string(res.Kind)))

	fields := []zap.Field{
		zap.String("result", string(res.Kind)),
		zap.Duration("duration", res.Finished.Sub(res.Started)),
		zap.Int("attempts", len(res.Attempts)),
	}
	switch {
	case res.Kind == Success:
		c.publish(ctx, req, res, events.KindCompleted, nil)
		c.logger.Info(ctx, "run succeeded", append(fields, zap.Int("pull_request", res.Record.PullRequest))...)
	case res.Code == failure.Cancelled:
		span.SetStatus(codes.Error, res.Reason)
		c.publish(ctx, req, res, events.KindCancelled, nil)
		c.logger.Warn(ctx, "run cancelled", append(fields, zap.String("stage", string(res.Stage)))...)
	default:
		span.SetStatus(codes.Error, res.Reason)
		c.publish(ctx, req, res, events.KindFailed, nil)
		c.logger.Error(ctx, "run failed", append(fields,
			zap.String("stage", string(res.Stage)),
			zap.String("code", string(res.Code)),
			zap.String("reason", res.Reason),
		)...)
	}
	return res
}

func (c *Coordinator) process(ctx context.Context, r *run, req GenerationRequest, res *Result) {
	// A committed token is answered from the store without any other work.
	if rec, err := c.deployer.Status(ctx, req.Token); err == nil {
		switch rec.Status {
		case deploy.StatusCommitted:
			res.Kind = Success
			res.Record = rec
			c.logger.Info(ctx, "token already deployed", zap.String("commit", rec.CommitSHA))
			return
		case deploy.StatusConflicted:
			res.Record = rec
			res.fail(Failure, failure.New(failure.DeploymentConflict, failure.StageDeploy, rec.Reason), failure.StageDeploy)
			return
		}
	} else if !errors.Is(err, deploy.ErrNotFound) {
		res.fail(Failure, failure.Wrap(err, failure.Internal, failure.StageDeploy, "load deployment record"), failure.StageDeploy)
		return
	}

	r.setStage(failure.StageSnapshot)
	snap, err := c.builder.Build(logging.WithStage(ctx, string(failure.StageSnapshot)), c.source(req), c.opts.Budget)
	if err != nil {
		res.fail(Failure, err, failure.StageSnapshot)
		return
	}
	res.Snapshot = &SnapshotInfo{
		Hash:       snap.Hash,
		Revision:   snap.Revision,
		Entries:    len(snap.Entries),
		TotalBytes: snap.TotalBytes,
		Budget:     snap.Budget,
		Redactions: snap.Redactions,
		Language:   snap.Analysis.Language,
	}
	c.publish(ctx, req, res, events.KindSnapshot, map[string]string{
		"hash":        snap.Hash,
		"total_bytes": fmt.Sprint(snap.TotalBytes),
	})

	r.setStage(failure.StageGenerate)
	kind := req.Kind
	if kind == "" {
		kind = generator.KindAdvanced
	}
	doc, rres, err := c.generator.Generate(logging.WithStage(ctx, string(failure.StageGenerate)), snap, kind, req.Hints)
	if rres != nil {
		res.Attempts = rres.Attempts
	}
	if err != nil {
		res.fail(Failure, err, failure.StageGenerate)
		return
	}
	res.Document = doc
	res.Provider = doc.Provider
	c.publish(ctx, req, res, events.KindGenerated, map[string]string{"bytes": fmt.Sprint(doc.Bytes)})

	target := req.Repository
	if target.IsZero() {
		target = snap.Repository
	}
	if target.IsZero() {
		res.Content = doc.Content
		res.fail(PartialFailure, failure.New(failure.DeploymentForbidden, failure.StageDeploy,
			"no hosted repository to deploy to; pass one or add an origin remote"), failure.StageDeploy)
		return
	}

	r.setStage(failure.StageDeploy)
	rec, err := c.deployer.Deploy(logging.WithStage(ctx, string(failure.StageDeploy)), deploy.Plan{
		Token:       req.Token,
		Repository:  target,
		BaseBranch:  c.baseBranch(req),
		BaseCommit:  snap.Revision,
		Path:        c.opts.TargetPath,
		Content:     []byte(doc.Content),
		ContentHash: contentHash(doc.Content),
		Body:        pullRequestBody(snap, doc, req.Token),
	})
	res.Record = rec
	if err != nil {
		res.Content = doc.Content
		res.fail(PartialFailure, err, failure.StageDeploy)
		return
	}
	res.Kind = Success
	res.Reason = ""
	c.publish(ctx, req, res, events.KindDeployed, map[string]string{
		"branch": rec.Branch,
		"commit": rec.CommitSHA,
	})
}

func (c *Coordinator) source(req GenerationRequest) snapshot.Source {
	if req.Source.Path != "" {
		return snapshot.LocalSource{Path: req.Source.Path, Repository: req.Repository, Exclude: c.opts.Exclude}
	}
	return snapshot.RemoteSource{Host: c.opts.Host, Repository: req.Repository, Ref: req.Source.Ref, Exclude: c.opts.Exclude}
}

// baseBranch is the branch the pull request targets. A remote source read
// at a named ref targets that ref.
func (c *Coordinator) baseBranch(req GenerationRequest) string {
	if req.BaseBranch != "" {
		return req.BaseBranch
	}
	if req.Source.Path == "" && req.Source.Ref != "" && !looksLikeSHA(req.Source.Ref) {
		return req.Source.Ref
	}
	return ""
}

func (c *Coordinator) publish(ctx context.Context, req GenerationRequest, res *Result, kind events.Kind, attrs map[string]string) {
	e := events.Event{
		Kind:       kind,
		RunID:      res.RunID,
		Token:      req.Token,
		Repository: req.Repository.String(),
		Stage:      string(res.Stage),
		Provider:   res.Provider,
		Code:       string(res.Code),
		Message:    res.Reason,
		Attributes: attrs,
		Timestamp:  c.opts.Now(),
	}
	if err := c.opts.Publisher.Publish(ctx, e); err != nil {
		c.logger.Warn(ctx, "failed to publish run event", zap.String("event", string(kind)), zap.Error(err))
	}
}

func pullRequestBody(snap *snapshot.Snapshot, doc *generator.Document, token string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This pull request updates the README with a %s document generated by autodoc.\n\n", doc.Kind)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	if snap.Revision != "" {
		fmt.Fprintf(&b, "| Base commit | `%s` |\n", snap.Revision)
	}
	fmt.Fprintf(&b, "| Provider | %s |\n", doc.Provider)
	fmt.Fprintf(&b, "| Snapshot | %d entries, %d bytes |\n", len(snap.Entries), snap.TotalBytes)
	if snap.Analysis.Language != "" {
		fmt.Fprintf(&b, "| Language | %s |\n", snap.Analysis.Language)
	}
	fmt.Fprintf(&b, "\n%s\n", deploy.Trailer(token))
	return b.String()
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func describe(req GenerationRequest) string {
	if req.Source.Path != "" {
		return "local:" + req.Source.Path
	}
	if req.Source.Ref != "" {
		return "remote:" + req.Repository.String() + "@" + req.Source.Ref
	}
	return "remote:" + req.Repository.String()
}

func looksLikeSHA(s string) bool {
	if len(s) < 7 || len(s) > 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
