// Package deploy stages a generated document against a hosted repository
// as a branch, a commit and a pull request.
//
// Every deployment is tracked by a Record keyed by the request's
// idempotency token. Records only move forward: pending to committed,
// conflicted or failed. A committed token is never deployed twice. The
// only forced branch move replaces an outdated commit carrying the same
// token; a base branch that moved, or a deployment branch holding someone
// else's commit, ends the deployment as conflicted.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/hosting"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
	"github.com/fyrsmithlabs/autodoc/internal/retry"
)

const instrumentationName = "github.com/fyrsmithlabs/autodoc/internal/deploy"

// Commit trailer keys. Every deployment commit carries both.
const (
	TrailerKey        = "Autodoc-Token"
	ContentTrailerKey = "Autodoc-Content"
)

// Trailer returns the commit trailer identifying token's commit.
func Trailer(token string) string {
	return TrailerKey + ": " + token
}

// ContentTrailer returns the commit trailer recording the deployed
// document's hash.
func ContentTrailer(hash string) string {
	return ContentTrailerKey + ": " + hash
}

// ContentHash is the hex SHA-256 of a document.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// BranchName returns the deployment branch for token.
func BranchName(prefix, token string) string {
	return prefix + repo.SanitizeToken(token)
}

// Plan describes one deployment.
type Plan struct {
	Token      string
	Repository repo.Ref

	// BaseBranch defaults to the repository's default branch.
	BaseBranch string

	// BaseCommit is the revision the document was generated from. Empty
	// means the base branch head when the deployment starts.
	BaseCommit string

	// Path defaults to Options.TargetPath.
	Path    string
	Content []byte

	// ContentHash defaults to ContentHash(Content).
	ContentHash   string
	CommitMessage string
	Title         string
	Body          string
}

func (p Plan) validate() error {
	switch {
	case strings.TrimSpace(p.Token) == "":
		return errors.New("idempotency token is required")
	case repo.SanitizeToken(p.Token) == "":
		return fmt.Errorf("token %q has no usable branch characters", p.Token)
	case p.Repository.IsZero():
		return errors.New("repository is required")
	case len(p.Content) == 0:
		return errors.New("content is required")
	}
	return nil
}

// Options configures a Manager.
type Options struct {
	BranchPrefix  string
	TargetPath    string
	CommitMessage string
	PRTitle       string
	Draft         bool
	Retry         retry.Config

	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	Now    func() time.Time
}

// OptionsFrom converts the deploy configuration section.
func OptionsFrom(c config.DeployConfig) Options {
	return Options{
		BranchPrefix:  c.BranchPrefix,
		TargetPath:    c.TargetPath,
		CommitMessage: c.CommitMessage,
		PRTitle:       c.PRTitle,
		Draft:         c.Draft,
		Retry:         retry.FromConfig(c.Retry),
	}
}

// Manager runs deployments.
type Manager struct {
	host  hosting.Host
	store Store
	opts  Options

	logger   *logging.Logger
	tracer   trace.Tracer
	results  metric.Int64Counter
	duration metric.Float64Histogram
	now      func() time.Time
}

// NewManager creates a Manager. Reads against host are retried with
// opts.Retry; writes are not.
func NewManager(host hosting.Host, store Store, opts Options) (*Manager, error) {
	if host == nil {
		return nil, errors.New("deploy manager requires a hosting client")
	}
	if store == nil {
		return nil, errors.New("deploy manager requires a record store")
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "autodoc/"
	}
	if opts.TargetPath == "" {
		opts.TargetPath = "README.md"
	}
	if opts.CommitMessage == "" {
		opts.CommitMessage = "docs: update generated README"
	}
	if opts.PRTitle == "" {
		opts.PRTitle = "docs: update README"
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("deploy retry: %w", err)
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

	m := &Manager{
		host:   hosting.WithRetry(host, opts.Retry, opts.Logger),
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		tracer: opts.Tracer,
		now:    opts.Now,
	}

	var err error
	m.results, err = opts.Meter.Int64Counter("autodoc.deploy.results",
		metric.WithDescription("Deployments by final status"),
		metric.WithUnit("{deployment}"))
	if err != nil {
		return nil, err
	}
	m.duration, err = opts.Meter.Float64Histogram("autodoc.deploy.duration",
		metric.WithDescription("Duration of deployments"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Status returns the record for token.
func (m *Manager) Status(ctx context.Context, token string) (*Record, error) {
	return m.store.Get(ctx, token)
}

// Deploy applies plan. It returns the record in its final state together
// with a *failure.Error when the record did not end committed.
func (m *Manager) Deploy(ctx context.Context, plan Plan) (*Record, error) {
	if err := plan.validate(); err != nil {
		return nil, failure.Wrap(err, failure.Internal, failure.StageDeploy, "invalid deployment plan")
	}
	if plan.Path == "" {
		plan.Path = m.opts.TargetPath
	}
	if plan.ContentHash == "" {
		plan.ContentHash = ContentHash(plan.Content)
	}

	ctx, span := m.tracer.Start(ctx, "deploy.deploy", trace.WithAttributes(
		attribute.String("repository", plan.Repository.String()),
		attribute.String("path", plan.Path),
	))
	defer span.End()
	start := m.now()

	rec, done, err := m.begin(ctx, plan)
	if done || err != nil {
		if rec != nil {
			span.SetAttributes(attribute.String("status", string(rec.Status)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return rec, err
	}

	runErr := m.run(ctx, plan, rec)
	rec, err = m.finish(ctx, rec, runErr)

	m.duration.Record(ctx, m.now().Sub(start).Seconds())
	if rec != nil {
		span.SetAttributes(
			attribute.String("status", string(rec.Status)),
			attribute.String("branch", rec.Branch),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

// begin loads or creates the record. done is true when an existing
// terminal record answers the request without touching the host.
func (m *Manager) begin(ctx context.Context, plan Plan) (*Record, bool, error) {
	existing, err := m.store.Get(ctx, plan.Token)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, true, failure.Wrap(err, failure.Internal, failure.StageDeploy, "load deployment record")
	case existing.Status == StatusCommitted:
		m.logger.Info(ctx, "deployment already committed",
			zap.String("branch", existing.Branch),
			zap.String("commit", existing.CommitSHA),
		)
		m.count(ctx, "reused")
		return existing, true, nil
	case existing.Status == StatusConflicted:
		m.count(ctx, "reused")
		return existing, true, failure.New(failure.DeploymentConflict, failure.StageDeploy, existing.Reason)
	case existing.Status == StatusPending:
		m.logger.Info(ctx, "resuming pending deployment",
			zap.String("branch", existing.Branch),
			zap.String("base_commit", existing.BaseCommit),
		)
		return existing, false, nil
	}

	now := m.now()
	rec, err := m.store.Create(ctx, &Record{
		Token:       plan.Token,
		Repository:  plan.Repository,
		Path:        plan.Path,
		BaseBranch:  plan.BaseBranch,
		BaseCommit:  plan.BaseCommit,
		Branch:      BranchName(m.opts.BranchPrefix, plan.Token),
		Status:      StatusPending,
		ContentHash: plan.ContentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, true, failure.Wrap(err, failure.Internal, failure.StageDeploy, "create deployment record")
	}
	if existing != nil {
		m.logger.Info(ctx, "superseding failed deployment",
			zap.Int("revision", rec.Revision),
			zap.String("previous_reason", existing.Reason),
		)
	}
	return rec, false, nil
}

func (m *Manager) run(ctx context.Context, plan Plan, rec *Record) error {
	if rec.BaseBranch == "" {
		info, err := m.host.Repository(ctx, rec.Repository)
		if err != nil {
			return err
		}
		rec.BaseBranch = info.DefaultBranch
	}
	if rec.BaseCommit == "" {
		head, err := m.host.BranchHead(ctx, rec.Repository, rec.BaseBranch)
		if err != nil {
			return err
		}
		rec.BaseCommit = head
	}
	if err := m.save(ctx, rec); err != nil {
		return err
	}

	if err := m.checkBase(ctx, rec); err != nil {
		return err
	}
	state, head, err := m.ensureBranch(ctx, rec)
	if err != nil {
		return err
	}

	if state != branchDeployed {
		// The base may have moved while the branch was prepared.
		if err := m.checkBase(ctx, rec); err != nil {
			return err
		}
		if rec.CommitSHA == "" {
			message := plan.CommitMessage
			if message == "" {
				message = m.opts.CommitMessage
			}
			message = strings.TrimRight(message, "\n") + "\n\n" + Trailer(rec.Token) + "\n" + ContentTrailer(rec.ContentHash) + "\n"
			sha, err := m.createCommit(ctx, rec, message, []hosting.FileChange{{Path: rec.Path, Content: plan.Content}})
			if err != nil {
				return err
			}
			rec.CommitSHA = sha
			if err := m.save(ctx, rec); err != nil {
				return err
			}
		}
		if state == branchOutdated {
			err = m.resetBranch(ctx, rec, head)
		} else {
			err = m.updateBranch(ctx, rec)
		}
		if err != nil {
			return err
		}
	}

	return m.pullRequest(ctx, plan, rec)
}

// checkBase fails with a conflict when the base branch no longer points at
// the commit the document was generated from.
func (m *Manager) checkBase(ctx context.Context, rec *Record) error {
	head, err := m.host.BranchHead(ctx, rec.Repository, rec.BaseBranch)
	if err != nil {
		return err
	}
	if head != rec.BaseCommit {
		return failure.Newf(failure.DeploymentConflict, failure.StageDeploy,
			"base branch %s moved from %s to %s", rec.BaseBranch, short(rec.BaseCommit), short(head))
	}
	return nil
}

// branchState is what ensureBranch found on the deployment branch.
type branchState int

const (
	// branchAtBase: the branch points at the record's base commit.
	branchAtBase branchState = iota
	// branchDeployed: the branch carries this record's commit.
	branchDeployed
	// branchOutdated: the branch carries a commit of the same token built
	// on another base or holding another document.
	branchOutdated
)

// ensureBranch makes sure the deployment branch exists and returns its
// state together with its head.
func (m *Manager) ensureBranch(ctx context.Context, rec *Record) (branchState, string, error) {
	head, err := m.host.BranchHead(ctx, rec.Repository, rec.Branch)
	if hosting.IsNotFound(err) {
		err = m.host.CreateBranch(ctx, rec.Repository, rec.Branch, rec.BaseCommit)
		if err == nil {
			m.logger.Debug(ctx, "deployment branch created", zap.String("branch", rec.Branch))
			return branchAtBase, rec.BaseCommit, nil
		}
		if ctx.Err() != nil {
			return 0, "", err
		}
		// Lost response or a concurrent creation: look at what is there.
		if hosting.KindOf(err) != hosting.KindConflict && !hosting.Retryable(err) {
			return 0, "", err
		}
		head, err = m.host.BranchHead(ctx, rec.Repository, rec.Branch)
	}
	if err != nil {
		return 0, "", err
	}

	switch {
	case head == rec.BaseCommit:
		return branchAtBase, head, nil
	case rec.CommitSHA != "" && head == rec.CommitSHA:
		return branchDeployed, head, nil
	}

	c, err := m.host.FindCommit(ctx, rec.Repository, rec.Branch, Trailer(rec.Token))
	switch {
	case err == nil && c.SHA == head && ownCommit(c, rec):
		rec.CommitSHA = c.SHA
		m.logger.Info(ctx, "deployment branch already carries our commit",
			zap.String("branch", rec.Branch),
			zap.String("commit", c.SHA),
		)
		return branchDeployed, head, nil
	case err == nil && c.SHA == head:
		m.logger.Info(ctx, "deployment branch carries an outdated commit",
			zap.String("branch", rec.Branch),
			zap.String("commit", c.SHA),
			zap.String("base_commit", rec.BaseCommit),
		)
		return branchOutdated, head, nil
	case err != nil && !hosting.IsNotFound(err):
		return 0, "", err
	}
	return 0, "", failure.Newf(failure.DeploymentConflict, failure.StageDeploy,
		"branch %s points at foreign commit %s", rec.Branch, short(head))
}

// ownCommit reports whether c is rec's commit: a single parent at the
// record's base and the record's document.
func ownCommit(c *hosting.Commit, rec *Record) bool {
	if len(c.Parents) != 1 || c.Parents[0] != rec.BaseCommit {
		return false
	}
	return strings.Contains(c.Message, ContentTrailer(rec.ContentHash))
}

// createCommit creates the commit. A transport failure leaves the outcome
// unknown, so before trying again the branch is checked for a commit
// carrying our trailer.
func (m *Manager) createCommit(ctx context.Context, rec *Record, message string, files []hosting.FileChange) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := m.wait(ctx, attempt-1); err != nil {
				return "", err
			}
			c, err := m.host.FindCommit(ctx, rec.Repository, rec.Branch, Trailer(rec.Token))
			if err == nil && ownCommit(c, rec) {
				return c.SHA, nil
			}
			if err != nil && !hosting.IsNotFound(err) {
				return "", err
			}
		}

		c, err := m.host.CreateCommit(ctx, rec.Repository, rec.BaseCommit, message, files)
		if err == nil {
			m.logger.Info(ctx, "deployment commit created",
				zap.String("commit", c.SHA),
				zap.String("parent", rec.BaseCommit),
			)
			return c.SHA, nil
		}
		if ctx.Err() != nil || !hosting.Retryable(err) {
			return "", err
		}
		lastErr = err
		m.logger.Warn(ctx, "commit creation failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", lastErr
}

// updateBranch fast-forwards the deployment branch to the new commit. After
// a transport failure the head is re-read before repeating the update.
func (m *Manager) updateBranch(ctx context.Context, rec *Record) error {
	var lastErr error
	for attempt := 0; attempt <= m.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := m.wait(ctx, attempt-1); err != nil {
				return err
			}
			head, err := m.host.BranchHead(ctx, rec.Repository, rec.Branch)
			if err != nil {
				return err
			}
			switch head {
			case rec.CommitSHA:
				return nil
			case rec.BaseCommit:
			default:
				return failure.Newf(failure.DeploymentConflict, failure.StageDeploy,
					"branch %s moved to %s during deployment", rec.Branch, short(head))
			}
		}

		err := m.host.UpdateBranch(ctx, rec.Repository, rec.Branch, rec.CommitSHA)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !hosting.Retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// resetBranch moves the deployment branch from an outdated commit of the
// same token to the new commit. The head is checked first so a commit
// pushed by someone else in the meantime is never discarded.
func (m *Manager) resetBranch(ctx context.Context, rec *Record, outdated string) error {
	head, err := m.host.BranchHead(ctx, rec.Repository, rec.Branch)
	if err != nil {
		return err
	}
	switch head {
	case rec.CommitSHA:
		return nil
	case outdated:
	default:
		return failure.Newf(failure.DeploymentConflict, failure.StageDeploy,
			"branch %s moved to %s during deployment", rec.Branch, short(head))
	}

	_, err = retry.Do(ctx, m.opts.Retry, hosting.Retryable, func(ctx context.Context) error {
		return m.host.ResetBranch(ctx, rec.Repository, rec.Branch, rec.CommitSHA)
	})
	if err != nil {
		return err
	}
	m.logger.Info(ctx, "deployment branch rebuilt",
		zap.String("branch", rec.Branch),
		zap.String("from", short(outdated)),
		zap.String("commit", rec.CommitSHA),
	)
	return nil
}

func (m *Manager) pullRequest(ctx context.Context, plan Plan, rec *Record) error {
	title := plan.Title
	if title == "" {
		title = m.opts.PRTitle
	}
	body := plan.Body
	if body == "" {
		body = fmt.Sprintf("Updates `%s` with documentation generated from %s.\n\n%s\n",
			rec.Path, short(rec.BaseCommit), Trailer(rec.Token))
	}

	pr, err := m.host.FindPullRequest(ctx, rec.Repository, rec.Branch, rec.BaseBranch)
	switch {
	case err == nil:
		if pr.Title != title || pr.Body != body {
			_, err = retry.Do(ctx, m.opts.Retry, hosting.Retryable, func(ctx context.Context) error {
				updated, err := m.host.UpdatePullRequest(ctx, rec.Repository, pr.Number, title, body)
				if err == nil {
					pr = updated
				}
				return err
			})
			if err != nil {
				return err
			}
		}
	case hosting.IsNotFound(err):
		pr, err = m.openPullRequest(ctx, rec, title, body)
		if err != nil {
			return err
		}
	default:
		return err
	}

	rec.PullRequest = pr.Number
	rec.PullRequestURL = pr.URL
	return nil
}

func (m *Manager) openPullRequest(ctx context.Context, rec *Record, title, body string) (*hosting.PullRequest, error) {
	npr := hosting.NewPullRequest{
		Head:  rec.Branch,
		Base:  rec.BaseBranch,
		Title: title,
		Body:  body,
		Draft: m.opts.Draft,
	}
	var lastErr error
	for attempt := 0; attempt <= m.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := m.wait(ctx, attempt-1); err != nil {
				return nil, err
			}
			pr, err := m.host.FindPullRequest(ctx, rec.Repository, rec.Branch, rec.BaseBranch)
			if err == nil {
				return pr, nil
			}
			if !hosting.IsNotFound(err) {
				return nil, err
			}
		}

		pr, err := m.host.CreatePullRequest(ctx, rec.Repository, npr)
		if err == nil {
			m.logger.Info(ctx, "pull request opened",
				zap.Int("number", pr.Number),
				zap.String("url", pr.URL),
			)
			return pr, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// A conflict means one is already open; the next pass finds it.
		if hosting.KindOf(err) != hosting.KindConflict && !hosting.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m *Manager) wait(ctx context.Context, n int) error {
	timer := time.NewTimer(m.opts.Retry.Wait(n))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = m.now()
	if err := m.store.Update(ctx, rec); err != nil {
		return failure.Wrap(err, failure.Internal, failure.StageDeploy, "save deployment record")
	}
	return nil
}

// finish moves rec to its terminal status. The store write ignores
// cancellation so a cancelled deployment never stays pending.
func (m *Manager) finish(ctx context.Context, rec *Record, runErr error) (*Record, error) {
	var fe *failure.Error
	if runErr == nil {
		rec.Status = StatusCommitted
		rec.Reason = ""
		rec.Code = ""
	} else {
		fe = m.classify(ctx, runErr)
		rec.Status = StatusFailed
		if fe.Code == failure.DeploymentConflict {
			rec.Status = StatusConflicted
		}
		rec.Reason = fe.Message
		if fe.Remote != "" {
			rec.Reason += ": " + fe.Remote
		}
		rec.Code = fe.Code
	}

	rec.UpdatedAt = m.now()
	if err := m.store.Update(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Error(ctx, "failed to persist deployment record",
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
		if fe == nil {
			return rec, failure.Wrap(err, failure.Internal, failure.StageDeploy, "save deployment record")
		}
	}
	m.count(ctx, string(rec.Status))

	fields := []zap.Field{
		zap.String("status", string(rec.Status)),
		zap.String("branch", rec.Branch),
		zap.String("commit", rec.CommitSHA),
		zap.Int("pull_request", rec.PullRequest),
	}
	switch rec.Status {
	case StatusCommitted:
		m.logger.Info(ctx, "deployment committed", fields...)
		return rec, nil
	case StatusConflicted:
		m.logger.Warn(ctx, "deployment conflicted", append(fields, zap.String("reason", rec.Reason))...)
	default:
		m.logger.Error(ctx, "deployment failed", append(fields, zap.String("code", string(rec.Code)), zap.Error(runErr))...)
	}
	return rec, fe
}

// classify maps a run error to its failure code. Cancellation wins.
func (m *Manager) classify(ctx context.Context, err error) *failure.Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return failure.Wrap(err, failure.Cancelled, failure.StageDeploy, "deployment cancelled")
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}

	var out *failure.Error
	switch hosting.KindOf(err) {
	case hosting.KindConflict:
		out = failure.Wrap(err, failure.DeploymentConflict, failure.StageDeploy, "remote rejected the update")
	case hosting.KindForbidden:
		out = failure.Wrap(err, failure.DeploymentForbidden, failure.StageDeploy, "access denied")
	case hosting.KindNotFound:
		out = failure.Wrap(err, failure.DeploymentForbidden, failure.StageDeploy, "repository or branch not found")
	default:
		out = failure.Wrap(err, failure.DeploymentTransportError, failure.StageDeploy, "hosting platform unreachable")
	}
	return out.WithRemote(err.Error())
}

func (m *Manager) count(ctx context.Context, status string) {
	m.results.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
