package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/hosting"
	"github.com/fyrsmithlabs/autodoc/internal/hosting/hostingtest"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
	"github.com/fyrsmithlabs/autodoc/internal/retry"
	"github.com/fyrsmithlabs/autodoc/internal/telemetry"
)

var widgets = repo.Ref{Owner: "acme", Name: "widgets"}

const readme = "# Widgets\n\nGenerated.\n"

var allOps = []string{
	hostingtest.OpRepository, hostingtest.OpTree, hostingtest.OpFile, hostingtest.OpBranchHead,
	hostingtest.OpCreateBranch, hostingtest.OpUpdateBranch, hostingtest.OpResetBranch, hostingtest.OpCreateCommit,
	hostingtest.OpFindCommit, hostingtest.OpFindPullRequest, hostingtest.OpCreatePullRequest,
	hostingtest.OpUpdatePullRequest,
}

func totalCalls(f *hostingtest.Fake) int {
	n := 0
	for _, op := range allOps {
		n += f.Calls(op)
	}
	return n
}

type fixture struct {
	fake   *hostingtest.Fake
	store  *MemoryStore
	mgr    *Manager
	tel    *telemetry.TestTelemetry
	logs   *logging.TestLogger
	base   string
	plan   Plan
	branch string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := hostingtest.New()
	base := fake.AddRepository(widgets, "main", map[string]string{"go.mod": "module widgets\n", "main.go": "package main\n"})
	store := NewMemoryStore()
	tel := telemetry.NewTestTelemetry()
	logs := logging.NewTestLogger()

	mgr, err := NewManager(fake, store, Options{
		Retry: retry.Config{
			MaxRetries:        2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		Logger: logs.Logger,
		Tracer: tel.Tracer("deploy"),
		Meter:  tel.Meter("deploy"),
	})
	require.NoError(t, err)

	return &fixture{
		fake:   fake,
		store:  store,
		mgr:    mgr,
		tel:    tel,
		logs:   logs,
		base:   base,
		branch: "autodoc/run-1",
		plan: Plan{
			Token:      "run-1",
			Repository: widgets,
			BaseCommit: base,
			Content:    []byte(readme),
		},
	}
}

func transportErr(op string) error {
	return &hosting.Error{Kind: hosting.KindTransport, Op: op, Err: errors.New("connection reset")}
}

func TestDeploy_CommitsBranchAndPullRequest(t *testing.T) {
	fx := newFixture(t)

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, fx.branch, rec.Branch)
	assert.Equal(t, "main", rec.BaseBranch)
	assert.Equal(t, fx.base, rec.BaseCommit)
	assert.Equal(t, fx.fake.Head(widgets, fx.branch), rec.CommitSHA)
	assert.Equal(t, fx.base, fx.fake.Head(widgets, "main"), "base branch untouched")

	got, ok := fx.fake.FileAt(widgets, fx.branch, "README.md")
	require.True(t, ok)
	assert.Equal(t, readme, got)

	prs := fx.fake.PullRequests(widgets)
	require.Len(t, prs, 1)
	assert.Equal(t, fx.branch, prs[0].Head)
	assert.Equal(t, "main", prs[0].Base)
	assert.Equal(t, "docs: update README", prs[0].Title)
	assert.Equal(t, prs[0].Number, rec.PullRequest)
	assert.Equal(t, prs[0].URL, rec.PullRequestURL)

	stored, err := fx.mgr.Status(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	fx.tel.AssertSpanExists(t, "deploy.deploy")
	fx.tel.AssertSpanAttribute(t, "deploy.deploy", "status", "committed")
	assert.Equal(t, int64(1), fx.tel.CounterValue(t, "autodoc.deploy.results", attribute.String("status", "committed")))
	fx.logs.AssertLogged(t, zapcore.InfoLevel, "deployment committed")
}

func TestDeploy_CommittedTokenIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	first, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)

	calls := totalCalls(fx.fake)
	commits := fx.fake.CommitCount(widgets)

	second, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, totalCalls(fx.fake), "no hosting calls for a committed token")
	assert.Equal(t, commits, fx.fake.CommitCount(widgets))
	assert.Len(t, fx.fake.PullRequests(widgets), 1)
	assert.Equal(t, int64(1), fx.tel.CounterValue(t, "autodoc.deploy.results", attribute.String("status", "reused")))
}

func TestDeploy_BaseAdvancedIsConflict(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Push(widgets, "main", "someone else", map[string]string{"main.go": "package main // changed\n"})
	commits := fx.fake.CommitCount(widgets)

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.Error(t, err)
	assert.Equal(t, failure.DeploymentConflict, failure.CodeOf(err))
	assert.Equal(t, StatusConflicted, rec.Status)
	assert.Equal(t, failure.DeploymentConflict, rec.Code)
	assert.Contains(t, rec.Reason, "base branch main moved")
	assert.Equal(t, 0, fx.fake.Writes())
	assert.Equal(t, commits, fx.fake.CommitCount(widgets))

	// The conflict is terminal and reported again without touching the host.
	calls := totalCalls(fx.fake)
	again, err := fx.mgr.Deploy(context.Background(), fx.plan)
	assert.Equal(t, failure.DeploymentConflict, failure.CodeOf(err))
	assert.Equal(t, StatusConflicted, again.Status)
	assert.Equal(t, calls, totalCalls(fx.fake))
}

func TestDeploy_BaseMovesBeforeCommit(t *testing.T) {
	fx := newFixture(t)
	fx.fake.OnCall(hostingtest.OpCreateBranch, func() {
		fx.fake.Push(widgets, "main", "racing push", map[string]string{"x.go": "package x\n"})
	})

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	assert.Equal(t, failure.DeploymentConflict, failure.CodeOf(err))
	assert.Equal(t, StatusConflicted, rec.Status)
	assert.Equal(t, 0, fx.fake.Calls(hostingtest.OpCreateCommit))
	assert.Empty(t, fx.fake.PullRequests(widgets))
}

func TestDeploy_ForeignBranchCommitIsConflict(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Push(widgets, fx.branch, "not ours", map[string]string{"README.md": "# Theirs\n"})

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	assert.Equal(t, failure.DeploymentConflict, failure.CodeOf(err))
	assert.Equal(t, StatusConflicted, rec.Status)
	assert.Contains(t, rec.Reason, "foreign commit")
	assert.Equal(t, 0, fx.fake.Writes())

	got, _ := fx.fake.FileAt(widgets, fx.branch, "README.md")
	assert.Equal(t, "# Theirs\n", got)
}

func TestDeploy_DefaultBranchResolvedWhenBaseMissing(t *testing.T) {
	fx := newFixture(t)
	plan := fx.plan
	plan.BaseCommit = ""

	rec, err := fx.mgr.Deploy(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "main", rec.BaseBranch)
	assert.Equal(t, fx.base, rec.BaseCommit)
	assert.Equal(t, 1, fx.fake.Calls(hostingtest.OpRepository))
}

func TestDeploy_CommitTransportErrorChecksBeforeRetry(t *testing.T) {
	fx := newFixture(t)
	fx.fake.FailNext(hostingtest.OpCreateCommit, hostingtest.Fault{Err: transportErr("CreateCommit")})

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, 2, fx.fake.Calls(hostingtest.OpCreateCommit))
	assert.GreaterOrEqual(t, fx.fake.Calls(hostingtest.OpFindCommit), 1, "branch checked before creating again")
}

func TestDeploy_BranchUpdateLostResponse(t *testing.T) {
	fx := newFixture(t)
	fx.fake.FailNext(hostingtest.OpUpdateBranch, hostingtest.Fault{Err: transportErr("UpdateBranch"), After: true})

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, 1, fx.fake.Calls(hostingtest.OpUpdateBranch), "update landed, not repeated")
	assert.Equal(t, rec.CommitSHA, fx.fake.Head(widgets, fx.branch))
}

func TestDeploy_PullRequestLostResponse(t *testing.T) {
	fx := newFixture(t)
	fx.fake.FailNext(hostingtest.OpCreatePullRequest, hostingtest.Fault{Err: transportErr("CreatePullRequest"), After: true})

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Len(t, fx.fake.PullRequests(widgets), 1)
	assert.Equal(t, 1, rec.PullRequest)
}

func TestDeploy_ForbiddenFailsAndCanBeSuperseded(t *testing.T) {
	fx := newFixture(t)
	fx.fake.FailNext(hostingtest.OpCreateBranch, hostingtest.Fault{
		Err: &hosting.Error{Kind: hosting.KindForbidden, Op: "CreateBranch", Status: 403, Message: "Resource not accessible by integration"},
	})

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	assert.Equal(t, failure.DeploymentForbidden, failure.CodeOf(err))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Revision)
	assert.Contains(t, rec.Reason, "Resource not accessible")

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, failure.StageDeploy, fe.Stage)
	assert.NotEmpty(t, fe.Remote)

	rec, err = fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, 2, rec.Revision)
	assert.Empty(t, rec.Reason)
}

func TestDeploy_ReusesOwnCommitAfterFailure(t *testing.T) {
	fx := newFixture(t)
	fx.fake.FailNext(hostingtest.OpCreatePullRequest, hostingtest.Fault{
		Err: &hosting.Error{Kind: hosting.KindForbidden, Op: "CreatePullRequest", Status: 403},
	})

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	commit := rec.CommitSHA
	require.NotEmpty(t, commit)
	commits := fx.fake.CommitCount(widgets)

	rec, err = fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Equal(t, commit, rec.CommitSHA)
	assert.Equal(t, commits, fx.fake.CommitCount(widgets), "no second commit")
	assert.Equal(t, 1, fx.fake.Calls(hostingtest.OpCreateCommit))
	assert.Len(t, fx.fake.PullRequests(widgets), 1)
}

func TestDeploy_RebuildsOutdatedCommitAfterFailure(t *testing.T) {
	tests := []struct {
		name      string
		advance   bool
		content   string
		wantFiles []string
	}{
		{name: "new base and content", advance: true, content: "# New\n\nnew content\n", wantFiles: []string{"CHANGELOG.md", "go.mod"}},
		{name: "new content on same base", content: "# New\n\nnew content\n", wantFiles: []string{"go.mod"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			ctx := context.Background()
			fx.fake.FailNext(hostingtest.OpCreatePullRequest, hostingtest.Fault{
				Err: &hosting.Error{Kind: hosting.KindForbidden, Op: "CreatePullRequest", Status: 403},
			})

			old := fx.plan
			old.Content = []byte("# Old\n\nold content\n")
			rec, err := fx.mgr.Deploy(ctx, old)
			require.Error(t, err)
			require.Equal(t, StatusFailed, rec.Status)
			outdated := rec.CommitSHA

			plan := fx.plan
			plan.Content = []byte(tt.content)
			if tt.advance {
				plan.BaseCommit = fx.fake.Push(widgets, "main", "changelog", map[string]string{"CHANGELOG.md": "# Changes\n"})
			}

			rec, err = fx.mgr.Deploy(ctx, plan)
			require.NoError(t, err)
			assert.Equal(t, StatusCommitted, rec.Status)
			assert.Equal(t, plan.BaseCommit, rec.BaseCommit)
			assert.Equal(t, ContentHash(plan.Content), rec.ContentHash)
			assert.NotEqual(t, outdated, rec.CommitSHA)
			assert.Equal(t, rec.CommitSHA, fx.fake.Head(widgets, fx.branch))
			assert.Equal(t, 1, fx.fake.Calls(hostingtest.OpResetBranch))

			got, ok := fx.fake.FileAt(widgets, fx.branch, "README.md")
			require.True(t, ok)
			assert.Equal(t, tt.content, got)
			for _, f := range tt.wantFiles {
				_, ok := fx.fake.FileAt(widgets, fx.branch, f)
				assert.True(t, ok, f)
			}

			c, err := fx.fake.FindCommit(ctx, widgets, fx.branch, Trailer("run-1"))
			require.NoError(t, err)
			assert.Equal(t, []string{plan.BaseCommit}, c.Parents)
			assert.Contains(t, c.Message, ContentTrailer(ContentHash(plan.Content)))
			assert.Len(t, fx.fake.PullRequests(widgets), 1)
		})
	}
}

func TestDeploy_OutdatedCommitOverwrittenByOthersIsConflict(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.fake.FailNext(hostingtest.OpCreatePullRequest, hostingtest.Fault{
		Err: &hosting.Error{Kind: hosting.KindForbidden, Op: "CreatePullRequest", Status: 403},
	})
	_, err := fx.mgr.Deploy(ctx, fx.plan)
	require.Error(t, err)

	// Someone pushes to the deployment branch after the branch was read.
	fx.fake.OnCall(hostingtest.OpCreateCommit, func() {
		fx.fake.Push(widgets, fx.branch, "manual edit", map[string]string{"README.md": "# Mine\n"})
	})
	plan := fx.plan
	plan.Content = []byte("# New\n")
	rec, err := fx.mgr.Deploy(ctx, plan)
	require.Error(t, err)
	assert.Equal(t, failure.DeploymentConflict, failure.CodeOf(err))
	assert.Equal(t, StatusConflicted, rec.Status)
	assert.Zero(t, fx.fake.Calls(hostingtest.OpResetBranch))

	got, _ := fx.fake.FileAt(widgets, fx.branch, "README.md")
	assert.Equal(t, "# Mine\n", got)
}

func TestDeploy_UpdatesExistingPullRequest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.fake.CreateBranch(ctx, widgets, fx.branch, fx.base))
	old, err := fx.fake.CreatePullRequest(ctx, widgets, hosting.NewPullRequest{Head: fx.branch, Base: "main", Title: "stale"})
	require.NoError(t, err)

	plan := fx.plan
	plan.Title = "docs: refresh README"
	rec, err := fx.mgr.Deploy(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, old.Number, rec.PullRequest)

	prs := fx.fake.PullRequests(widgets)
	require.Len(t, prs, 1)
	assert.Equal(t, "docs: refresh README", prs[0].Title)
	assert.Contains(t, prs[0].Body, Trailer("run-1"))
	assert.Equal(t, 1, fx.fake.Calls(hostingtest.OpUpdatePullRequest))
}

func TestDeploy_CollidingTokenIsConflict(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)

	// "RUN-1" sanitizes to the same branch but the commit there is not its own.
	plan := fx.plan
	plan.Token = "RUN-1"
	rec, err := fx.mgr.Deploy(context.Background(), plan)
	assert.Equal(t, failure.DeploymentConflict, failure.CodeOf(err))
	assert.Equal(t, StatusConflicted, rec.Status)
	assert.Equal(t, 1, fx.fake.Calls(hostingtest.OpCreateCommit))
}

func TestDeploy_TransportErrorsExhaustRetries(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 3; i++ {
		fx.fake.FailNext(hostingtest.OpBranchHead, hostingtest.Fault{Err: transportErr("BranchHead")})
	}

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	assert.Equal(t, failure.DeploymentTransportError, failure.CodeOf(err))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 3, fx.fake.Calls(hostingtest.OpBranchHead))
	assert.Equal(t, 0, fx.fake.Writes())
	fx.logs.AssertLogged(t, zapcore.WarnLevel, "hosting call failed after retries")
}

func TestDeploy_CancelledNeverLeavesPending(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.fake.OnCall(hostingtest.OpCreateCommit, cancel)

	rec, err := fx.mgr.Deploy(ctx, fx.plan)
	assert.Equal(t, failure.Cancelled, failure.CodeOf(err))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, failure.Cancelled, rec.Code)

	stored, err := fx.store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Empty(t, fx.fake.PullRequests(widgets))
}

func TestDeploy_ResumesPendingRecord(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.store.Create(context.Background(), &Record{
		Token:      "run-1",
		Repository: widgets,
		Path:       "README.md",
		BaseBranch: "main",
		BaseCommit: fx.base,
		Branch:     fx.branch,
		Status:     StatusPending,
	})
	require.NoError(t, err)

	rec, err := fx.mgr.Deploy(context.Background(), fx.plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, 1, rec.Revision)
	fx.logs.AssertLogged(t, zapcore.InfoLevel, "resuming pending deployment")
}

func TestDeploy_InvalidPlan(t *testing.T) {
	fx := newFixture(t)
	for name, plan := range map[string]Plan{
		"no token":   {Repository: widgets, Content: []byte("x")},
		"bad token":  {Token: "///", Repository: widgets, Content: []byte("x")},
		"no repo":    {Token: "t", Content: []byte("x")},
		"no content": {Token: "t", Repository: widgets},
	} {
		t.Run(name, func(t *testing.T) {
			rec, err := fx.mgr.Deploy(context.Background(), plan)
			assert.Nil(t, rec)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 0, totalCalls(fx.fake))
}

func TestBranchNameAndTrailer(t *testing.T) {
	assert.Equal(t, "autodoc/req-42", BranchName("autodoc/", "Req 42"))
	assert.Equal(t, "Autodoc-Token: abc", Trailer("abc"))
}
