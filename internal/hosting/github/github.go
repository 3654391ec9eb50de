// Package github implements hosting.Host on the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/hosting"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

// findCommitDepth bounds how far back FindCommit looks.
const findCommitDepth = 30

// Options configures the client.
type Options struct {
	Token config.Secret

	// BaseURL is the API root of a GitHub Enterprise server. Empty means
	// api.github.com.
	BaseURL string

	// Timeout bounds every API call.
	Timeout time.Duration

	// HTTPClient is used as the transport under the oauth2 layer.
	HTTPClient *http.Client
}

// Client talks to GitHub.
type Client struct {
	api     *gh.Client
	timeout time.Duration
}

var _ hosting.Host = (*Client)(nil)

// New creates a GitHub client with token authentication.
func New(ctx context.Context, opts Options) (*Client, error) {
	if !opts.Token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}

	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token.Value()})
	api := gh.NewClient(oauth2.NewClient(ctx, ts))

	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		api.BaseURL = u
	}

	return &Client{api: api, timeout: opts.Timeout}, nil
}

// FromConfig builds a client from the github configuration section.
func FromConfig(ctx context.Context, cfg config.GitHubConfig) (*Client, error) {
	return New(ctx, Options{Token: cfg.Token, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout.Duration()})
}

func (c *Client) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// Repository implements hosting.Host.
func (c *Client) Repository(ctx context.Context, r repo.Ref) (*hosting.Repository, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	rp, resp, err := c.api.Repositories.Get(ctx, r.Owner, r.Name)
	if err != nil {
		return nil, classify("Repository", resp, err)
	}
	return &hosting.Repository{
		Ref:           r,
		DefaultBranch: rp.GetDefaultBranch(),
		Private:       rp.GetPrivate(),
		HTMLURL:       rp.GetHTMLURL(),
	}, nil
}

// Tree implements hosting.Host.
func (c *Client) Tree(ctx context.Context, r repo.Ref, ref string) (*hosting.Tree, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	commit, resp, err := c.api.Repositories.GetCommit(ctx, r.Owner, r.Name, ref, nil)
	if err != nil {
		return nil, classify("Tree", resp, err)
	}
	treeSHA := commit.GetCommit().GetTree().GetSHA()

	tree, resp, err := c.api.Git.GetTree(ctx, r.Owner, r.Name, treeSHA, true)
	if err != nil {
		return nil, classify("Tree", resp, err)
	}

	out := &hosting.Tree{Commit: commit.GetSHA(), SHA: tree.GetSHA(), Truncated: tree.GetTruncated()}
	for _, e := range tree.Entries {
		out.Entries = append(out.Entries, hosting.TreeEntry{
			Path: e.GetPath(),
			Type: hosting.EntryType(e.GetType()),
			Mode: e.GetMode(),
			Size: int64(e.GetSize()),
			SHA:  e.GetSHA(),
		})
	}
	return out, nil
}

// File implements hosting.Host.
func (c *Client) File(ctx context.Context, r repo.Ref, sha string) ([]byte, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	data, resp, err := c.api.Git.GetBlobRaw(ctx, r.Owner, r.Name, sha)
	if err != nil {
		return nil, classify("File", resp, err)
	}
	return data, nil
}

// BranchHead implements hosting.Host.
func (c *Client) BranchHead(ctx context.Context, r repo.Ref, branch string) (string, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	ref, resp, err := c.api.Git.GetRef(ctx, r.Owner, r.Name, "heads/"+branch)
	if err != nil {
		return "", classify("BranchHead", resp, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch implements hosting.Host.
func (c *Client) CreateBranch(ctx context.Context, r repo.Ref, branch, sha string) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	_, resp, err := c.api.Git.CreateRef(ctx, r.Owner, r.Name, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: gh.String(sha)},
	})
	if err != nil {
		return classify("CreateBranch", resp, err)
	}
	return nil
}

// UpdateBranch implements hosting.Host.
func (c *Client) UpdateBranch(ctx context.Context, r repo.Ref, branch, sha string) error {
	return c.updateRef(ctx, "UpdateBranch", r, branch, sha, false)
}

// ResetBranch implements hosting.Host.
func (c *Client) ResetBranch(ctx context.Context, r repo.Ref, branch, sha string) error {
	return c.updateRef(ctx, "ResetBranch", r, branch, sha, true)
}

func (c *Client) updateRef(ctx context.Context, op string, r repo.Ref, branch, sha string, force bool) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	_, resp, err := c.api.Git.UpdateRef(ctx, r.Owner, r.Name, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: gh.String(sha)},
	}, force)
	if err != nil {
		return classify(op, resp, err)
	}
	return nil
}

// CreateCommit implements hosting.Host. It writes a tree on top of the
// parent's tree and a commit pointing at it.
func (c *Client) CreateCommit(ctx context.Context, r repo.Ref, parent, message string, files []hosting.FileChange) (*hosting.Commit, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	base, resp, err := c.api.Git.GetCommit(ctx, r.Owner, r.Name, parent)
	if err != nil {
		return nil, classify("CreateCommit", resp, err)
	}

	entries := make([]*gh.TreeEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, &gh.TreeEntry{
			Path:    gh.String(f.Path),
			Mode:    gh.String("100644"),
			Type:    gh.String("blob"),
			Content: gh.String(string(f.Content)),
		})
	}
	tree, resp, err := c.api.Git.CreateTree(ctx, r.Owner, r.Name, base.GetTree().GetSHA(), entries)
	if err != nil {
		return nil, classify("CreateCommit", resp, err)
	}

	commit, resp, err := c.api.Git.CreateCommit(ctx, r.Owner, r.Name, &gh.Commit{
		Message: gh.String(message),
		Tree:    &gh.Tree{SHA: tree.SHA},
		Parents: []*gh.Commit{{SHA: gh.String(parent)}},
	}, nil)
	if err != nil {
		return nil, classify("CreateCommit", resp, err)
	}
	return &hosting.Commit{
		SHA:     commit.GetSHA(),
		TreeSHA: tree.GetSHA(),
		Message: commit.GetMessage(),
		Parents: []string{parent},
	}, nil
}

// FindCommit implements hosting.Host.
func (c *Client) FindCommit(ctx context.Context, r repo.Ref, branch, marker string) (*hosting.Commit, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	commits, resp, err := c.api.Repositories.ListCommits(ctx, r.Owner, r.Name, &gh.CommitsListOptions{
		SHA:         branch,
		ListOptions: gh.ListOptions{PerPage: findCommitDepth},
	})
	if err != nil {
		return nil, classify("FindCommit", resp, err)
	}
	for _, rc := range commits {
		msg := rc.GetCommit().GetMessage()
		if !strings.Contains(msg, marker) {
			continue
		}
		out := &hosting.Commit{SHA: rc.GetSHA(), TreeSHA: rc.GetCommit().GetTree().GetSHA(), Message: msg}
		for _, p := range rc.Parents {
			out.Parents = append(out.Parents, p.GetSHA())
		}
		return out, nil
	}
	return nil, hosting.Errorf(hosting.KindNotFound, "FindCommit", "no commit with marker on %s", branch)
}

// FindPullRequest implements hosting.Host.
func (c *Client) FindPullRequest(ctx context.Context, r repo.Ref, head, base string) (*hosting.PullRequest, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	prs, resp, err := c.api.PullRequests.List(ctx, r.Owner, r.Name, &gh.PullRequestListOptions{
		State: "open",
		Head:  r.Owner + ":" + head,
		Base:  base,
	})
	if err != nil {
		return nil, classify("FindPullRequest", resp, err)
	}
	if len(prs) == 0 {
		return nil, hosting.Errorf(hosting.KindNotFound, "FindPullRequest", "no open pull request from %s", head)
	}
	return convertPR(prs[0]), nil
}

// CreatePullRequest implements hosting.Host.
func (c *Client) CreatePullRequest(ctx context.Context, r repo.Ref, npr hosting.NewPullRequest) (*hosting.PullRequest, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	pr, resp, err := c.api.PullRequests.Create(ctx, r.Owner, r.Name, &gh.NewPullRequest{
		Title: gh.String(npr.Title),
		Head:  gh.String(npr.Head),
		Base:  gh.String(npr.Base),
		Body:  gh.String(npr.Body),
		Draft: gh.Bool(npr.Draft),
	})
	if err != nil {
		return nil, classify("CreatePullRequest", resp, err)
	}
	return convertPR(pr), nil
}

// UpdatePullRequest implements hosting.Host.
func (c *Client) UpdatePullRequest(ctx context.Context, r repo.Ref, number int, title, body string) (*hosting.PullRequest, error) {
	ctx, cancel := c.call(ctx)
	defer cancel()

	pr, resp, err := c.api.PullRequests.Edit(ctx, r.Owner, r.Name, number, &gh.PullRequest{
		Title: gh.String(title),
		Body:  gh.String(body),
	})
	if err != nil {
		return nil, classify("UpdatePullRequest", resp, err)
	}
	return convertPR(pr), nil
}

func convertPR(pr *gh.PullRequest) *hosting.PullRequest {
	return &hosting.PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		State:  pr.GetState(),
		Draft:  pr.GetDraft(),
	}
}

// classify maps a go-github error onto a hosting.Error.
func classify(op string, resp *gh.Response, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	he := &hosting.Error{Kind: hosting.KindTransport, Op: op, Err: err}

	var rle *gh.RateLimitError
	var abuse *gh.AbuseRateLimitError
	var er *gh.ErrorResponse
	switch {
	case errors.As(err, &rle):
		he.Kind = hosting.KindRateLimited
		he.Message = rle.Message
		he.Status = statusOf(rle.Response)
		if wait := time.Until(rle.Rate.Reset.Time); wait > 0 {
			he.Wait = wait + time.Second
		}
		return he
	case errors.As(err, &abuse):
		he.Kind = hosting.KindRateLimited
		he.Message = abuse.Message
		he.Status = statusOf(abuse.Response)
		he.Wait = abuse.GetRetryAfter()
		return he
	case errors.As(err, &er):
		he.Message = er.Message
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	he.Status = status
	switch {
	case status == http.StatusNotFound:
		he.Kind = hosting.KindNotFound
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		he.Kind = hosting.KindConflict
	case status == http.StatusTooManyRequests:
		he.Kind = hosting.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		he.Kind = hosting.KindForbidden
	}
	return he
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
