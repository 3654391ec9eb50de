package hosting

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
	"github.com/fyrsmithlabs/autodoc/internal/retry"
)

// retrying retries the idempotent reads of a Host. Writes pass through
// untouched: repeating a write after an unknown outcome is the caller's
// decision.
type retrying struct {
	Host
	cfg    retry.Config
	logger *logging.Logger
}

// WithRetry wraps h so that reads failing with a transport or rate-limit
// error are retried with bounded backoff.
func WithRetry(h Host, cfg retry.Config, logger *logging.Logger) Host {
	if logger == nil {
		logger = logging.Nop()
	}
	return &retrying{Host: h, cfg: cfg, logger: logger}
}

func (r *retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	retries, err := retry.Do(ctx, r.cfg, Retryable, fn)
	switch {
	case err != nil && retries > 0:
		r.logger.Warn(ctx, "hosting call failed after retries",
			zap.String("op", op),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	case err == nil && retries > 0:
		r.logger.Info(ctx, "hosting call recovered after retries",
			zap.String("op", op),
			zap.Int("retries", retries),
		)
	}
	return err
}

func (r *retrying) Repository(ctx context.Context, ref repo.Ref) (out *Repository, err error) {
	err = r.do(ctx, "Repository", func(ctx context.Context) error {
		out, err = r.Host.Repository(ctx, ref)
		return err
	})
	return out, err
}

func (r *retrying) Tree(ctx context.Context, ref repo.Ref, rev string) (out *Tree, err error) {
	err = r.do(ctx, "Tree", func(ctx context.Context) error {
		out, err = r.Host.Tree(ctx, ref, rev)
		return err
	})
	return out, err
}

func (r *retrying) File(ctx context.Context, ref repo.Ref, sha string) (out []byte, err error) {
	err = r.do(ctx, "File", func(ctx context.Context) error {
		out, err = r.Host.File(ctx, ref, sha)
		return err
	})
	return out, err
}

func (r *retrying) BranchHead(ctx context.Context, ref repo.Ref, branch string) (out string, err error) {
	err = r.do(ctx, "BranchHead", func(ctx context.Context) error {
		out, err = r.Host.BranchHead(ctx, ref, branch)
		return err
	})
	return out, err
}

func (r *retrying) FindCommit(ctx context.Context, ref repo.Ref, branch, marker string) (out *Commit, err error) {
	err = r.do(ctx, "FindCommit", func(ctx context.Context) error {
		out, err = r.Host.FindCommit(ctx, ref, branch, marker)
		return err
	})
	return out, err
}

func (r *retrying) FindPullRequest(ctx context.Context, ref repo.Ref, head, base string) (out *PullRequest, err error) {
	err = r.do(ctx, "FindPullRequest", func(ctx context.Context) error {
		out, err = r.Host.FindPullRequest(ctx, ref, head, base)
		return err
	})
	return out, err
}
