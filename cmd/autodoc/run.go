package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autodoc/internal/generator"
	"github.com/fyrsmithlabs/autodoc/internal/pipeline"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

type runFlags struct {
	repository   string
	token        string
	kind         string
	ref          string
	base         string
	tone         string
	sections     []string
	template     string
	instructions string
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run [path]",
	Short: "Generate and deploy a README once",
	Long: `Generate a README for a local checkout (path) or a hosted repository
(--repo) and open a pull request with it. The result is printed as JSON.

Re-running with the same --token resumes or repeats nothing: a committed
token returns its existing deployment.`,
	Example: `  autodoc run .
  autodoc run --repo acme/widgets --kind simple --token widgets-readme`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := runOpts.request(args)
		if err != nil {
			return err
		}
		return runOnce(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.repository, "repo", "", "hosted repository as owner/name (default: the checkout's origin)")
	f.StringVar(&runOpts.token, "token", "", "idempotency token (default: a fresh one)")
	f.StringVar(&runOpts.kind, "kind", "advanced", "document kind: simple, advanced, installation or readme")
	f.StringVar(&runOpts.ref, "ref", "", "branch, tag or commit to read a hosted repository at")
	f.StringVar(&runOpts.base, "base", "", "branch the pull request targets (default: the repository's default branch)")
	f.StringVar(&runOpts.tone, "tone", "", "tone hint for the writer")
	f.StringSliceVar(&runOpts.sections, "section", nil, "section the README must include (repeatable)")
	f.StringVar(&runOpts.template, "template", "", "template the README should follow")
	f.StringVar(&runOpts.instructions, "instructions", "", "extra instructions for the writer")
}

func (f runFlags) request(args []string) (pipeline.GenerationRequest, error) {
	kind, err := generator.ParseKind(f.kind)
	if err != nil {
		return pipeline.GenerationRequest{}, err
	}
	req := pipeline.GenerationRequest{
		Token:      f.token,
		Kind:       kind,
		BaseBranch: f.base,
		Source:     pipeline.Source{Ref: f.ref},
		Hints: generator.Hints{
			Tone:         f.tone,
			Sections:     f.sections,
			Template:     f.template,
			Instructions: f.instructions,
		},
	}
	if req.Token == "" {
		req.Token = "cli-" + uuid.NewString()
	}
	if len(args) == 1 {
		req.Source.Path = args[0]
	}
	if f.repository != "" {
		r, err := repo.Parse(f.repository)
		if err != nil {
			return pipeline.GenerationRequest{}, err
		}
		req.Repository = r
	}
	if req.Source.Path == "" && req.Repository.IsZero() {
		return pipeline.GenerationRequest{}, errors.New("a path or --repo is required")
	}
	if req.Source.Path != "" && req.Source.Ref != "" {
		return pipeline.GenerationRequest{}, errors.New("--ref applies to hosted repositories only")
	}
	return req, nil
}

// errRunFailed makes the command exit non-zero after the result is printed.
var errRunFailed = errors.New("generation did not succeed")

func runOnce(ctx context.Context, out io.Writer, req pipeline.GenerationRequest) (err error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(closeCtx))
	}()

	res := a.coordinator.Submit(ctx, req)
	if err := writeResult(out, res); err != nil {
		return err
	}
	if res.Kind != pipeline.Success {
		return fmt.Errorf("%w: %s", errRunFailed, res.Err())
	}
	return nil
}

func writeResult(w io.Writer, res *pipeline.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
