package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/deploy"
	"github.com/fyrsmithlabs/autodoc/internal/generator"
	"github.com/fyrsmithlabs/autodoc/internal/pipeline"
	"github.com/fyrsmithlabs/autodoc/internal/repo"
)

// invalidInputError rejects a tool call before any work starts.
type invalidInputError struct{ msg string }

func (e *invalidInputError) Error() string { return "invalid input: " + e.msg }

func invalid(format string, args ...any) error {
	return &invalidInputError{msg: fmt.Sprintf(format, args...)}
}

func (s *Server) registerTools() {
	s.registerGenerateDocs()
	s.registerDeploymentStatus()
	s.registerCancelGeneration()
	s.registerListProviders()
}

// track wraps a handler body with the active gauge and invocation metrics.
func (s *Server) track(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
	}
}

// ===== generate_docs =====

type generateDocsInput struct {
	Token        string   `json:"token" jsonschema:"Idempotency token; resubmitting a deployed token returns its record without new work"`
	Repository   string   `json:"repository,omitempty" jsonschema:"Hosted repository as owner/name; required unless path is set"`
	Path         string   `json:"path,omitempty" jsonschema:"Local working copy to read instead of the hosting API"`
	Ref          string   `json:"ref,omitempty" jsonschema:"Branch or commit to read remotely (default: the default branch)"`
	BaseBranch   string   `json:"base_branch,omitempty" jsonschema:"Branch the pull request targets (default: the default branch)"`
	Kind         string   `json:"kind,omitempty" jsonschema:"Document kind: simple, advanced, installation or readme (default: advanced)"`
	Tone         string   `json:"tone,omitempty" jsonschema:"Writing tone, e.g. friendly or formal"`
	Sections     []string `json:"sections,omitempty" jsonschema:"Sections the document must include"`
	Template     string   `json:"template,omitempty" jsonschema:"Template the document should follow"`
	Instructions string   `json:"instructions,omitempty" jsonschema:"Additional instructions for the writer"`
	Background   bool     `json:"background,omitempty" jsonschema:"Return immediately and run in the background; poll deployment_status"`
}

type attemptOutput struct {
	Provider   string `json:"provider"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	Retries    int    `json:"retries,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type generateDocsOutput struct {
	Token          string          `json:"token" jsonschema:"Idempotency token"`
	Running        bool            `json:"running,omitempty" jsonschema:"True when the run continues in the background"`
	Result         string          `json:"result,omitempty" jsonschema:"success, partial_failure or failure"`
	RunID          string          `json:"run_id,omitempty" jsonschema:"Run identifier"`
	Stage          string          `json:"stage,omitempty" jsonschema:"Stage that failed"`
	Code           string          `json:"code,omitempty" jsonschema:"Failure code"`
	Provider       string          `json:"provider,omitempty" jsonschema:"Provider that produced the document or failed last"`
	Reason         string          `json:"reason,omitempty" jsonschema:"Failure reason"`
	Remote         string          `json:"remote,omitempty" jsonschema:"Remote error message"`
	Branch         string          `json:"branch,omitempty" jsonschema:"Deployment branch"`
	Commit         string          `json:"commit,omitempty" jsonschema:"Deployed commit"`
	PullRequest    int             `json:"pull_request,omitempty" jsonschema:"Pull request number"`
	PullRequestURL string          `json:"pull_request_url,omitempty" jsonschema:"Pull request URL"`
	Bytes          int             `json:"bytes,omitempty" jsonschema:"Document size in bytes"`
	Content        string          `json:"content,omitempty" jsonschema:"Generated document when it could not be deployed"`
	Attempts       []attemptOutput `json:"attempts,omitempty" jsonschema:"Provider attempts in order"`
}

func (in generateDocsInput) request() (pipeline.GenerationRequest, error) {
	var req pipeline.GenerationRequest
	req.Token = strings.TrimSpace(in.Token)
	if req.Token == "" {
		return req, invalid("token is required")
	}
	if in.Repository != "" {
		r, err := repo.Parse(in.Repository)
		if err != nil {
			return req, invalid("%v", err)
		}
		req.Repository = r
	}
	if in.Path == "" && req.Repository.IsZero() {
		return req, invalid("either repository or path is required")
	}
	kind, err := generator.ParseKind(in.Kind)
	if err != nil {
		return req, invalid("%v", err)
	}
	req.Kind = kind
	req.Source = pipeline.Source{Path: in.Path, Ref: in.Ref}
	req.BaseBranch = in.BaseBranch
	req.Hints = generator.Hints{
		Tone:         in.Tone,
		Sections:     in.Sections,
		Template:     in.Template,
		Instructions: in.Instructions,
	}
	return req, nil
}

func (s *Server) registerGenerateDocs() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "generate_docs",
		Description: "Generate a README for a repository and open a pull request with it",
	}, s.generateDocs)
}

func (s *Server) generateDocs(ctx context.Context, _ *mcp.CallToolRequest, args generateDocsInput) (*mcp.CallToolResult, generateDocsOutput, error) {
	var toolErr error
	done := s.track(ctx, "generate_docs")
	defer func() { done(toolErr) }()

	req, err := args.request()
	if err != nil {
		toolErr = err
		return nil, generateDocsOutput{}, err
	}

	if args.Background {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			res := s.coord.Submit(s.bgCtx, req)
			s.logger.Debug(s.bgCtx, "background run finished",
				zap.String("run.id", res.RunID),
				zap.String("result", string(res.Kind)))
		}()
		out := generateDocsOutput{Token: req.Token, Running: true}
		return textResult(fmt.Sprintf("Generation for %s started in the background", req.Token), false), out, nil
	}

	res := s.coord.Submit(ctx, req)
	out := s.resultOutput(res)
	return textResult(summarize(res), res.Kind != pipeline.Success), out, nil
}

func (s *Server) resultOutput(res *pipeline.Result) generateDocsOutput {
	out := generateDocsOutput{
		Token:    res.Token,
		Result:   string(res.Kind),
		RunID:    res.RunID,
		Stage:    string(res.Stage),
		Code:     string(res.Code),
		Provider: res.Provider,
		Reason:   s.scrub(res.Reason),
		Remote:   s.scrub(res.Remote),
		Content:  s.scrub(res.Content),
	}
	if rec := res.Record; rec != nil {
		out.Branch = rec.Branch
		out.Commit = rec.CommitSHA
		out.PullRequest = rec.PullRequest
		out.PullRequestURL = rec.PullRequestURL
	}
	if res.Document != nil {
		out.Bytes = res.Document.Bytes
	}
	for _, a := range res.Attempts {
		out.Attempts = append(out.Attempts, attemptOutput{
			Provider:   a.Provider,
			Outcome:    string(a.Outcome),
			Error:      s.scrub(a.Error),
			Retries:    a.Retries,
			DurationMS: a.Finished.Sub(a.Started).Milliseconds(),
		})
	}
	return out
}

func summarize(res *pipeline.Result) string {
	switch res.Kind {
	case pipeline.Success:
		if res.Record != nil && res.Record.PullRequestURL != "" {
			return fmt.Sprintf("README deployed: %s", res.Record.PullRequestURL)
		}
		return "README deployed"
	case pipeline.PartialFailure:
		return fmt.Sprintf("README generated but not deployed (%s): %s", res.Code, res.Reason)
	default:
		return fmt.Sprintf("Generation failed at %s (%s): %s", res.Stage, res.Code, res.Reason)
	}
}

// ===== deployment_status =====

type tokenInput struct {
	Token string `json:"token" jsonschema:"Idempotency token of the request"`
}

type deploymentStatusOutput struct {
	Token     string     `json:"token" jsonschema:"Idempotency token"`
	Found     bool       `json:"found" jsonschema:"True when a run is in flight or a deployment record exists"`
	Running   bool       `json:"running,omitempty" jsonschema:"True while a run is in flight"`
	RunID     string     `json:"run_id,omitempty" jsonschema:"In-flight run identifier"`
	Stage     string     `json:"stage,omitempty" jsonschema:"Stage of the in-flight run"`
	Started   *time.Time `json:"started,omitempty" jsonschema:"When the in-flight run started"`
	Status    string     `json:"status,omitempty" jsonschema:"Deployment status: pending, committed, conflicted or failed"`
	Revision  int        `json:"revision,omitempty" jsonschema:"Record revision; failed records are superseded by resubmission"`
	Repo      string     `json:"repository,omitempty" jsonschema:"Target repository"`
	Branch    string     `json:"branch,omitempty" jsonschema:"Deployment branch"`
	Commit    string     `json:"commit,omitempty" jsonschema:"Deployed commit"`
	BaseRef   string     `json:"base_branch,omitempty" jsonschema:"Base branch"`
	PR        int        `json:"pull_request,omitempty" jsonschema:"Pull request number"`
	PRURL     string     `json:"pull_request_url,omitempty" jsonschema:"Pull request URL"`
	Code      string     `json:"code,omitempty" jsonschema:"Failure code"`
	Reason    string     `json:"reason,omitempty" jsonschema:"Failure reason"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" jsonschema:"Last record update"`
}

func (s *Server) registerDeploymentStatus() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "deployment_status",
		Description: "Show the progress of a generation request and its deployment record",
	}, s.deploymentStatus)
}

func (s *Server) deploymentStatus(ctx context.Context, _ *mcp.CallToolRequest, args tokenInput) (*mcp.CallToolResult, deploymentStatusOutput, error) {
	var toolErr error
	done := s.track(ctx, "deployment_status")
	defer func() { done(toolErr) }()

	if strings.TrimSpace(args.Token) == "" {
		toolErr = invalid("token is required")
		return nil, deploymentStatusOutput{}, toolErr
	}

	out := deploymentStatusOutput{Token: args.Token}
	if p, ok := s.coord.Progress(args.Token); ok {
		started := p.Started
		out.Found = true
		out.Running = true
		out.RunID = p.RunID
		out.Stage = string(p.Stage)
		out.Started = &started
	}

	rec, err := s.coord.Status(ctx, args.Token)
	switch {
	case err == nil:
		updated := rec.UpdatedAt
		out.Found = true
		out.Status = string(rec.Status)
		out.Revision = rec.Revision
		out.Repo = rec.Repository.String()
		out.Branch = rec.Branch
		out.Commit = rec.CommitSHA
		out.BaseRef = rec.BaseBranch
		out.PR = rec.PullRequest
		out.PRURL = rec.PullRequestURL
		out.Code = string(rec.Code)
		out.Reason = s.scrub(rec.Reason)
		out.UpdatedAt = &updated
	case errors.Is(err, deploy.ErrNotFound):
	default:
		toolErr = fmt.Errorf("load deployment record: %w", err)
		return nil, deploymentStatusOutput{}, toolErr
	}

	var text string
	switch {
	case out.Running:
		text = fmt.Sprintf("%s is running (%s)", args.Token, out.Stage)
	case out.Status != "":
		text = fmt.Sprintf("%s is %s", args.Token, out.Status)
	default:
		text = fmt.Sprintf("No request found for %s", args.Token)
	}
	return textResult(text, false), out, nil
}

// ===== cancel_generation =====

type cancelGenerationOutput struct {
	Token     string `json:"token" jsonschema:"Idempotency token"`
	Cancelled bool   `json:"cancelled" jsonschema:"True when an in-flight run was cancelled"`
}

func (s *Server) registerCancelGeneration() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "cancel_generation",
		Description: "Cancel an in-flight generation request",
	}, s.cancelGeneration)
}

func (s *Server) cancelGeneration(ctx context.Context, _ *mcp.CallToolRequest, args tokenInput) (*mcp.CallToolResult, cancelGenerationOutput, error) {
	var toolErr error
	done := s.track(ctx, "cancel_generation")
	defer func() { done(toolErr) }()

	if strings.TrimSpace(args.Token) == "" {
		toolErr = invalid("token is required")
		return nil, cancelGenerationOutput{}, toolErr
	}

	cancelled := s.coord.Cancel(args.Token)
	text := fmt.Sprintf("Cancelled %s", args.Token)
	if !cancelled {
		text = fmt.Sprintf("No in-flight request for %s", args.Token)
	} else {
		s.logger.Info(ctx, "generation cancelled by client", zap.String("run.token", args.Token))
	}
	return textResult(text, false), cancelGenerationOutput{Token: args.Token, Cancelled: cancelled}, nil
}

// ===== list_providers =====

type listProvidersInput struct{}

type providerOutput struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Model        string     `json:"model,omitempty"`
	Priority     int        `json:"priority"`
	State        string     `json:"state"`
	CoolingUntil *time.Time `json:"cooling_until,omitempty"`
}

type listProvidersOutput struct {
	Providers []providerOutput `json:"providers" jsonschema:"Providers in fallback order"`
}

func (s *Server) registerListProviders() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_providers",
		Description: "List language model providers in fallback order with their cooldown state",
	}, s.listProviders)
}

func (s *Server) listProviders(ctx context.Context, _ *mcp.CallToolRequest, _ listProvidersInput) (*mcp.CallToolResult, listProvidersOutput, error) {
	done := s.track(ctx, "list_providers")
	defer done(nil)

	statuses := s.providers.Providers()
	out := listProvidersOutput{Providers: make([]providerOutput, 0, len(statuses))}
	for _, p := range statuses {
		po := providerOutput{
			Name:     p.Name,
			Type:     p.Type,
			Model:    p.Model,
			Priority: p.Priority,
			State:    string(p.State),
		}
		if !p.CoolingUntil.IsZero() {
			until := p.CoolingUntil
			po.CoolingUntil = &until
		}
		out.Providers = append(out.Providers, po)
	}
	return textResult(fmt.Sprintf("%d providers configured", len(out.Providers)), false), out, nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}
