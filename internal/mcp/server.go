package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/autodoc/internal/deploy"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/pipeline"
	"github.com/fyrsmithlabs/autodoc/internal/router"
	"github.com/fyrsmithlabs/autodoc/internal/secrets"
)

// Coordinator is the part of pipeline.Coordinator the server drives.
type Coordinator interface {
	Submit(ctx context.Context, req pipeline.GenerationRequest) *pipeline.Result
	Status(ctx context.Context, token string) (*deploy.Record, error)
	Progress(token string) (pipeline.Progress, bool)
	Cancel(token string) bool
}

// ProviderLister reports provider cooldown state.
type ProviderLister interface {
	Providers() []router.ProviderStatus
}

// Server serves the autodoc tools over MCP.
type Server struct {
	mcp       *mcp.Server
	coord     Coordinator
	providers ProviderLister
	scrubber  *secrets.Scrubber
	metrics   *Metrics
	logger    *logging.Logger

	// Background runs outlive the tool call that started them.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "autodoc")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *logging.Logger
	Meter  metric.Meter

	// Scrubber redacts secrets from tool output. Default: the built-in
	// rule set.
	Scrubber *secrets.Scrubber
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "autodoc",
		Version: "dev",
		Logger:  logging.Nop(),
	}
}

// NewServer creates an MCP server backed by coord.
func NewServer(cfg *Config, coord Coordinator, providers ProviderLister) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if providers == nil {
		return nil, errors.New("provider lister is required")
	}
	if cfg.Name == "" {
		cfg.Name = "autodoc"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	scrubber := cfg.Scrubber
	if scrubber == nil {
		var err error
		if scrubber, err = secrets.New(secrets.DefaultRules()); err != nil {
			return nil, fmt.Errorf("build scrubber: %w", err)
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		mcp:       mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		coord:     coord,
		providers: providers,
		scrubber:  scrubber,
		metrics:   NewMetrics(cfg.Meter, cfg.Logger),
		logger:    cfg.Logger.Named("mcp"),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	return s.Serve(ctx, &mcp.StdioTransport{})
}

// Serve serves on transport.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	if err := s.mcp.Run(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close cancels background runs and waits for them to finish.
func (s *Server) Close() error {
	s.logger.Info(context.Background(), "closing MCP server")
	s.bgCancel()
	s.bg.Wait()
	return nil
}

func (s *Server) scrub(text string) string {
	if text == "" {
		return text
	}
	out, _ := s.scrubber.Scrub(text)
	return out
}
