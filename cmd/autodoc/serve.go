package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	opshttp "github.com/fyrsmithlabs/autodoc/internal/http"
	"github.com/fyrsmithlabs/autodoc/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve generate_docs, deployment_status, cancel_generation and
list_providers to an MCP client over stdin/stdout.

When server.metrics_addr is set, an ops HTTP endpoint with /health,
/metrics and /api/v1/providers is served alongside.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) (err error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(shutdownCtx))
	}()

	mcpServer, err := mcp.NewServer(&mcp.Config{
		Name:    a.cfg.Server.Name,
		Version: version,
		Logger:  a.logger.Named("mcp"),
		Meter:   a.telemetry.Meter("github.com/fyrsmithlabs/autodoc/internal/mcp"),
	}, a.coordinator, a.router)
	if err != nil {
		return fmt.Errorf("create mcp server: %w", err)
	}
	defer mcpServer.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ops *opshttp.Server
	opsErr := make(chan error, 1)
	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		ops, err = opshttp.NewServer(a.logger, &opshttp.Config{
			Addr:      addr,
			Version:   version,
			Providers: a.router,
			Degraded:  a.degraded,
		})
		if err != nil {
			return fmt.Errorf("create ops server: %w", err)
		}
		go func() {
			if err := ops.Start(); err != nil {
				opsErr <- err
				cancel()
			}
		}()
	}

	a.logger.Info(ctx, "autodoc serving",
		zap.String("version", version),
		zap.String("transport", "stdio"),
		zap.Int("providers", len(a.cfg.Providers)),
	)

	runErr := mcpServer.Run(ctx)

	if ops != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		if err := ops.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn(shutdownCtx, "ops server shutdown", zap.Error(err))
		}
		stop()
	}

	select {
	case err := <-opsErr:
		return errors.Join(runErr, err)
	default:
		return runErr
	}
}
