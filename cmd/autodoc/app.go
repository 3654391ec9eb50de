package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/deploy"
	"github.com/fyrsmithlabs/autodoc/internal/events"
	"github.com/fyrsmithlabs/autodoc/internal/generator"
	"github.com/fyrsmithlabs/autodoc/internal/hosting/github"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/pipeline"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
	_ "github.com/fyrsmithlabs/autodoc/internal/provider/builtin"
	"github.com/fyrsmithlabs/autodoc/internal/retry"
	"github.com/fyrsmithlabs/autodoc/internal/router"
	"github.com/fyrsmithlabs/autodoc/internal/secrets"
	"github.com/fyrsmithlabs/autodoc/internal/snapshot"
	"github.com/fyrsmithlabs/autodoc/internal/telemetry"
)

// app holds the components shared by serve and run.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	telemetry   *telemetry.Telemetry
	router      *router.Router
	store       deploy.Store
	publisher   events.Publisher
	coordinator *pipeline.Coordinator
}

// newApp wires configuration into a running coordinator. The caller must
// Close the returned app.
func newApp(ctx context.Context) (_ *app, err error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.ConfigFrom(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	logCfg, err := logging.ConfigFrom(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a.logger, err = logging.NewLogger(logCfg, a.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if h := a.telemetry.Health(); h.Degraded {
		a.logger.Warn(ctx, "telemetry degraded", zap.String("reason", h.Reason))
	}

	tracer := a.telemetry.Tracer("github.com/fyrsmithlabs/autodoc")
	meter := a.telemetry.Meter("github.com/fyrsmithlabs/autodoc")

	backends := make([]router.Backend, 0, len(cfg.Providers))
	for _, pc := range cfg.SortedProviders() {
		spec := provider.SpecFrom(pc)
		p, err := provider.New(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		backends = append(backends, router.Backend{Spec: spec, Provider: p})
		a.logger.Info(ctx, "provider configured",
			zap.String("provider", pc.Name),
			zap.String("type", pc.Type),
			zap.String("model", pc.Model),
			zap.Int("priority", pc.Priority),
		)
	}
	a.router, err = router.New(backends, router.Options{
		Logger:  a.logger.Named("router"),
		Tracer:  tracer,
		Meter:   meter,
		Backoff: retry.FromConfig(cfg.Deploy.Retry),
	})
	if err != nil {
		return nil, err
	}

	genOpts := generator.OptionsFrom(cfg.Generator)
	genOpts.Logger = a.logger.Named("generator")
	genOpts.Meter = meter
	gen, err := generator.New(a.router, genOpts)
	if err != nil {
		return nil, err
	}

	host, err := github.FromConfig(ctx, cfg.GitHub)
	if err != nil {
		return nil, fmt.Errorf("github client: %w (set AUTODOC_GITHUB_TOKEN)", err)
	}

	switch cfg.Store.Driver {
	case config.StoreSQLite:
		store, err := deploy.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.logger.Info(ctx, "deployment records persisted", zap.String("path", cfg.Store.Path))
	default:
		a.store = deploy.NewMemoryStore()
	}

	depOpts := deploy.OptionsFrom(cfg.Deploy)
	depOpts.Logger = a.logger.Named("deploy")
	depOpts.Tracer = tracer
	depOpts.Meter = meter
	mgr, err := deploy.NewManager(host, a.store, depOpts)
	if err != nil {
		return nil, err
	}

	a.publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, cfg.Server.Name, a.logger.Named("events"))
		if err != nil {
			return nil, err
		}
		a.publisher = nc
	}

	builderOpts := []snapshot.Option{
		snapshot.WithLogger(a.logger.Named("snapshot")),
		snapshot.WithTracer(tracer),
	}
	if cfg.Snapshot.ScrubSecrets {
		builderOpts = append(builderOpts, snapshot.WithScrubber(secrets.MustNew(nil)))
	}

	a.coordinator, err = pipeline.New(snapshot.NewBuilder(builderOpts...), gen, mgr, pipeline.Options{
		Budget:     snapshot.BudgetFrom(cfg.Snapshot),
		Exclude:    cfg.Snapshot.Exclude,
		TargetPath: cfg.Deploy.TargetPath,
		Host:       host,
		Publisher:  a.publisher,
		Logger:     a.logger.Named("pipeline"),
		Tracer:     tracer,
		Meter:      meter,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// degraded lists components running in a reduced mode.
func (a *app) degraded() []string {
	if h := a.telemetry.Health(); h.Degraded {
		return []string{"telemetry: " + h.Reason}
	}
	return nil
}

// Close stops in-flight runs and releases resources in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.coordinator != nil {
		a.coordinator.Close()
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
