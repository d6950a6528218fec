// Package app is the composition root. It binds the connection manager,
// repositories and configuration into the dependency container and installs
// the startup phases that bring them up in order.
package app

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/di"
	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/database"
	"brain2-datacore/internal/infrastructure/observability"
	"brain2-datacore/internal/repository"
	"brain2-datacore/internal/startup"
)

// Dependency names registered in the container.
const (
	ConfigName            = "config"
	ConnectionManagerName = "connection_manager"
	RepositoryFactoryName = "repository_factory"
	ItemRepositoryName    = "item_repository"
	VectorRepositoryName  = "vector_repository"
)

// Options configures an App. Zero values select the production defaults.
type Options struct {
	Logger       *zap.Logger
	Metrics      *observability.Collector
	Connectors   database.Connectors
	Repositories *repository.Registry
}

// App holds all application dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *observability.Collector
	connectors database.Connectors
	repos      *repository.Registry

	container *di.Container
	startup   *startup.Manager

	mu      sync.RWMutex
	tracing *observability.TracerProvider
	ready   bool
}

// New wires an App for cfg. Nothing is connected until Start.
func New(cfg *config.Config, opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewCollector(cfg.Metrics.Namespace)
	}
	if opts.Connectors == nil {
		opts.Connectors = database.DefaultConnectors()
	}
	if opts.Repositories == nil {
		opts.Repositories = repository.DefaultRegistry()
	}

	a := &App{
		cfg:        cfg,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		connectors: opts.Connectors,
		repos:      opts.Repositories,
		tracing:    observability.NoopTracer(),
	}

	registry := di.NewRegistry()
	registry.Bind(VectorRepositoryName, newVectorRepository)
	a.container = di.NewContainer(di.ContainerOptions{
		Logger:             opts.Logger,
		Metrics:            opts.Metrics,
		Registry:           registry,
		HealthCheckTimeout: cfg.Container.HealthCheckTimeout,
	})

	// The global tracer delegates to whatever provider the configuration
	// phase installs.
	a.startup = startup.NewManager(startup.Options{
		Config:  cfg.Startup,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Tracer:  otel.Tracer("brain2-datacore/startup"),
	})
	a.installPhases()
	return a
}

func (a *App) installPhases() {
	a.startup.Handle(startup.PhaseConfigurationLoad, a.loadConfiguration)
	a.startup.Handle(startup.PhaseDependencyValidation, a.validateDependencies)
	a.startup.Handle(startup.PhaseRepositoryPreload, a.preloadRepositories)
	a.startup.Handle(startup.PhaseDatabaseConnection, a.connectDatabase)
	a.startup.Handle(startup.PhaseHealthChecks, a.checkHealth)
	a.startup.Handle(startup.PhaseFinalization, a.finalize)

	// Both phases accept recovery, so these cannot fail.
	_ = a.startup.Recover(startup.PhaseDatabaseConnection, a.recoverDatabase)
	_ = a.startup.Recover(startup.PhaseHealthChecks, a.recoverHealth)

	// Hooks run in reverse: the container is disposed before tracing flushes.
	a.startup.OnCleanup("tracing", func(ctx context.Context) error {
		return a.tracingProvider().Shutdown(ctx)
	})
	a.startup.OnCleanup("container", func(ctx context.Context) error {
		a.setReady(false)
		return a.container.Cleanup(ctx)
	})
}

// Start runs the startup sequence.
func (a *App) Start(ctx context.Context) (startup.Progress, error) {
	return a.startup.Startup(ctx)
}

// Shutdown releases everything Start brought up. It is safe to call after a
// failed Start.
func (a *App) Shutdown(ctx context.Context) error {
	return a.startup.Cleanup(ctx)
}

// Ready reports whether startup completed and Shutdown has not run.
func (a *App) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Progress returns the current startup progress.
func (a *App) Progress() startup.Progress {
	return a.startup.Progress()
}

// Container exposes the dependency container.
func (a *App) Container() *di.Container {
	return a.container
}

// Metrics exposes the metrics collector.
func (a *App) Metrics() *observability.Collector {
	return a.metrics
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Items resolves the item repository for the primary table.
func (a *App) Items(ctx context.Context) (repository.ItemRepository, error) {
	return di.ResolveNamed[repository.ItemRepository](ctx, a.container, ItemRepositoryName)
}

// Vectors resolves the vector repository.
func (a *App) Vectors(ctx context.Context) (repository.VectorRepository, error) {
	return di.ResolveNamed[repository.VectorRepository](ctx, a.container, VectorRepositoryName)
}

// Health is the combined health of the database endpoints and every
// constructed dependency.
type Health struct {
	Ready        bool                           `json:"ready"`
	Healthy      bool                           `json:"healthy"`
	Database     *database.HealthReport         `json:"database,omitempty"`
	Dependencies map[string]di.DependencyHealth `json:"dependencies"`
	Error        string                         `json:"error,omitempty"`
}

// Health probes the database and the container.
func (a *App) Health(ctx context.Context) Health {
	h := Health{Ready: a.Ready(), Dependencies: a.container.HealthCheck(ctx)}
	if !a.container.Has(ConnectionManagerName) {
		h.Error = "dependencies are not registered"
		return h
	}
	m, err := a.connectionManager(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	report, err := m.HealthCheck(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Database = &report
	h.Healthy = report.Healthy
	for _, d := range h.Dependencies {
		if !d.Healthy {
			h.Healthy = false
		}
	}
	return h
}

// ============================================================================
// STARTUP PHASES
// ============================================================================

func (a *App) loadConfiguration(ctx context.Context) ([]string, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	var warnings []string
	if a.cfg.IsProduction() && !a.cfg.Database.Primary.SSL.Verify {
		warnings = append(warnings, "ssl verification is disabled for the primary endpoint")
	}

	tp, err := observability.InitTracing(ctx, a.cfg.Tracing, a.cfg.Environment)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("tracing disabled: %v", err))
		tp = observability.NoopTracer()
	}
	a.setTracing(tp)

	if err := a.register(); err != nil {
		return warnings, err
	}
	a.logger.Info("Configuration loaded",
		zap.String("environment", a.cfg.Environment),
		zap.Strings("sources", a.cfg.LoadedFrom),
		zap.String("primary", a.cfg.Database.Primary.Name),
		zap.Int("replicas", len(a.cfg.Database.Replicas)))
	return warnings, nil
}

// register binds every dependency. Construction stays lazy; the later
// phases decide when instances are built.
func (a *App) register() error {
	if err := di.ProvideValue(a.container, a.cfg, di.WithName(ConfigName)); err != nil {
		return err
	}

	err := di.Provide(a.container, di.Singleton,
		func(_ context.Context, deps di.Deps) (*database.Manager, error) {
			cfg, err := di.Arg[*config.Config](deps, 0)
			if err != nil {
				return nil, err
			}
			return database.NewManager(cfg.Database, database.ManagerOptions{
				Connectors: a.connectors,
				Logger:     a.logger,
				Metrics:    a.metrics,
			}), nil
		},
		di.WithName(ConnectionManagerName),
		di.WithDependencies(ConfigName),
		di.WithHealthCheck(managerHealth),
	)
	if err != nil {
		return err
	}

	err = di.Provide(a.container, di.Singleton,
		func(_ context.Context, deps di.Deps) (*repository.Factory, error) {
			m, err := di.Arg[*database.Manager](deps, 0)
			if err != nil {
				return nil, err
			}
			return repository.NewFactory(m, repository.FactoryOptions{
				Registry:     a.repos,
				DefaultTable: a.cfg.Database.Primary.Table,
				Logger:       a.logger,
			}), nil
		},
		di.WithName(RepositoryFactoryName),
		di.WithDependencies(ConnectionManagerName),
	)
	if err != nil {
		return err
	}

	err = di.Provide(a.container, di.Singleton,
		func(_ context.Context, deps di.Deps) (repository.ItemRepository, error) {
			f, err := di.Arg[*repository.Factory](deps, 0)
			if err != nil {
				return nil, err
			}
			return repository.Get[repository.ItemRepository](f, "")
		},
		di.WithName(ItemRepositoryName),
		di.WithDependencies(RepositoryFactoryName),
	)
	if err != nil {
		return err
	}

	return a.container.Register(di.Registration{
		Name:         VectorRepositoryName,
		Type:         reflect.TypeFor[repository.VectorRepository](),
		LazyName:     VectorRepositoryName,
		Lifecycle:    di.Singleton,
		Dependencies: []string{RepositoryFactoryName},
	})
}

func newVectorRepository(_ context.Context, deps di.Deps) (any, error) {
	f, err := di.Arg[*repository.Factory](deps, 0)
	if err != nil {
		return nil, err
	}
	return repository.Get[repository.VectorRepository](f, "")
}

func managerHealth(ctx context.Context, instance any) error {
	m, ok := instance.(*database.Manager)
	if !ok {
		return fmt.Errorf("unexpected instance %T", instance)
	}
	if !m.Initialized() {
		return errors.HealthCheck("connection manager is not initialized").
			WithResource(ConnectionManagerName).
			Build()
	}
	report, err := m.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if !report.Healthy {
		return errors.HealthCheck("primary endpoint unhealthy").
			WithResource(report.Primary.Name).
			WithDetails(report.Primary.Error).
			Build()
	}
	return nil
}

func (a *App) validateDependencies(context.Context) ([]string, error) {
	return nil, a.container.Validate()
}

func (a *App) preloadRepositories(ctx context.Context) ([]string, error) {
	f, err := di.ResolveNamed[*repository.Factory](ctx, a.container, RepositoryFactoryName)
	if err != nil {
		return nil, err
	}
	if err := f.Preload(ctx); err != nil {
		return nil, err
	}
	for _, name := range []string{ItemRepositoryName, VectorRepositoryName} {
		if _, err := a.container.GetByName(ctx, name); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (a *App) connectDatabase(ctx context.Context) ([]string, error) {
	m, err := a.connectionManager(ctx)
	if err != nil {
		return nil, err
	}
	return nil, m.Initialize(ctx)
}

// recoverDatabase retries the connection without read replicas.
func (a *App) recoverDatabase(ctx context.Context, cause error) ([]string, error) {
	if len(a.cfg.Database.Replicas) == 0 {
		return nil, cause
	}
	m, err := a.connectionManager(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.DropReplicas(ctx); err != nil {
		return nil, err
	}
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	return []string{"read replicas disabled; reads are served by the primary"}, nil
}

// checkHealth requires every endpoint to be healthy. Unhealthy replicas are
// left to recoverHealth.
func (a *App) checkHealth(ctx context.Context) ([]string, error) {
	m, err := a.connectionManager(ctx)
	if err != nil {
		return nil, err
	}
	report, err := m.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	if err := reportError(report); err != nil {
		return nil, err
	}

	var warnings []string
	deps := a.container.HealthCheck(ctx)
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if h := deps[name]; !h.Healthy {
			warnings = append(warnings, fmt.Sprintf("dependency %s unhealthy: %s", name, h.Error))
		}
	}
	return warnings, nil
}

func reportError(report database.HealthReport) error {
	var unhealthy []database.EndpointHealth
	if !report.Primary.Healthy {
		unhealthy = append(unhealthy, report.Primary)
	}
	for _, r := range report.Replicas {
		if !r.Healthy {
			unhealthy = append(unhealthy, r)
		}
	}
	if report.Vector != nil && !report.Vector.Healthy {
		unhealthy = append(unhealthy, *report.Vector)
	}
	if len(unhealthy) == 0 {
		return nil
	}
	return errors.HealthCheck(fmt.Sprintf("%d endpoint(s) unhealthy", len(unhealthy))).
		WithResource(unhealthy[0].Name).
		WithDetails(unhealthy[0].Error).
		WithOperation("startup.health_checks").
		Build()
}

// recoverHealth drops the replicas and accepts the primary alone.
func (a *App) recoverHealth(ctx context.Context, cause error) ([]string, error) {
	m, err := a.connectionManager(ctx)
	if err != nil {
		return nil, err
	}
	report, err := m.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	if !report.Healthy {
		return nil, cause
	}

	var warnings []string
	for _, r := range report.Replicas {
		if !r.Healthy {
			warnings = append(warnings, fmt.Sprintf("replica %s dropped: %s", r.Name, r.Error))
		}
	}
	if len(warnings) == 0 {
		return nil, cause
	}
	if err := m.DropReplicas(ctx); err != nil {
		return nil, err
	}
	return warnings, nil
}

func (a *App) finalize(ctx context.Context) ([]string, error) {
	// The monitor outlives the startup deadline; Cleanup stops it.
	a.container.StartHealthMonitor(context.WithoutCancel(ctx), a.cfg.Container.HealthCheckInterval)
	a.setReady(true)

	snapshot := a.container.Snapshot()
	built := 0
	for _, info := range snapshot {
		if info.State == di.StateInitialized {
			built++
		}
	}
	a.logger.Info("Application ready",
		zap.Int("dependencies", len(snapshot)),
		zap.Int("initialized", built))
	return nil, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (a *App) connectionManager(ctx context.Context) (*database.Manager, error) {
	return di.ResolveNamed[*database.Manager](ctx, a.container, ConnectionManagerName)
}

func (a *App) setReady(ready bool) {
	a.mu.Lock()
	a.ready = ready
	a.mu.Unlock()
}

func (a *App) setTracing(tp *observability.TracerProvider) {
	a.mu.Lock()
	a.tracing = tp
	a.mu.Unlock()
}

func (a *App) tracingProvider() *observability.TracerProvider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tracing
}
