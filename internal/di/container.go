// Package di provides the dependency container used by the composition root.
// Registrations are explicit: every implementation is bound to a constructor
// at startup, and the container only decides when to call it.
package di

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/observability"
)

// ContextCloser is implemented by dependencies that need a context to
// release their resources.
type ContextCloser interface {
	Close(ctx context.Context) error
}

// HealthChecker is used for instances registered without a HealthFunc.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ContainerOptions configures a Container.
type ContainerOptions struct {
	Logger             *zap.Logger
	Metrics            *observability.Collector
	Registry           *Registry
	HealthCheckTimeout time.Duration
}

// cell is the lazy-init slot of one cached instance. build serializes
// construction; mu guards the fields and is only held briefly.
type cell struct {
	build sync.Mutex

	mu        sync.Mutex
	state     State
	instance  any
	err       error
	createdAt time.Time
	updatedAt time.Time
}

func newCell() *cell {
	return &cell{state: StateUninitialized, updatedAt: time.Now()}
}

// cached returns the settled result, if any.
func (cl *cell) cached() (any, error, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	switch cl.state {
	case StateInitialized:
		return cl.instance, nil, true
	case StateFailed:
		return nil, cl.err, true
	}
	return nil, nil, false
}

func (cl *cell) set(state State, instance any, err error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	now := time.Now()
	cl.state = state
	cl.instance = instance
	cl.err = err
	cl.updatedAt = now
	if state == StateInitialized {
		cl.createdAt = now
	}
}

type entry struct {
	reg  Registration
	cell *cell
}

type created struct {
	name     string
	instance any
}

// Container resolves registered dependencies and owns the singletons it
// creates.
type Container struct {
	mu      sync.RWMutex
	entries map[string]*entry
	created []created

	registry      *Registry
	logger        *zap.Logger
	metrics       *observability.Collector
	healthTimeout time.Duration

	monitorMu sync.Mutex
	monitors  []context.CancelFunc
	monitorWG sync.WaitGroup
}

// NewContainer creates an empty container.
func NewContainer(opts ContainerOptions) *Container {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 5 * time.Second
	}
	return &Container{
		entries:       make(map[string]*entry),
		registry:      opts.Registry,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		healthTimeout: opts.HealthCheckTimeout,
	}
}

// Registry returns the lazy-name registry consulted by LazyName registrations.
func (c *Container) Registry() *Registry {
	return c.registry
}

// Register adds a registration, replacing any existing one with the same
// name. A replaced singleton is not disposed until Cleanup.
func (c *Container) Register(reg Registration) error {
	if n := reg.strategies(); n != 1 {
		return errors.NewError(errors.ErrorTypeDependencyResolution, errors.CodeRegistrationInvalid,
			"registration must set exactly one of Constructor, LazyName or Factory").
			WithResource(reg.Name).
			WithDetails(fmt.Sprintf("%d strategies set", n)).
			Build()
	}
	if reg.Name == "" {
		if reg.Type == nil {
			return errors.NewError(errors.ErrorTypeDependencyResolution, errors.CodeRegistrationInvalid,
				"registration needs a Name or a Type").Build()
		}
		reg.Name = typeName(reg.Type)
	}
	reg.Dependencies = slices.Clone(reg.Dependencies)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[reg.Name]; exists {
		c.logger.Warn("Overwriting dependency registration", zap.String("dependency", reg.Name))
	}
	c.entries[reg.Name] = &entry{reg: reg, cell: newCell()}
	c.logger.Debug("Registered dependency",
		zap.String("dependency", reg.Name),
		zap.Stringer("lifecycle", reg.Lifecycle),
		zap.Strings("depends_on", reg.Dependencies))
	return nil
}

// Has reports whether name is registered.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// GetByName resolves the named dependency.
func (c *Container) GetByName(ctx context.Context, name string) (any, error) {
	return c.resolve(ctx, name, nil, nil)
}

func (c *Container) lookup(name string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// resolve resolves name with chain holding the names currently being
// constructed on this call path.
func (c *Container) resolve(ctx context.Context, name string, chain []string, scope *Scope) (any, error) {
	if slices.Contains(chain, name) {
		return nil, errors.CircularDependency(append(slices.Clone(chain), name))
	}
	e, ok := c.lookup(name)
	if !ok {
		return nil, errors.DependencyResolution(name, errors.CodeDependencyNotFound,
			fmt.Errorf("no registration for %q", name))
	}
	chain = append(slices.Clone(chain), name)

	switch e.reg.Lifecycle {
	case Singleton:
		// Singletons never capture scoped instances.
		return c.once(ctx, e.cell, e.reg, chain, nil, c.track)
	case Scoped:
		if scope != nil {
			cl, err := scope.cellFor(e.reg.Name)
			if err != nil {
				return nil, err
			}
			return c.once(ctx, cl, e.reg, chain, scope, scope.track)
		}
	}
	return c.fresh(ctx, e.reg, chain, scope)
}

// once constructs the instance held by cl at most once. Declared
// dependencies are resolved before the cell is locked.
func (c *Container) once(ctx context.Context, cl *cell, reg Registration, chain []string, scope *Scope, track func(created)) (any, error) {
	if v, err, ok := cl.cached(); ok {
		return v, err
	}

	deps, depErr := c.resolveDeps(ctx, reg, chain, scope)

	cl.build.Lock()
	defer cl.build.Unlock()
	if v, err, ok := cl.cached(); ok {
		return v, err
	}

	var instance any
	err := depErr
	if err == nil {
		cl.set(StateInitializing, nil, nil)
		instance, err = c.build(ctx, reg, deps, c.resolverFor(chain, scope))
	}
	if err != nil {
		err = wrapFailure(reg.Name, err)
		if ctx.Err() != nil {
			// Cancellation says nothing about the dependency itself.
			cl.set(StateUninitialized, nil, nil)
		} else {
			cl.set(StateFailed, nil, err)
		}
		c.logger.Error("Failed to construct dependency",
			zap.String("dependency", reg.Name),
			zap.Strings("chain", chain),
			zap.Error(err))
		return nil, err
	}

	cl.set(StateInitialized, instance, nil)
	track(created{name: reg.Name, instance: instance})
	c.logger.Debug("Constructed dependency",
		zap.String("dependency", reg.Name),
		zap.Stringer("lifecycle", reg.Lifecycle))
	return instance, nil
}

// fresh constructs a new instance on every call.
func (c *Container) fresh(ctx context.Context, reg Registration, chain []string, scope *Scope) (any, error) {
	deps, err := c.resolveDeps(ctx, reg, chain, scope)
	if err == nil {
		var instance any
		instance, err = c.build(ctx, reg, deps, c.resolverFor(chain, scope))
		if err == nil {
			return instance, nil
		}
	}
	return nil, wrapFailure(reg.Name, err)
}

func (c *Container) resolveDeps(ctx context.Context, reg Registration, chain []string, scope *Scope) (Deps, error) {
	deps := make(Deps, 0, len(reg.Dependencies))
	for _, name := range reg.Dependencies {
		v, err := c.resolve(ctx, name, chain, scope)
		if err != nil {
			return nil, err
		}
		deps = append(deps, v)
	}
	return deps, nil
}

func (c *Container) build(ctx context.Context, reg Registration, deps Deps, r Resolver) (instance any, err error) {
	defer func() {
		if p := recover(); p != nil {
			instance, err = nil, fmt.Errorf("constructor panicked: %v", p)
		}
	}()

	switch {
	case reg.Constructor != nil:
		instance, err = reg.Constructor(ctx, deps)
	case reg.Factory != nil:
		instance, err = reg.Factory(ctx, r)
	default:
		ctor, ok := c.registry.Lookup(reg.LazyName)
		if !ok {
			return nil, errors.DependencyResolution(reg.Name, errors.CodeDependencyNotFound,
				fmt.Errorf("lazy name %q is not bound", reg.LazyName))
		}
		instance, err = ctor(ctx, deps)
	}
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("constructor for %q returned nil", reg.Name)
	}
	if reg.Type != nil && !reflect.TypeOf(instance).AssignableTo(reg.Type) {
		return nil, fmt.Errorf("constructor for %q returned %T, want %s", reg.Name, instance, reg.Type)
	}
	return instance, nil
}

func (c *Container) track(cr created) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, cr)
}

// wrapFailure attributes err to name. Cycle errors keep their chain and
// errors already attributed to name pass through.
func wrapFailure(name string, err error) error {
	if errors.IsType(err, errors.ErrorTypeCircularDependency) {
		return err
	}
	if ue, ok := errors.As(err); ok && ue.Type == errors.ErrorTypeDependencyResolution && ue.Resource == name {
		return err
	}
	return errors.DependencyResolution(name, errors.CodeConstructionFailed, err)
}

// chainResolver continues a resolution chain for Factory registrations so
// cycles through factories are detected too.
type chainResolver struct {
	c     *Container
	chain []string
	scope *Scope
}

func (r chainResolver) GetByName(ctx context.Context, name string) (any, error) {
	return r.c.resolve(ctx, name, r.chain, r.scope)
}

func (c *Container) resolverFor(chain []string, scope *Scope) Resolver {
	return chainResolver{c: c, chain: chain, scope: scope}
}

// Cleanup stops health monitors and disposes every cached singleton in
// reverse creation order. Disposal errors are logged and returned together;
// they never stop the remaining disposals.
func (c *Container) Cleanup(ctx context.Context) error {
	c.monitorMu.Lock()
	monitors := c.monitors
	c.monitors = nil
	c.monitorMu.Unlock()
	for _, cancel := range monitors {
		cancel()
	}
	c.monitorWG.Wait()

	c.mu.Lock()
	instances := c.created
	c.created = nil
	cells := make([]*cell, 0, len(c.entries))
	for _, e := range c.entries {
		cells = append(cells, e.cell)
	}
	c.mu.Unlock()

	errs := disposeAll(ctx, c.logger, instances)
	for _, cl := range cells {
		cl.build.Lock()
		cl.set(StateDisposed, nil, nil)
		cl.build.Unlock()
	}

	c.logger.Info("Dependency container cleaned up",
		zap.Int("disposed", len(instances)),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func disposeAll(ctx context.Context, logger *zap.Logger, instances []created) []error {
	var errs []error
	for i := len(instances) - 1; i >= 0; i-- {
		cr := instances[i]
		if err := dispose(ctx, cr.instance); err != nil {
			logger.Error("Failed to dispose dependency",
				zap.String("dependency", cr.name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("dispose %s: %w", cr.name, err))
		}
	}
	return errs
}

func dispose(ctx context.Context, instance any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("close panicked: %v", p)
		}
	}()
	switch v := instance.(type) {
	case ContextCloser:
		return v.Close(ctx)
	case io.Closer:
		return v.Close()
	}
	return nil
}
