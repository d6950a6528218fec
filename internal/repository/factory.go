package repository

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"brain2-datacore/internal/errors"
)

type cacheKey struct {
	key   string
	table string
}

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	Registry *Registry
	// DefaultTable is used when Get is called with an empty table.
	DefaultTable string
	Logger       *zap.Logger
}

// Factory creates and caches repositories per (key, table).
type Factory struct {
	db           DB
	registry     *Registry
	defaultTable string
	logger       *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]any
}

// NewFactory creates a factory over db.
func NewFactory(db DB, opts FactoryOptions) *Factory {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Factory{
		db:           db,
		registry:     opts.Registry,
		defaultTable: opts.DefaultTable,
		logger:       opts.Logger,
		cache:        make(map[cacheKey]any),
	}
}

// Get returns the repository bound to key for table, constructing it on
// first use.
func (f *Factory) Get(key, table string) (any, error) {
	if table == "" {
		table = f.defaultTable
	}
	ck := cacheKey{key: key, table: table}

	f.mu.Lock()
	defer f.mu.Unlock()
	if repo, ok := f.cache[ck]; ok {
		return repo, nil
	}

	ctor, ok := f.registry.Lookup(key)
	if !ok {
		return nil, errors.NewError(errors.ErrorTypeDependencyResolution, errors.CodeRepositoryNotBound,
			"no repository bound to key").
			WithResource(key).
			Build()
	}
	repo, err := ctor(Deps{DB: f.db, Table: table, Logger: f.logger.With(zap.String("table", table))})
	if err != nil {
		return nil, errors.DependencyResolution(key, errors.CodeConstructionFailed,
			fmt.Errorf("table %q: %w", table, err))
	}
	f.cache[ck] = repo
	f.logger.Debug("Created repository", zap.String("key", key), zap.String("table", table))
	return repo, nil
}

// Get returns the repository of type T for table.
func Get[T any](f *Factory, table string) (T, error) {
	var zero T
	v, err := f.Get(KeyOf[T](), table)
	if err != nil {
		return zero, err
	}
	repo, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("repository %s is %T", KeyOf[T](), v)
	}
	return repo, nil
}

// Preload constructs every bound repository for each table so wiring
// mistakes surface before traffic arrives. An empty table list preloads the
// default table.
func (f *Factory) Preload(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		tables = []string{f.defaultTable}
	}
	var errs []error
	for _, table := range tables {
		for _, key := range f.registry.Keys() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := f.Get(key, table); err != nil {
				errs = append(errs, err)
			}
		}
	}
	f.logger.Info("Repositories preloaded",
		zap.Strings("tables", tables),
		zap.Int("cached", f.Len()),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Len returns the number of cached repositories.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}

// Clear drops every cached repository.
func (f *Factory) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[cacheKey]any)
}

// Close clears the cache; repositories hold no connections of their own.
func (f *Factory) Close(context.Context) error {
	f.Clear()
	return nil
}
