// Package repository builds table-scoped repositories on top of the
// connection manager. Implementations are bound to keys in a Registry at
// startup and the Factory caches one instance per (key, table).
package repository

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"brain2-datacore/internal/infrastructure/database"
)

// DB is the slice of the connection manager repositories need.
type DB interface {
	WithPrimary(ctx context.Context, fn func(ctx context.Context, conn database.Connection) error) error
	WithReader(ctx context.Context, fn func(ctx context.Context, conn database.Connection) error) error
	WithVectorStore(ctx context.Context, fn func(ctx context.Context, vs database.VectorStore) error) error
}

// Deps are handed to every repository constructor.
type Deps struct {
	DB     DB
	Table  string
	Logger *zap.Logger
}

// Constructor builds a repository for one table.
type Constructor func(deps Deps) (any, error)

// Registry maps repository keys to constructors.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry with the built-in repositories bound.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	Bind(r, NewItemRepository)
	Bind(r, NewVectorRepository)
	return r
}

// Bind registers ctor under the key of T.
func Bind[T any](r *Registry, ctor func(deps Deps) (T, error)) {
	r.Register(KeyOf[T](), func(deps Deps) (any, error) {
		v, err := ctor(deps)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
}

// Register binds key to ctor, replacing any previous binding.
func (r *Registry) Register(key string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = ctor
}

// Lookup returns the constructor bound to key.
func (r *Registry) Lookup(key string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.bindings[key]
	return ctor, ok
}

// Keys returns the bound keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.bindings))
	for k := range r.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyOf returns the registry key of T.
func KeyOf[T any]() string {
	return reflect.TypeFor[T]().String()
}
