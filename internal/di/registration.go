package di

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Lifecycle controls how long a resolved instance lives.
type Lifecycle int

const (
	// Singleton instances are created once and cached by the container,
	// including failed constructions.
	Singleton Lifecycle = iota
	// Scoped instances are cached by a Scope; resolved from the container
	// directly they are constructed fresh each time.
	Scoped
	// Transient instances are constructed on every resolution.
	Transient
)

func (l Lifecycle) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// State is the construction state of a cached instance.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
	StateFailed        State = "failed"
	StateDisposed      State = "disposed"
)

// Resolver resolves dependencies by name. Both Container and Scope
// implement it.
type Resolver interface {
	GetByName(ctx context.Context, name string) (any, error)
}

// Deps holds the resolved declared dependencies, in declaration order.
type Deps []any

// Constructor builds an instance from its declared dependencies.
type Constructor func(ctx context.Context, deps Deps) (any, error)

// Factory builds an instance, resolving whatever it needs through r.
type Factory func(ctx context.Context, r Resolver) (any, error)

// HealthFunc reports whether a constructed instance is healthy.
type HealthFunc func(ctx context.Context, instance any) error

// Registration describes how to build one named dependency. Exactly one of
// Constructor, LazyName and Factory must be set.
type Registration struct {
	// Name defaults to the name of Type.
	Name string
	// Type is the interface or concrete type the instance must satisfy.
	Type reflect.Type

	Constructor Constructor
	// LazyName names a Constructor bound in the container's Registry,
	// looked up when the instance is first built.
	LazyName string
	Factory  Factory

	Lifecycle    Lifecycle
	Dependencies []string
	HealthCheck  HealthFunc
}

func (r *Registration) strategies() int {
	n := 0
	if r.Constructor != nil {
		n++
	}
	if r.LazyName != "" {
		n++
	}
	if r.Factory != nil {
		n++
	}
	return n
}

// Registry binds lazy names to constructors. It replaces looking
// implementations up by name at runtime with an explicit table built at
// startup.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Bind associates name with ctor, replacing any previous binding.
func (r *Registry) Bind(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Lookup returns the constructor bound to name.
func (r *Registry) Lookup(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[name]
	return ctor, ok
}

// Names returns the bound names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InstanceInfo is a diagnostic view of a cached instance.
type InstanceInfo struct {
	Name      string    `json:"name"`
	Lifecycle string    `json:"lifecycle"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// typeName is the default registration name for t.
func typeName(t reflect.Type) string {
	return t.String()
}

// NameOf returns the default registration name for T.
func NameOf[T any]() string {
	return typeName(reflect.TypeFor[T]())
}
