package di

import (
	"context"
	"fmt"
	"reflect"

	"brain2-datacore/internal/errors"
)

// Option adjusts a registration built by Provide or ProvideValue.
type Option func(*Registration)

// WithName overrides the default type-derived name.
func WithName(name string) Option {
	return func(r *Registration) { r.Name = name }
}

// WithDependencies declares the names resolved before construction. They
// arrive in Deps in the same order.
func WithDependencies(names ...string) Option {
	return func(r *Registration) { r.Dependencies = append(r.Dependencies, names...) }
}

// WithHealthCheck attaches a health callable.
func WithHealthCheck(fn HealthFunc) Option {
	return func(r *Registration) { r.HealthCheck = fn }
}

// Provide registers a constructor for T.
func Provide[T any](c *Container, lifecycle Lifecycle, ctor func(ctx context.Context, deps Deps) (T, error), opts ...Option) error {
	reg := Registration{
		Type:      reflect.TypeFor[T](),
		Lifecycle: lifecycle,
		Constructor: func(ctx context.Context, deps Deps) (any, error) {
			v, err := ctor(ctx, deps)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	for _, opt := range opts {
		opt(&reg)
	}
	return c.Register(reg)
}

// ProvideValue registers an already constructed singleton.
func ProvideValue[T any](c *Container, value T, opts ...Option) error {
	return Provide(c, Singleton, func(context.Context, Deps) (T, error) { return value, nil }, opts...)
}

// Resolve resolves T by its default name.
func Resolve[T any](ctx context.Context, r Resolver) (T, error) {
	return ResolveNamed[T](ctx, r, NameOf[T]())
}

// ResolveNamed resolves name and asserts the result to T.
func ResolveNamed[T any](ctx context.Context, r Resolver, name string) (T, error) {
	var zero T
	v, err := r.GetByName(ctx, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.DependencyResolution(name, errors.CodeConstructionFailed,
			fmt.Errorf("resolved %T, want %s", v, NameOf[T]()))
	}
	return t, nil
}

// Arg returns the i-th declared dependency as T.
func Arg[T any](deps Deps, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(deps) {
		return zero, fmt.Errorf("dependency %d out of range (have %d)", i, len(deps))
	}
	t, ok := deps[i].(T)
	if !ok {
		return zero, fmt.Errorf("dependency %d is %T, want %s", i, deps[i], NameOf[T]())
	}
	return t, nil
}
