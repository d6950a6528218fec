package di

import (
	"context"
	"fmt"
	"sync"

	"brain2-datacore/internal/errors"
)

// Scope caches Scoped instances for its own lifetime, typically one unit of
// work. Singletons and transients resolve exactly as they do through the
// container.
type Scope struct {
	c *Container

	mu      sync.Mutex
	cells   map[string]*cell
	created []created
	closed  bool
}

// NewScope creates a scope backed by c.
func (c *Container) NewScope() *Scope {
	return &Scope{c: c, cells: make(map[string]*cell)}
}

// GetByName resolves name within the scope.
func (s *Scope) GetByName(ctx context.Context, name string) (any, error) {
	return s.c.resolve(ctx, name, nil, s)
}

func (s *Scope) cellFor(name string) (*cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.DependencyResolution(name, errors.CodeConstructionFailed, fmt.Errorf("scope is closed"))
	}
	cl, ok := s.cells[name]
	if !ok {
		cl = newCell()
		s.cells[name] = cl
	}
	return cl, nil
}

func (s *Scope) track(cr created) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, cr)
}

// Close disposes the instances created in this scope, newest first.
// Closing twice is a no-op.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	instances := s.created
	s.created = nil
	s.cells = nil
	s.mu.Unlock()

	return errors.Join(disposeAll(ctx, s.c.logger, instances)...)
}
