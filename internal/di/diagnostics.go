package di

import (
	"fmt"
	"sort"
	"strings"

	"brain2-datacore/internal/errors"
)

// Validate checks the registration graph without constructing anything:
// every declared dependency must be registered, every lazy name bound, and
// the declared dependencies must be acyclic.
func (c *Container) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		reg := c.entries[name].reg
		for _, dep := range reg.Dependencies {
			if _, ok := c.entries[dep]; !ok {
				problems = append(problems, fmt.Sprintf("%s: dependency %q is not registered", name, dep))
			}
		}
		if reg.LazyName != "" {
			if _, ok := c.registry.Lookup(reg.LazyName); !ok {
				problems = append(problems, fmt.Sprintf("%s: lazy name %q is not bound", name, reg.LazyName))
			}
		}
	}
	if len(problems) > 0 {
		return errors.NewError(errors.ErrorTypeDependencyResolution, errors.CodeDependencyNotFound,
			"dependency graph is incomplete").
			WithOperation("di.Validate").
			WithDetails(strings.Join(problems, "; ")).
			Build()
	}

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(names))
	var path []string
	var visit func(name string) []string
	visit = func(name string) []string {
		switch marks[name] {
		case visiting:
			for i, n := range path {
				if n == name {
					return append(append([]string{}, path[i:]...), name)
				}
			}
		case done:
			return nil
		}
		marks[name] = visiting
		path = append(path, name)
		for _, dep := range c.entries[name].reg.Dependencies {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		marks[name] = done
		return nil
	}
	for _, name := range names {
		if cycle := visit(name); cycle != nil {
			return errors.CircularDependency(cycle)
		}
	}
	return nil
}

// Snapshot describes every registration and its cached singleton state.
func (c *Container) Snapshot() []InstanceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]InstanceInfo, 0, len(c.entries))
	for name, e := range c.entries {
		e.cell.mu.Lock()
		info := InstanceInfo{
			Name:      name,
			Lifecycle: e.reg.Lifecycle.String(),
			State:     e.cell.state,
			CreatedAt: e.cell.createdAt,
			UpdatedAt: e.cell.updatedAt,
		}
		if e.cell.err != nil {
			info.Error = e.cell.err.Error()
		}
		e.cell.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
