package di

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"brain2-datacore/internal/errors"
)

// DependencyHealth is the health of one cached dependency.
type DependencyHealth struct {
	Healthy   bool      `json:"healthy"`
	Note      string    `json:"note,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type healthTarget struct {
	name     string
	instance any
	check    HealthFunc
	err      error
}

// HealthCheck checks every constructed singleton. Instances with a health
// callable are probed concurrently, each bounded by the configured timeout;
// the rest are reported healthy with a note. Failed singletons are reported
// unhealthy with their cached error.
func (c *Container) HealthCheck(ctx context.Context) map[string]DependencyHealth {
	targets := c.healthTargets()
	results := make(map[string]DependencyHealth, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			h := c.checkOne(gctx, t)
			mu.Lock()
			results[t.name] = h
			mu.Unlock()
			c.metrics.SetDependencyHealth(t.name, h.Healthy)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Container) healthTargets() []healthTarget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	targets := make([]healthTarget, 0, len(c.entries))
	for name, e := range c.entries {
		if e.reg.Lifecycle != Singleton {
			continue
		}
		e.cell.mu.Lock()
		state, instance, err := e.cell.state, e.cell.instance, e.cell.err
		e.cell.mu.Unlock()
		switch state {
		case StateInitialized:
			check := e.reg.HealthCheck
			if check == nil {
				if hc, ok := instance.(HealthChecker); ok {
					check = func(ctx context.Context, _ any) error { return hc.HealthCheck(ctx) }
				}
			}
			targets = append(targets, healthTarget{name: name, instance: instance, check: check})
		case StateFailed:
			targets = append(targets, healthTarget{name: name, err: err})
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })
	return targets
}

func (c *Container) checkOne(ctx context.Context, t healthTarget) DependencyHealth {
	h := DependencyHealth{CheckedAt: time.Now()}
	switch {
	case t.err != nil:
		h.Error = t.err.Error()
		return h
	case t.check == nil:
		h.Healthy = true
		h.Note = "no health check registered"
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- errors.HealthCheck("health check panicked").WithResource(t.name).Build()
			}
		}()
		done <- t.check(ctx, t.instance)
	}()

	select {
	case err := <-done:
		if err != nil {
			h.Error = err.Error()
			return h
		}
		h.Healthy = true
	case <-ctx.Done():
		h.Error = errors.Timeout(errors.CodeHealthCheckFailed, "health check timed out").
			WithResource(t.name).
			WithCause(ctx.Err()).
			Build().Error()
	}
	return h
}

// StartHealthMonitor checks dependencies every interval until ctx is done or
// Cleanup runs, logging the unhealthy ones.
func (c *Container) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.monitorMu.Lock()
	c.monitors = append(c.monitors, cancel)
	c.monitorMu.Unlock()

	c.monitorWG.Add(1)
	go func() {
		defer c.monitorWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, h := range c.HealthCheck(ctx) {
					if !h.Healthy {
						c.logger.Warn("Dependency unhealthy",
							zap.String("dependency", name),
							zap.String("error", h.Error))
					}
				}
			}
		}
	}()
}
