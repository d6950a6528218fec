// Package startup runs the ordered startup phases with per-phase retry,
// backoff and recovery, and tears down what was started when a phase
// cannot be completed.
package startup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/observability"
)

const cleanupTimeout = 30 * time.Second

// Options configures a Manager.
type Options struct {
	Config  config.StartupConfig
	Logger  *zap.Logger
	Metrics *observability.Collector
	Tracer  trace.Tracer
}

type cleanupHook struct {
	name string
	fn   CleanupFunc
}

// Manager drives the startup sequence.
type Manager struct {
	cfg     config.StartupConfig
	logger  *zap.Logger
	metrics *observability.Collector
	tracer  trace.Tracer

	mu       sync.Mutex
	handlers map[Phase]Handler
	recovery map[Phase]RecoveryHandler
	cleanups []cleanupHook
	running  bool

	progress *tracker
}

// NewManager creates a startup manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("startup")
	}
	if opts.Config.MaxRetryAttempts < 1 {
		opts.Config.MaxRetryAttempts = 1
	}
	if opts.Config.BackoffMultiplier < 1 {
		opts.Config.BackoffMultiplier = 2
	}
	return &Manager{
		cfg:      opts.Config,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		handlers: make(map[Phase]Handler),
		recovery: make(map[Phase]RecoveryHandler),
		progress: newTracker(),
	}
}

// Handle sets the handler for phase. Phases without a handler succeed
// immediately.
func (m *Manager) Handle(phase Phase, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[phase] = h
}

// Recover sets the recovery handler for phase. Only DATABASE_CONNECTION and
// HEALTH_CHECKS can be recovered.
func (m *Manager) Recover(phase Phase, h RecoveryHandler) error {
	if !phase.Recoverable() {
		return errors.Configuration(errors.CodeInvalidConfig, "phase does not support recovery").
			WithResource(string(phase)).
			Build()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery[phase] = h
	return nil
}

// OnCleanup registers a hook run by Cleanup. Hooks run in reverse order of
// registration.
func (m *Manager) OnCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupHook{name: name, fn: fn})
}

// Progress returns a snapshot of the current or last run.
func (m *Manager) Progress() Progress {
	return m.progress.snapshot()
}

// Startup runs every phase in order under the configured overall timeout.
// The first phase that fails for good aborts the sequence; cleanup hooks
// then run and a *StartupError is returned.
func (m *Manager) Startup(ctx context.Context) (Progress, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return m.Progress(), errors.NewError(errors.ErrorTypeInternal, errors.CodePhaseFailed, "startup is already running").Build()
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	ctx, span := m.tracer.Start(ctx, "startup")
	defer span.End()

	m.progress.begin()
	p := m.progress.snapshot()
	span.SetAttributes(attribute.String("startup.session_id", p.SessionID))
	m.logger.Info("Starting up",
		zap.String("session_id", p.SessionID),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Int("max_retry_attempts", m.cfg.MaxRetryAttempts))

	for _, phase := range Phases() {
		res := m.runPhase(ctx, phase)
		m.progress.record(res)
		if res.Success {
			continue
		}

		m.progress.finish(StatusFailed)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(phase))
		m.logger.Error("Startup aborted",
			zap.String("phase", string(phase)),
			zap.Error(res.Err))

		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		if err := m.Cleanup(cleanupCtx); err != nil {
			m.logger.Warn("Cleanup after failed startup reported errors", zap.Error(err))
		}
		cancel()

		progress := m.Progress()
		return progress, &StartupError{Phase: phase, Cause: res.Err, Progress: progress}
	}

	m.progress.finish(StatusCompleted)
	progress := m.Progress()
	m.logger.Info("Startup completed",
		zap.String("session_id", progress.SessionID),
		zap.Duration("duration", progress.Duration),
		zap.Int("retries", progress.TotalRetries),
		zap.Bool("degraded", progress.Degraded()))
	return progress, nil
}

func (m *Manager) runPhase(ctx context.Context, phase Phase) PhaseResult {
	ctx, span := m.tracer.Start(ctx, phase.spanName(), trace.WithAttributes(attribute.String("startup.phase", string(phase))))
	defer span.End()

	m.progress.enter(phase)
	m.mu.Lock()
	handler := m.handlers[phase]
	recoverFn := m.recovery[phase]
	m.mu.Unlock()

	res := PhaseResult{Phase: phase, StartedAt: time.Now()}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if res.Err != nil {
			res.Error = res.Err.Error()
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Error)
		}
		span.SetAttributes(
			attribute.Int("startup.retries", res.RetryCount),
			attribute.Bool("startup.recovered", res.Recovered))
		m.metrics.RecordPhase(string(phase), res.outcome(), res.Duration, res.RetryCount)
	}()

	if handler == nil {
		res.Success = true
		return res
	}

	warnings, err := m.retry(ctx, phase, handler, &res.RetryCount)
	if err == nil {
		res.Success = true
		res.Warnings = warnings
		m.logger.Info("Startup phase completed",
			zap.String("phase", string(phase)),
			zap.Int("retries", res.RetryCount),
			zap.Strings("warnings", warnings))
		return res
	}

	if ctx.Err() != nil {
		res.Err = errors.Timeout(errors.CodeStartupTimeout, "startup timed out").
			WithOperation(string(phase)).
			WithCause(err).
			Build()
		return res
	}

	if recoverFn == nil || !m.cfg.EnableRecovery || !errors.IsRecoverable(err) {
		res.Err = err
		return res
	}

	m.logger.Warn("Startup phase failed, attempting recovery",
		zap.String("phase", string(phase)),
		zap.Int("retries", res.RetryCount),
		zap.Error(err))
	m.progress.setStatus(StatusRecovering)
	recoveryWarnings, rerr := m.attempt(ctx, phase, func(ctx context.Context) ([]string, error) {
		return recoverFn(ctx, err)
	})
	m.progress.setStatus(StatusInProgress)
	if rerr != nil {
		res.Err = errors.Join(err, fmt.Errorf("recovery failed: %w", rerr))
		return res
	}

	res.Success = true
	res.Recovered = true
	res.Warnings = append([]string{fmt.Sprintf("degraded mode: %s recovered from: %v", phase, err)}, recoveryWarnings...)
	m.logger.Warn("Startup phase recovered in degraded mode",
		zap.String("phase", string(phase)),
		zap.Strings("warnings", res.Warnings))
	return res
}

// retry runs handler up to MaxRetryAttempts times with exponential backoff.
// Phases that are not retryable and non-recoverable errors get one attempt.
func (m *Manager) retry(ctx context.Context, phase Phase, handler Handler, retries *int) ([]string, error) {
	tries := uint(m.cfg.MaxRetryAttempts)
	if !phase.Retryable() {
		tries = 1
	}
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          m.cfg.BackoffMultiplier,
		MaxInterval:         m.cfg.MaxBackoff,
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = backoff.DefaultInitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	policy.Reset()

	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			*retries++
			m.logger.Warn("Startup phase failed, retrying",
				zap.String("phase", string(phase)),
				zap.Int("attempt", *retries),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	}
	if m.cfg.Timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(m.cfg.Timeout))
	}

	var lastErr error
	warnings, err := backoff.Retry(ctx, func() ([]string, error) {
		w, err := m.attempt(ctx, phase, handler)
		if err != nil {
			lastErr = err
			if !errors.IsRecoverable(err) {
				return nil, backoff.Permanent(err)
			}
		}
		return w, err
	}, opts...)
	if err != nil && lastErr != nil {
		// Report the handler's error rather than the permanent wrapper or a
		// context error from an interrupted backoff.
		return nil, lastErr
	}
	return warnings, err
}

// attempt runs fn once. It returns when ctx is done even if fn does not.
func (m *Manager) attempt(ctx context.Context, phase Phase, fn Handler) ([]string, error) {
	type result struct {
		warnings []string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: errors.NewError(errors.ErrorTypeInternal, errors.CodePhaseFailed, "phase handler panicked").
					WithOperation(string(phase)).
					WithDetails(fmt.Sprint(p)).
					Build()}
			}
		}()
		w, err := fn(ctx)
		done <- result{warnings: w, err: err}
	}()

	select {
	case r := <-done:
		return r.warnings, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cleanup runs the registered hooks in reverse order. Every hook runs even
// if an earlier one fails; hooks run at most once.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	hooks := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Cleanup hook failed", zap.String("hook", h.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.logger.Debug("Cleanup hook completed", zap.String("hook", h.name))
	}
	return errors.Join(errs...)
}
