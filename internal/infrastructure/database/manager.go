package database

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/observability"
)

// Role identifies what an endpoint is used for.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
	RoleVector  Role = "vector"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Connectors Connectors
	Logger     *zap.Logger
	Metrics    *observability.Collector

	// BreakerFailures is the number of consecutive acquire failures that
	// opens a replica's breaker. Defaults to 5.
	BreakerFailures uint32
	// BreakerCooldown is how long an open breaker stays open. Defaults to 30s.
	BreakerCooldown time.Duration
}

type replica struct {
	pool    *Pool
	breaker *gobreaker.CircuitBreaker
}

// Manager owns the primary pool, the replica pools and the optional vector
// pool, and routes work across them.
type Manager struct {
	cfg    config.DatabaseConfig
	opts   ManagerOptions
	logger *zap.Logger

	initMu sync.Mutex // serializes Initialize

	mu              sync.Mutex
	primary         *Pool
	replicas        []*replica
	vector          *Pool // nil when vector requests go to the primary
	rr              uint64
	initialized     bool
	replicasDropped bool
}

// NewManager creates a manager. No connections are opened until Initialize.
func NewManager(cfg config.DatabaseConfig, opts ManagerOptions) *Manager {
	if opts.Connectors == nil {
		opts.Connectors = DefaultConnectors()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "connection_manager")),
	}
}

// Initialize builds and concurrently initializes every pool. It is a no-op
// once initialized. On failure every pool that did start is closed again.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	skipReplicas := m.replicasDropped
	m.mu.Unlock()

	poolOpts := PoolOptions{
		HealthCheckInterval: m.cfg.HealthCheckInterval,
		HealthCheckTimeout:  m.cfg.HealthCheckTimeout,
		Logger:              m.opts.Logger,
		Metrics:             m.opts.Metrics,
	}

	primary, err := m.newPool(m.cfg.Primary, poolOpts)
	if err != nil {
		return err
	}
	pools := []*Pool{primary}

	var replicas []*replica
	if !skipReplicas {
		for _, rc := range m.cfg.Replicas {
			p, err := m.newPool(rc, poolOpts)
			if err != nil {
				return err
			}
			replicas = append(replicas, &replica{pool: p, breaker: m.newBreaker(rc.Name)})
			pools = append(pools, p)
		}
	}

	var vector *Pool
	if m.cfg.Vector != nil {
		vector, err = m.newPool(*m.cfg.Vector, poolOpts)
		if err != nil {
			return err
		}
		pools = append(pools, vector)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		g.Go(func() error { return p.Initialize(gctx) })
	}
	if err := g.Wait(); err != nil {
		closeAll(context.WithoutCancel(ctx), pools)
		m.logger.Error("Connection manager initialization failed", zap.Error(err))
		return err
	}

	m.mu.Lock()
	m.primary = primary
	m.replicas = replicas
	m.vector = vector
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info("Connection manager initialized",
		zap.String("primary", primary.Name()),
		zap.Int("replicas", len(replicas)),
		zap.Bool("vector_pool", vector != nil))
	return nil
}

// WithPrimary runs fn with a connection from the primary pool. The
// connection is released on every exit path, including a panic in fn.
func (m *Manager) WithPrimary(ctx context.Context, fn func(ctx context.Context, conn Connection) error) error {
	p, err := m.primaryPool()
	if err != nil {
		return err
	}
	return withPool(ctx, p, fn)
}

// WithReader runs fn against the next replica in round-robin order. If the
// replica cannot be acquired or fn fails on it, fn is run again on the
// primary and the replica failure is not reported. With no replicas fn
// runs on the primary.
func (m *Manager) WithReader(ctx context.Context, fn func(ctx context.Context, conn Connection) error) error {
	r, err := m.nextReplica()
	if err != nil {
		return err
	}
	if r == nil {
		return m.WithPrimary(ctx, fn)
	}

	return withFallback(
		func() error { return m.withReplica(ctx, r, fn) },
		func() error { return m.WithPrimary(ctx, fn) },
		func(cause error) {
			m.opts.Metrics.RecordFallback(r.pool.Name())
			m.logger.Debug("Replica read failed, using primary",
				zap.String("replica", r.pool.Name()),
				zap.Error(cause))
		},
	)
}

// WithVectorStore runs fn with a vector-capable connection from the vector
// pool, or from the primary when no vector endpoint is configured.
func (m *Manager) WithVectorStore(ctx context.Context, fn func(ctx context.Context, vs VectorStore) error) error {
	p, err := m.vectorPool()
	if err != nil {
		return err
	}
	return withPool(ctx, p, func(ctx context.Context, conn Connection) error {
		vs, ok := conn.(VectorStore)
		if !ok {
			return errors.Capability(errors.CodeVectorUnsupported, p.Name(), "vector search")
		}
		return fn(ctx, vs)
	})
}

// EndpointHealth is the health of one endpoint.
type EndpointHealth struct {
	Name      string        `json:"name"`
	Role      Role          `json:"role"`
	Healthy   bool          `json:"healthy"`
	Saturated bool          `json:"saturated,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	PoolSize  int           `json:"pool_size"`
	InUse     int           `json:"in_use"`
	Available int           `json:"available"`
	Total     int           `json:"total"`
}

// HealthReport aggregates endpoint health. Healthy reflects the primary
// (and vector pool, if distinct); unhealthy replicas only mark the report
// degraded since reads fall back to the primary.
type HealthReport struct {
	Healthy  bool             `json:"healthy"`
	Degraded bool             `json:"degraded"`
	Primary  EndpointHealth   `json:"primary"`
	Replicas []EndpointHealth `json:"replicas"`
	Vector   *EndpointHealth  `json:"vector,omitempty"`
}

// HealthCheck probes every endpoint. Each replica is probed concurrently
// under ReplicaProbeTimeout so a hung replica cannot delay the report.
func (m *Manager) HealthCheck(ctx context.Context) (HealthReport, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return HealthReport{}, errors.Connection(errors.CodeNoPrimary, "connection manager is not initialized").Build()
	}
	primary, vector := m.primary, m.vector
	replicas := append([]*replica(nil), m.replicas...)
	m.mu.Unlock()

	report := HealthReport{Replicas: make([]EndpointHealth, len(replicas))}

	var g errgroup.Group
	g.Go(func() error {
		report.Primary = probe(ctx, primary, RolePrimary, m.cfg.HealthCheckTimeout)
		return nil
	})
	for i, r := range replicas {
		g.Go(func() error {
			report.Replicas[i] = probe(ctx, r.pool, RoleReplica, m.cfg.ReplicaProbeTimeout)
			return nil
		})
	}
	if vector != nil {
		g.Go(func() error {
			h := probe(ctx, vector, RoleVector, m.cfg.HealthCheckTimeout)
			report.Vector = &h
			return nil
		})
	}
	_ = g.Wait()

	report.Healthy = report.Primary.Healthy && (report.Vector == nil || report.Vector.Healthy)
	for _, r := range report.Replicas {
		if !r.Healthy {
			report.Degraded = true
		}
	}
	return report, nil
}

// DropReplicas closes and detaches every replica pool so reads go to the
// primary. Replicas stay dropped across later Initialize calls.
func (m *Manager) DropReplicas(ctx context.Context) error {
	m.mu.Lock()
	replicas := m.replicas
	m.replicas = nil
	m.replicasDropped = true
	m.mu.Unlock()

	pools := make([]*Pool, 0, len(replicas))
	for _, r := range replicas {
		pools = append(pools, r.pool)
	}
	if len(pools) > 0 {
		m.logger.Warn("Dropping replica pools", zap.Int("count", len(pools)))
	}
	return closeAll(ctx, pools)
}

// Close closes every pool concurrently and resets the manager so it can be
// initialized again.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	var pools []*Pool
	if m.primary != nil {
		pools = append(pools, m.primary)
	}
	for _, r := range m.replicas {
		pools = append(pools, r.pool)
	}
	if m.vector != nil {
		pools = append(pools, m.vector)
	}
	m.primary, m.replicas, m.vector = nil, nil, nil
	m.initialized = false
	m.mu.Unlock()

	err := closeAll(ctx, pools)
	m.logger.Info("Connection manager closed", zap.Int("pools", len(pools)))
	return err
}

// Stats returns the accounting of every pool.
func (m *Manager) Stats() []PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PoolStats
	if m.primary != nil {
		out = append(out, m.primary.Stats())
	}
	for _, r := range m.replicas {
		out = append(out, r.pool.Stats())
	}
	if m.vector != nil {
		out = append(out, m.vector.Stats())
	}
	return out
}

// Initialized reports whether Initialize has completed.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// ============================================================================
// INTERNALS
// ============================================================================

func (m *Manager) newPool(cfg config.ConnectionConfig, opts PoolOptions) (*Pool, error) {
	connector, err := m.opts.Connectors.For(cfg)
	if err != nil {
		return nil, err
	}
	return NewPool(cfg, connector, opts), nil
}

func (m *Manager) newBreaker(name string) *gobreaker.CircuitBreaker {
	failures := m.opts.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     m.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn("Replica breaker state changed",
				zap.String("replica", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			m.opts.Metrics.SetBreakerState(name, int(to))
		},
	})
}

func (m *Manager) primaryPool() (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary == nil {
		return nil, errors.Connection(errors.CodeNoPrimary, "no primary pool configured").
			WithDetails("connection manager is not initialized").
			WithRecoverable(false).
			Build()
	}
	return m.primary, nil
}

func (m *Manager) vectorPool() (*Pool, error) {
	m.mu.Lock()
	vector := m.vector
	m.mu.Unlock()
	if vector != nil {
		return vector, nil
	}
	return m.primaryPool()
}

// nextReplica advances the round-robin counter. It returns nil when there
// are no replicas.
func (m *Manager) nextReplica() (*replica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, errors.Connection(errors.CodeNoPrimary, "connection manager is not initialized").
			WithRecoverable(false).
			Build()
	}
	if len(m.replicas) == 0 {
		return nil, nil
	}
	r := m.replicas[m.rr%uint64(len(m.replicas))]
	m.rr++
	return r, nil
}

func (m *Manager) withReplica(ctx context.Context, r *replica, fn func(ctx context.Context, conn Connection) error) error {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.pool.Acquire(ctx, r.pool.Config().PoolTimeout)
	})
	if err != nil {
		return err
	}
	pc := res.(*PooledConnection)
	defer r.pool.Release(ctx, pc)
	return fn(ctx, pc.Conn())
}

func withPool(ctx context.Context, p *Pool, fn func(ctx context.Context, conn Connection) error) error {
	pc, err := p.Acquire(ctx, p.Config().PoolTimeout)
	if err != nil {
		return err
	}
	defer p.Release(ctx, pc)
	return fn(ctx, pc.Conn())
}

// withFallback runs primary and, if it fails, reports the failure and
// returns the result of fallback instead.
func withFallback(primary, fallback func() error, onFallback func(error)) error {
	err := primary()
	if err == nil {
		return nil
	}
	if onFallback != nil {
		onFallback(err)
	}
	return fallback()
}

func probe(ctx context.Context, p *Pool, role Role, timeout time.Duration) EndpointHealth {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(pctx)
	stats := p.Stats()

	// Every connection is busy at the hard limit. The endpoint is serving
	// traffic, so the pool is reported as saturated rather than down.
	saturated := errors.IsType(err, errors.ErrorTypePoolExhausted)
	if saturated {
		err = nil
	}

	h := EndpointHealth{
		Name:      p.Name(),
		Role:      role,
		Healthy:   err == nil,
		Saturated: saturated,
		Latency:   time.Since(start),
		PoolSize:  stats.PoolSize,
		InUse:     stats.InUse,
		Available: stats.Available,
		Total:     stats.Total,
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

func closeAll(ctx context.Context, pools []*Pool) error {
	errs := make([]error, len(pools))
	var g errgroup.Group
	for i, p := range pools {
		g.Go(func() error {
			errs[i] = p.Close(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
