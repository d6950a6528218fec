package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/observability"
)

// PooledConnection is a connection tracked by a Pool. It is in exactly one
// of the pool's available queue, in-use set or health-check batch while the
// pool is open.
type PooledConnection struct {
	conn      Connection
	id        uint64
	createdAt time.Time
	lastUsed  time.Time // guarded by the owning pool's mutex
}

// Conn returns the underlying connection.
func (pc *PooledConnection) Conn() Connection { return pc.conn }

// ID identifies the connection within its pool.
func (pc *PooledConnection) ID() uint64 { return pc.id }

// PoolStats is a point-in-time view of pool accounting.
type PoolStats struct {
	Name        string `json:"name"`
	PoolSize    int    `json:"pool_size"`
	MaxOverflow int    `json:"max_overflow"`
	Total       int    `json:"total"`
	Available   int    `json:"available"`
	InUse       int    `json:"in_use"`
	Overflow    int    `json:"overflow"`
	Waiting     int    `json:"waiting"`
	Closed      bool   `json:"closed"`
}

// PoolOptions carries the settings shared by every pool of a manager.
type PoolOptions struct {
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	Logger              *zap.Logger
	Metrics             *observability.Collector
}

type waitResult struct {
	pc  *PooledConnection
	err error
}

// Pool is a bounded set of connections to one endpoint. Up to PoolSize
// connections are kept warm; up to MaxOverflow more are created on demand
// when an acquirer times out waiting.
type Pool struct {
	cfg       config.ConnectionConfig
	connector Connector
	opts      PoolOptions
	logger    *zap.Logger

	initMu sync.Mutex // serializes Initialize

	mu          sync.Mutex
	all         map[*PooledConnection]struct{}
	inUse       map[*PooledConnection]struct{}
	checking    map[*PooledConnection]struct{} // borrowed by the health loop
	available   []*PooledConnection
	waiters     []chan waitResult
	creating    int // slots reserved for connections being created
	nextID      uint64
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPool creates an uninitialized pool.
func NewPool(cfg config.ConnectionConfig, connector Connector, opts PoolOptions) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 5 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		connector: connector,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("pool", cfg.Name)),
		all:       make(map[*PooledConnection]struct{}),
		inUse:     make(map[*PooledConnection]struct{}),
		checking:  make(map[*PooledConnection]struct{}),
	}
}

// Name returns the endpoint name.
func (p *Pool) Name() string { return p.cfg.Name }

// Config returns the endpoint configuration.
func (p *Pool) Config() config.ConnectionConfig { return p.cfg }

// Initialize opens PoolSize connections and starts the health loop. If any
// connection fails, the ones already opened are disconnected and the error
// is returned. Calling Initialize on an initialized pool is a no-op.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.PoolClosed(p.cfg.Name)
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	created := make([]*PooledConnection, p.cfg.PoolSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := range created {
		g.Go(func() error {
			pc, err := p.create(gctx)
			if err != nil {
				return err
			}
			created[i] = pc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, pc := range created {
			if pc != nil {
				p.disconnect(pc)
			}
		}
		p.logger.Error("Pool initialization failed", zap.Error(err))
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, pc := range created {
			p.disconnect(pc)
		}
		return errors.PoolClosed(p.cfg.Name)
	}
	for _, pc := range created {
		p.all[pc] = struct{}{}
		p.available = append(p.available, pc)
	}
	p.initialized = true
	if p.opts.HealthCheckInterval > 0 {
		hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.healthLoop(hctx, p.done)
	}
	p.publishLocked()
	p.mu.Unlock()

	p.logger.Info("Pool initialized",
		zap.Int("pool_size", p.cfg.PoolSize),
		zap.Int("max_overflow", p.cfg.MaxOverflow))
	return nil
}

// Acquire returns a connection, waiting up to timeout for one to become
// available. When the wait times out and the pool is below its hard limit an
// overflow connection is created synchronously. A zero timeout never waits.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConnection, error) {
	start := time.Now()

	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		p.opts.Metrics.RecordAcquire(p.cfg.Name, "closed", 0)
		return nil, err
	}
	if pc := p.popAvailableLocked(); pc != nil {
		p.mu.Unlock()
		p.opts.Metrics.RecordAcquire(p.cfg.Name, "ok", 0)
		return pc, nil
	}
	if timeout <= 0 {
		return p.growOrFailLocked(ctx, start)
	}

	w := make(chan waitResult, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w:
		return p.handoff(res, start)
	case <-timer.C:
	case <-ctx.Done():
	}

	p.mu.Lock()
	if !p.removeWaiterLocked(w) {
		// A connection or a close notification was delivered concurrently.
		p.mu.Unlock()
		return p.handoff(<-w, start)
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		p.opts.Metrics.RecordAcquire(p.cfg.Name, "timeout", time.Since(start))
		return nil, errors.Timeout(errors.CodeAcquireTimeout, "acquire cancelled").
			WithResource(p.cfg.Name).
			WithCause(err).
			Build()
	}
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	return p.growOrFailLocked(ctx, start)
}

// Release returns a connection to the pool. Only a connection that passes
// its health check is re-queued; a failing one is disconnected and a fresh
// replacement is queued in its place. Releasing an untracked connection is
// a no-op.
func (p *Pool) Release(ctx context.Context, pc *PooledConnection) {
	if pc == nil || !p.tracked(pc) {
		return
	}
	p.finish(ctx, pc, p.check(ctx, pc))
}

// Ping acquires a connection without waiting, health checks it and returns
// it, replacing it if the check fails. A pool with every connection busy at
// its hard limit yields a POOL_EXHAUSTED error without touching the
// endpoint.
func (p *Pool) Ping(ctx context.Context) error {
	pc, err := p.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, p.opts.HealthCheckTimeout)
	err = pc.conn.HealthCheck(hctx)
	cancel()
	if err != nil && ctx.Err() != nil {
		// The probe ran out of time; that says nothing about the connection.
		p.finish(ctx, pc, nil)
		return errors.Timeout(errors.CodeHealthCheckFailed, "health probe timed out").
			WithResource(p.cfg.Name).
			WithCause(err).
			Build()
	}
	p.finish(ctx, pc, err)
	return err
}

// Close stops the health loop, wakes waiters with POOL_CLOSED and
// disconnects every tracked connection. Close is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	p.mu.Lock()
	conns := make([]*PooledConnection, 0, len(p.all))
	for pc := range p.all {
		conns = append(conns, pc)
	}
	waiters := p.waiters
	p.waiters = nil
	p.all = make(map[*PooledConnection]struct{})
	p.inUse = make(map[*PooledConnection]struct{})
	p.checking = make(map[*PooledConnection]struct{})
	p.available = nil
	p.initialized = false
	p.publishLocked()
	p.mu.Unlock()

	for _, w := range waiters {
		w <- waitResult{err: errors.PoolClosed(p.cfg.Name)}
	}

	var errs []error
	for _, pc := range conns {
		if err := pc.conn.Disconnect(ctx); err != nil {
			p.logger.Warn("Disconnect failed during close", zap.Uint64("conn", pc.id), zap.Error(err))
			errs = append(errs, err)
		}
	}

	p.logger.Info("Pool closed", zap.Int("disconnected", len(conns)))
	return errors.Join(errs...)
}

// Stats returns the current accounting.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() PoolStats {
	overflow := len(p.all) - p.cfg.PoolSize
	if overflow < 0 {
		overflow = 0
	}
	return PoolStats{
		Name:        p.cfg.Name,
		PoolSize:    p.cfg.PoolSize,
		MaxOverflow: p.cfg.MaxOverflow,
		Total:       len(p.all),
		Available:   len(p.available),
		InUse:       len(p.inUse) + len(p.checking),
		Overflow:    overflow,
		Waiting:     len(p.waiters),
		Closed:      p.closed,
	}
}

// ============================================================================
// INTERNALS
// ============================================================================

func (p *Pool) usableLocked() error {
	if p.closed {
		return errors.PoolClosed(p.cfg.Name)
	}
	if !p.initialized {
		return errors.Connection(errors.CodeNoPrimary, "pool is not initialized").
			WithResource(p.cfg.Name).
			Build()
	}
	return nil
}

func (p *Pool) popAvailableLocked() *PooledConnection {
	if len(p.available) == 0 {
		return nil
	}
	pc := p.available[0]
	p.available[0] = nil
	p.available = p.available[1:]
	p.inUse[pc] = struct{}{}
	return pc
}

func (p *Pool) canGrowLocked() bool {
	return len(p.all)+p.creating < p.cfg.MaxConnections()
}

// growOrFailLocked must be called with p.mu held; it releases it.
func (p *Pool) growOrFailLocked(ctx context.Context, start time.Time) (*PooledConnection, error) {
	if !p.canGrowLocked() {
		limit := p.cfg.MaxConnections()
		p.mu.Unlock()
		p.opts.Metrics.RecordAcquire(p.cfg.Name, "exhausted", time.Since(start))
		p.logger.Warn("Pool exhausted", zap.Int("limit", limit))
		return nil, errors.PoolExhausted(p.cfg.Name, limit)
	}
	p.creating++
	p.mu.Unlock()

	pc, err := p.create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.opts.Metrics.RecordAcquire(p.cfg.Name, "error", time.Since(start))
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		p.disconnect(pc)
		return nil, errors.PoolClosed(p.cfg.Name)
	}
	p.all[pc] = struct{}{}
	p.inUse[pc] = struct{}{}
	total := len(p.all)
	p.publishLocked()
	p.mu.Unlock()

	p.opts.Metrics.RecordAcquire(p.cfg.Name, "overflow", time.Since(start))
	p.logger.Debug("Created overflow connection", zap.Uint64("conn", pc.id), zap.Int("total", total))
	return pc, nil
}

func (p *Pool) handoff(res waitResult, start time.Time) (*PooledConnection, error) {
	if res.err != nil {
		p.opts.Metrics.RecordAcquire(p.cfg.Name, "closed", time.Since(start))
		return nil, res.err
	}
	p.opts.Metrics.RecordAcquire(p.cfg.Name, "ok", time.Since(start))
	return res.pc, nil
}

func (p *Pool) removeWaiterLocked(w chan waitResult) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// putBackLocked returns a connection borrowed by the health loop.
func (p *Pool) putBackLocked(pc *PooledConnection) {
	delete(p.checking, pc)
	if len(p.waiters) > 0 {
		p.inUse[pc] = struct{}{}
		p.returnLocked(pc)
		return
	}
	p.available = append(p.available, pc)
}

// returnLocked hands pc to the oldest waiter or queues it. pc must be in
// the in-use set.
func (p *Pool) returnLocked(pc *PooledConnection) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- waitResult{pc: pc}
		return
	}
	delete(p.inUse, pc)
	p.available = append(p.available, pc)
}

func (p *Pool) tracked(pc *PooledConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[pc]
	return ok
}

// finish completes a release given the result of a health check.
func (p *Pool) finish(ctx context.Context, pc *PooledConnection, healthErr error) {
	p.mu.Lock()
	if _, ok := p.inUse[pc]; !ok {
		p.mu.Unlock()
		return
	}
	if healthErr == nil {
		pc.lastUsed = time.Now()
		p.returnLocked(pc)
		p.publishLocked()
		p.mu.Unlock()
		return
	}
	p.removeLocked(pc)
	p.creating++
	p.mu.Unlock()

	p.logger.Warn("Discarding unhealthy connection", zap.Uint64("conn", pc.id), zap.Error(healthErr))
	p.opts.Metrics.RecordReplacement(p.cfg.Name, "unhealthy")
	p.disconnect(pc)
	p.replace(context.WithoutCancel(ctx))
}

func (p *Pool) removeLocked(pc *PooledConnection) {
	delete(p.all, pc)
	delete(p.inUse, pc)
	delete(p.checking, pc)
}

// replace fills a slot reserved by the caller through p.creating.
func (p *Pool) replace(ctx context.Context) {
	pc, err := p.create(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if err != nil {
		p.logger.Error("Failed to create replacement connection", zap.Error(err))
		p.publishLocked()
		return
	}
	if p.closed {
		go p.disconnect(pc)
		return
	}
	p.all[pc] = struct{}{}
	p.inUse[pc] = struct{}{}
	p.returnLocked(pc)
	p.publishLocked()
}

func (p *Pool) create(ctx context.Context) (*PooledConnection, error) {
	conn, err := p.connector(p.cfg)
	if err != nil {
		return nil, errors.Connection(errors.CodeConnectFailed, "failed to build connection").
			WithResource(p.cfg.Name).
			WithCause(err).
			Build()
	}

	cctx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := conn.Connect(cctx); err != nil {
		if _, ok := errors.As(err); !ok {
			err = errors.Connection(errors.CodeConnectFailed, "failed to connect").
				WithResource(p.cfg.Name).
				WithCause(err).
				Build()
		}
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	now := time.Now()
	return &PooledConnection{conn: conn, id: id, createdAt: now, lastUsed: now}, nil
}

func (p *Pool) check(ctx context.Context, pc *PooledConnection) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.HealthCheckTimeout)
	defer cancel()
	return pc.conn.HealthCheck(hctx)
}

func (p *Pool) disconnect(pc *PooledConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthCheckTimeout)
	defer cancel()
	if err := pc.conn.Disconnect(ctx); err != nil {
		p.logger.Warn("Disconnect failed", zap.Uint64("conn", pc.id), zap.Error(err))
	}
}

func (p *Pool) publishLocked() {
	p.opts.Metrics.SetPoolConnections(p.cfg.Name, len(p.available), len(p.inUse)+len(p.checking))
}

// ============================================================================
// BACKGROUND HEALTH LOOP
// ============================================================================

func (p *Pool) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runHealthCheck(ctx)
		}
	}
}

// runHealthCheck borrows every available connection, checks it and puts it
// back. Borrowed connections are held outside the in-use set so a stale
// Release cannot re-queue them. Unhealthy connections and connections idle past IdleTimeout are
// discarded; the pool is then topped back up to PoolSize. Surplus overflow
// connections are dropped rather than replaced.
func (p *Pool) runHealthCheck(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	batch := p.available
	p.available = nil
	for _, pc := range batch {
		p.checking[pc] = struct{}{}
	}
	p.mu.Unlock()

	for i, pc := range batch {
		if ctx.Err() != nil {
			p.mu.Lock()
			for _, rest := range batch[i:] {
				if _, ok := p.checking[rest]; ok {
					p.putBackLocked(rest)
				}
			}
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		idle := p.cfg.IdleTimeout > 0 && time.Since(pc.lastUsed) > p.cfg.IdleTimeout
		p.mu.Unlock()

		reason := ""
		if idle {
			reason = "idle"
		} else if err := p.check(ctx, pc); err != nil {
			if ctx.Err() != nil {
				reason = ""
			} else {
				reason = "unhealthy"
				p.logger.Warn("Background health check failed", zap.Uint64("conn", pc.id), zap.Error(err))
			}
		}

		p.mu.Lock()
		if _, ok := p.checking[pc]; !ok {
			p.mu.Unlock()
			continue
		}
		if reason == "" {
			p.putBackLocked(pc)
			p.mu.Unlock()
			continue
		}
		p.removeLocked(pc)
		p.mu.Unlock()

		p.opts.Metrics.RecordReplacement(p.cfg.Name, reason)
		p.disconnect(pc)
	}

	p.replenish(ctx)

	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()
}

// replenish creates connections until the pool holds PoolSize again.
func (p *Pool) replenish(ctx context.Context) {
	for ctx.Err() == nil {
		p.mu.Lock()
		if p.closed || len(p.all)+p.creating >= p.cfg.PoolSize {
			p.mu.Unlock()
			return
		}
		p.creating++
		before := len(p.all)
		p.mu.Unlock()

		p.replace(ctx)

		p.mu.Lock()
		grew := len(p.all) > before
		p.mu.Unlock()
		if !grew {
			return
		}
	}
}
