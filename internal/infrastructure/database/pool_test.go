package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brain2-datacore/internal/errors"
)

func newTestPool(t *testing.T, f *fakeFactory, size, overflow int, opts PoolOptions) *Pool {
	t.Helper()
	p := NewPool(endpoint("primary", size, overflow), f.connector, opts)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func assertInvariant(t *testing.T, s PoolStats) {
	t.Helper()
	assert.Equal(t, s.Total, s.Available+s.InUse, "total must equal available + in use: %+v", s)
	assert.LessOrEqual(t, s.Total, s.PoolSize+s.MaxOverflow, "total exceeds hard limit: %+v", s)
}

func TestPool_InitializeCreatesPoolSize(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 3, 2, PoolOptions{})

	s := p.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.Available)
	assert.Equal(t, 0, s.InUse)
	assert.Len(t, f.created(), 3)
	assertInvariant(t, s)

	// second call is a no-op
	require.NoError(t, p.Initialize(context.Background()))
	assert.Len(t, f.created(), 3)
}

func TestPool_InitializeFailureDisconnectsCreated(t *testing.T) {
	f := &fakeFactory{failAfter: 2}
	p := NewPool(endpoint("primary", 4, 0), f.connector, PoolOptions{})

	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))

	for _, c := range f.created() {
		assert.False(t, c.connected.Load(), "connection %d left connected", c.seq)
	}
	assert.Equal(t, 0, p.Stats().Total)

	_, err = p.Acquire(context.Background(), 0)
	assert.Error(t, err)
}

func TestPool_OverflowThenExhausted(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 2, 1, PoolOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*PooledConnection, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = p.Acquire(ctx, 50*time.Millisecond)
		}()
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
	}
	s := p.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.InUse)
	assert.Equal(t, 1, s.Overflow)
	assertInvariant(t, s)

	_, err := p.Acquire(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePoolExhausted))
	assert.True(t, errors.IsRecoverable(err))

	for _, pc := range got {
		p.Release(ctx, pc)
	}
	s = p.Stats()
	assert.Equal(t, 3, s.Available)
	assertInvariant(t, s)
}

func TestPool_ZeroTimeoutCreatesOverflowWithoutWaiting(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 1, PoolOptions{})
	ctx := context.Background()

	first, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	start := time.Now()
	second, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestPool_AcquireTimesOutWhenAtLimit(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 0, PoolOptions{})
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	defer p.Release(ctx, held)

	start := time.Now()
	_, err = p.Acquire(ctx, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePoolExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestPool_AcquireHonoursContextCancellation(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 0, PoolOptions{})

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer p.Release(context.Background(), held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}

func TestPool_ReleaseHandsConnectionToWaiter(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 0, PoolOptions{})
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	result := make(chan *PooledConnection, 1)
	go func() {
		pc, err := p.Acquire(ctx, time.Second)
		if err == nil {
			result <- pc
		}
		close(result)
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	p.Release(ctx, held)

	select {
	case pc := <-result:
		require.NotNil(t, pc)
		assert.Equal(t, held.ID(), pc.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the released connection")
	}
	s := p.Stats()
	assert.Equal(t, 1, s.InUse)
	assertInvariant(t, s)
}

func TestPool_ReleaseReplacesUnhealthyConnection(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 0, PoolOptions{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	broken := pc.Conn().(*fakeConn)
	broken.healthy.Store(false)

	p.Release(ctx, pc)

	assert.False(t, broken.connected.Load())
	assert.Equal(t, int32(1), broken.disconnects.Load())
	s := p.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Available)
	assertInvariant(t, s)

	next, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotSame(t, broken, next.Conn())
	assert.NotEqual(t, pc.ID(), next.ID())
	assert.True(t, next.Conn().(*fakeConn).connected.Load())
}

func TestPool_ReleaseUntrackedIsNoop(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 0, PoolOptions{})
	other := newTestPool(t, &fakeFactory{}, 1, 0, PoolOptions{})
	ctx := context.Background()

	foreign, err := other.Acquire(ctx, 0)
	require.NoError(t, err)

	before := p.Stats()
	p.Release(ctx, foreign)
	p.Release(ctx, nil)
	assert.Equal(t, before, p.Stats())

	// releasing twice is also a no-op
	own, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(ctx, own)
	p.Release(ctx, own)
	s := p.Stats()
	assert.Equal(t, 1, s.Available)
	assertInvariant(t, s)
}

func TestPool_StaleReleaseDuringHealthCheckIsNoop(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 0, PoolOptions{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(ctx, pc)

	entered := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	f.created()[0].onHealthCheck = func(context.Context) {
		once.Do(func() {
			close(entered)
			<-hold
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.runHealthCheck(ctx)
	}()

	<-entered
	// the health loop holds the connection; a second release must not queue it
	p.Release(ctx, pc)
	s := p.Stats()
	assert.Equal(t, 0, s.Available)
	assert.Equal(t, 1, s.InUse)
	close(hold)
	<-done

	s = p.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Available)
	assertInvariant(t, s)

	first, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePoolExhausted))
	p.Release(ctx, first)
}

func TestPool_PingDoesNotWaitWhenExhausted(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 1, 0, PoolOptions{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	defer p.Release(ctx, pc)

	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	err = p.Ping(pctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePoolExhausted))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPool_CloseWakesWaitersAndIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	p := NewPool(endpoint("primary", 2, 0), f.connector, PoolOptions{HealthCheckInterval: time.Hour})
	require.NoError(t, p.Initialize(context.Background()))
	ctx := context.Background()

	_, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, 0)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, time.Minute)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close(ctx))

	select {
	case err := <-waitErr:
		assert.True(t, errors.IsType(err, errors.ErrorTypePoolClosed))
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by close")
	}

	for _, c := range f.created() {
		assert.False(t, c.connected.Load())
	}
	s := p.Stats()
	assert.True(t, s.Closed)
	assert.Equal(t, 0, s.Total)

	require.NoError(t, p.Close(ctx))
	_, err = p.Acquire(ctx, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypePoolClosed))
}

func TestPool_HealthLoopReplacesUnhealthyConnections(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 2, 0, PoolOptions{HealthCheckInterval: 10 * time.Millisecond})

	first := f.created()[0]
	first.healthy.Store(false)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return first.disconnects.Load() == 1 && s.Total == 2 && s.Available == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, f.created(), 3)
	assertInvariant(t, p.Stats())
}

func TestPool_HealthLoopDropsIdleOverflow(t *testing.T) {
	f := &fakeFactory{}
	cfg := endpoint("primary", 1, 1)
	cfg.IdleTimeout = 20 * time.Millisecond
	p := NewPool(cfg, f.connector, PoolOptions{HealthCheckInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))
	t.Cleanup(func() { _ = p.Close(ctx) })

	a, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(ctx, a)
	p.Release(ctx, b)
	require.Equal(t, 2, p.Stats().Total)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Total == 1 && s.Overflow == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPool_InvariantHoldsUnderConcurrency(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, 3, 2, PoolOptions{HealthCheckInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				pc, err := p.Acquire(ctx, 5*time.Millisecond)
				if err != nil {
					assert.True(t, errors.IsType(err, errors.ErrorTypePoolExhausted), "unexpected error: %v", err)
					continue
				}
				if (w+i)%7 == 0 {
					pc.Conn().(*fakeConn).healthy.Store(false)
				}
				assertInvariant(t, p.Stats())
				p.Release(ctx, pc)
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assertInvariant(t, s)
	assert.Equal(t, 0, s.InUse)
}
