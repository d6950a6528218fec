package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"brain2-datacore/internal/config"
)

// fakeConn is an in-memory Connection whose health can be flipped by tests.
type fakeConn struct {
	label        string
	seq          int
	healthy      atomic.Bool
	connected    atomic.Bool
	disconnects  atomic.Int32
	healthChecks atomic.Int32
	// onHealthCheck runs at the start of every HealthCheck when set. Set it
	// before the connection is shared with another goroutine.
	onHealthCheck func(ctx context.Context)
}

func (c *fakeConn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.connected.Store(false)
	c.disconnects.Add(1)
	return nil
}

func (c *fakeConn) HealthCheck(ctx context.Context) error {
	c.healthChecks.Add(1)
	if c.onHealthCheck != nil {
		c.onHealthCheck(ctx)
	}
	if !c.connected.Load() {
		return fmt.Errorf("%s#%d not connected", c.label, c.seq)
	}
	if !c.healthy.Load() {
		return fmt.Errorf("%s#%d unhealthy", c.label, c.seq)
	}
	return ctx.Err()
}

// fakeVectorConn adds the vector capability.
type fakeVectorConn struct {
	fakeConn
}

func (c *fakeVectorConn) SearchSimilar(_ context.Context, q VectorQuery) ([]VectorMatch, error) {
	out := make([]VectorMatch, 0, q.Limit)
	for i := 0; i < q.Limit; i++ {
		out = append(out, VectorMatch{ID: fmt.Sprintf("doc-%d", i), Similarity: 1 - float64(i)/10})
	}
	return out, nil
}

// fakeFactory builds fakeConns and remembers every one it made.
type fakeFactory struct {
	mu          sync.Mutex
	conns       []*fakeConn
	vector      bool
	failConnect atomic.Bool
	// failAfter makes the connector fail once this many connections exist (0 = never).
	failAfter int
	unhealthy atomic.Bool
}

type failingConn struct{ fakeConn }

func (c *failingConn) Connect(context.Context) error { return fmt.Errorf("dial %s: connection refused", c.label) }

func (f *fakeFactory) connector(cfg config.ConnectionConfig) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq := len(f.conns) + 1
	if f.failConnect.Load() || (f.failAfter > 0 && seq > f.failAfter) {
		return &failingConn{fakeConn{label: cfg.Name, seq: seq}}, nil
	}
	if f.vector {
		c := &fakeVectorConn{fakeConn{label: cfg.Name, seq: seq}}
		c.healthy.Store(!f.unhealthy.Load())
		f.conns = append(f.conns, &c.fakeConn)
		return c, nil
	}
	c := &fakeConn{label: cfg.Name, seq: seq}
	c.healthy.Store(!f.unhealthy.Load())
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) created() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func labelOf(conn Connection) string {
	switch c := conn.(type) {
	case *fakeConn:
		return c.label
	case *fakeVectorConn:
		return c.label
	}
	return ""
}

func endpoint(name string, size, overflow int) config.ConnectionConfig {
	return config.ConnectionConfig{
		Name:        name,
		Type:        config.EndpointDynamoDB,
		Table:       "test",
		PoolSize:    size,
		MaxOverflow: overflow,
	}
}
