// Package pool implements the bounded admission gates that serialize access
// to contended CPU and I/O resources. Each gate is a fixed-capacity weighted
// semaphore; Acquire blocks up to a timeout and returns nwp.ErrBusy on
// expiry so callers get backpressure instead of an unbounded queue.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
)

// Gate is one bounded concurrency gate.
type Gate struct {
	name     string
	capacity int64
	timeout  time.Duration
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

// NewGate builds a gate with the given capacity and default acquire timeout.
func NewGate(name string, capacity int, timeout time.Duration) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("gate %s: capacity must be > 0", name)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gate{
		name:     name,
		capacity: int64(capacity),
		timeout:  timeout,
		sem:      semaphore.NewWeighted(int64(capacity)),
	}, nil
}

// Name returns the gate's label.
func (g *Gate) Name() string { return g.name }

// Capacity returns the gate's total token count.
func (g *Gate) Capacity() int { return int(g.capacity) }

// InUse returns the number of tokens currently held.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Acquire obtains one token, blocking up to the gate's timeout (or the
// context's deadline, whichever ends first). On timeout it returns
// nwp.ErrBusy; the caller should report "busy, retry" rather than queue.
func (g *Gate) Acquire(ctx context.Context) (*Token, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		// Distinguish caller cancellation from gate saturation.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire %s: %w", g.name, ctx.Err())
		}
		metrics.PoolBusy(g.name)
		return nil, fmt.Errorf("acquire %s: %w", g.name, nwp.ErrBusy)
	}
	g.inUse.Add(1)
	metrics.PoolAcquired(g.name)
	return &Token{gate: g}, nil
}

// AcquireWait obtains one token without the busy timeout, blocking until the
// context finishes. Used by background work (conversion) where queueing is
// the desired behavior.
func (g *Gate) AcquireWait(ctx context.Context) (*Token, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", g.name, err)
	}
	g.inUse.Add(1)
	metrics.PoolAcquired(g.name)
	return &Token{gate: g}, nil
}

// Token is a held gate slot. Release is idempotent and must run on every
// exit path so the gate never leaks capacity.
type Token struct {
	gate *Gate
	once sync.Once
}

// Release returns the token to its gate.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.gate.inUse.Add(-1)
		t.gate.sem.Release(1)
		metrics.PoolReleased(t.gate.name)
	})
}

// Pools bundles the four gates that bound the service's contended resources.
type Pools struct {
	Render    *Gate
	Prerender *Gate
	Hydrate   *Gate
	Convert   *Gate
}

// Config sizes the four gates.
type Config struct {
	Render         int
	Prerender      int
	Hydrate        int
	Convert        int
	AcquireTimeout time.Duration
}

// New builds all four gates. Conversion is typically the smallest pool:
// decode libraries hold a per-process lock, so only a few conversions can
// make progress at once no matter how many workers exist.
func New(cfg Config) (*Pools, error) {
	render, err := NewGate("render", cfg.Render, cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	prerender, err := NewGate("prerender", cfg.Prerender, cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	hydrate, err := NewGate("hydrate", cfg.Hydrate, cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	convert, err := NewGate("convert", cfg.Convert, cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	return &Pools{Render: render, Prerender: prerender, Hydrate: hydrate, Convert: convert}, nil
}

// Snapshot reports per-gate utilization for the status surface.
func (p *Pools) Snapshot() map[string]Utilization {
	gates := []*Gate{p.Render, p.Prerender, p.Hydrate, p.Convert}
	out := make(map[string]Utilization, len(gates))
	for _, g := range gates {
		out[g.Name()] = Utilization{Capacity: g.Capacity(), InUse: g.InUse()}
	}
	return out
}

// Utilization is one gate's occupancy.
type Utilization struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
}
