package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
)

func init() {
	metrics.Init()
}

func TestGateAcquireRelease(t *testing.T) {
	t.Parallel()

	g, err := NewGate("test", 2, time.Second)
	require.NoError(t, err)

	tok1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	tok2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, g.InUse())

	tok1.Release()
	require.Equal(t, 1, g.InUse())
	tok2.Release()
	require.Equal(t, 0, g.InUse())
}

func TestGateBusyOnTimeout(t *testing.T) {
	t.Parallel()

	g, err := NewGate("busy", 1, 50*time.Millisecond)
	require.NoError(t, err)

	tok, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer tok.Release()

	_, err = g.Acquire(context.Background())
	require.ErrorIs(t, err, nwp.ErrBusy)
}

func TestGateCallerCancellationIsNotBusy(t *testing.T) {
	t.Parallel()

	g, err := NewGate("cancel", 1, time.Minute)
	require.NoError(t, err)

	tok, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer tok.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = g.Acquire(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, nwp.ErrBusy)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTokenReleaseIdempotent(t *testing.T) {
	t.Parallel()

	g, err := NewGate("idem", 1, time.Second)
	require.NoError(t, err)

	tok, err := g.Acquire(context.Background())
	require.NoError(t, err)
	tok.Release()
	tok.Release()
	require.Equal(t, 0, g.InUse())

	// Capacity must still be available exactly once.
	again, err := g.Acquire(context.Background())
	require.NoError(t, err)
	again.Release()
}

func TestSeparateGatesDoNotStarveEachOther(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Render: 2, Prerender: 1, Hydrate: 1, Convert: 1, AcquireTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	// Saturate the prerender gate with a long-running batch job.
	batch, err := p.Prerender.AcquireWait(context.Background())
	require.NoError(t, err)
	defer batch.Release()

	// Interactive render acquires must still succeed within the timeout.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, acquireErr := p.Render.Acquire(context.Background())
			errs[i] = acquireErr
			if acquireErr == nil {
				tok.Release()
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Render: 3, Prerender: 2, Hydrate: 2, Convert: 1, AcquireTimeout: time.Second})
	require.NoError(t, err)

	tok, err := p.Convert.AcquireWait(context.Background())
	require.NoError(t, err)
	defer tok.Release()

	snap := p.Snapshot()
	require.Equal(t, Utilization{Capacity: 1, InUse: 1}, snap["convert"])
	require.Equal(t, Utilization{Capacity: 3, InUse: 0}, snap["render"])
}
