package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRescanner struct{ n atomic.Int64 }

func (c *countingRescanner) Rescan(ctx context.Context) { c.n.Add(1) }

type countingSweeper struct{ n atomic.Int64 }

func (c *countingSweeper) Sweep(ctx context.Context) { c.n.Add(1) }

func TestSchedulerRunsBothJobs(t *testing.T) {
	t.Parallel()

	rescan := &countingRescanner{}
	sweep := &countingSweeper{}
	s, err := New(Config{
		RescanInterval: 20 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
	}, rescan, sweep, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return rescan.n.Load() >= 2 && sweep.n.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerRescanFiresImmediately(t *testing.T) {
	t.Parallel()

	rescan := &countingRescanner{}
	s, err := New(Config{
		RescanInterval: time.Hour,
		SweepInterval:  time.Hour,
	}, rescan, &countingSweeper{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return rescan.n.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerRejectsBadIntervals(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SweepInterval: time.Second}, &countingRescanner{}, &countingSweeper{}, nil)
	require.Error(t, err)

	_, err = New(Config{RescanInterval: time.Second}, &countingRescanner{}, &countingSweeper{}, nil)
	require.Error(t, err)
}

func TestSchedulerStopHaltsJobs(t *testing.T) {
	t.Parallel()

	sweep := &countingSweeper{}
	s, err := New(Config{
		RescanInterval: 10 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	}, &countingRescanner{}, sweep, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return sweep.n.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	settled := sweep.n.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, sweep.n.Load())
}
