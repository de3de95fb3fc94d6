// Package sched runs the background maintenance jobs: the ingestion
// rescan tick and the cache eviction sweep.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Config sets the job intervals.
type Config struct {
	RescanInterval time.Duration
	SweepInterval  time.Duration
}

// Rescanner drives one pass of background ingestion.
type Rescanner interface {
	Rescan(ctx context.Context)
}

// Sweeper drains the persistent tier back under budget.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Scheduler owns the gocron instance and the job handles.
type Scheduler struct {
	cfg       Config
	scheduler *gocron.Scheduler
	ingest    Rescanner
	cache     Sweeper
	logger    *zap.Logger
}

// New builds a stopped Scheduler. Call Start to begin ticking.
func New(cfg Config, ingest Rescanner, cache Sweeper, logger *zap.Logger) (*Scheduler, error) {
	if cfg.RescanInterval <= 0 {
		return nil, fmt.Errorf("rescan interval must be > 0, got %s", cfg.RescanInterval)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be > 0, got %s", cfg.SweepInterval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		scheduler: gocron.NewScheduler(time.UTC),
		ingest:    ingest,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Start registers the jobs and begins executing them asynchronously.
// The rescan job fires immediately so a fresh process does not wait a
// full interval before filling its live cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.Every(s.cfg.RescanInterval).StartImmediately().Do(func() {
		start := time.Now()
		s.ingest.Rescan(ctx)
		s.logger.Debug("rescan pass finished", zap.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule rescan job: %w", err)
	}

	_, err = s.scheduler.Every(s.cfg.SweepInterval).Do(func() {
		s.cache.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep job: %w", err)
	}

	// Rescan passes can outlast their interval when a source is slow;
	// never stack a second pass on top of a running one.
	s.scheduler.SingletonModeAll()
	s.scheduler.StartAsync()
	s.logger.Info("scheduler started",
		zap.Duration("rescan_interval", s.cfg.RescanInterval),
		zap.Duration("sweep_interval", s.cfg.SweepInterval))
	return nil
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.logger.Info("scheduler stopped")
}
