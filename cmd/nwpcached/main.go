// Package main wires together the NWP render cache service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/api"
	"github.com/wxsection/nwpcache/internal/cache"
	"github.com/wxsection/nwpcache/internal/clock/system"
	"github.com/wxsection/nwpcache/internal/config"
	"github.com/wxsection/nwpcache/internal/events"
	"github.com/wxsection/nwpcache/internal/fetch"
	"github.com/wxsection/nwpcache/internal/ingest"
	"github.com/wxsection/nwpcache/internal/logging"
	"github.com/wxsection/nwpcache/internal/meta"
	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
	"github.com/wxsection/nwpcache/internal/pool"
	"github.com/wxsection/nwpcache/internal/registry"
	"github.com/wxsection/nwpcache/internal/renderer"
	"github.com/wxsection/nwpcache/internal/sched"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()
	clock := system.New()

	reg := registry.Default()
	reg.ApplySlotOverrides(cfg.Ingest.SlotOverrides)

	fetcher, closeFetcher, err := buildFetcher(ctx, cfg, reg, clock, logger)
	if err != nil {
		return err
	}
	defer closeFetcher()

	store, err := meta.NewFileStore(filepath.Join(cfg.Cache.DataDir, "meta"), logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("init meta store: %w", err)
	}

	catalog, err := buildCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer catalog.Close()

	node, _ := os.Hostname()
	tiers := cache.New(cache.Config{
		RotatingBudgetBytes:   int64(cfg.Cache.RotatingBudgetGB * (1 << 30)),
		PersistentBudgetBytes: int64(cfg.Cache.PersistentBudgetGB * (1 << 30)),
		LowWaterFrac:          cfg.Cache.LowWaterFraction,
		ProtectionWindow:      cfg.ProtectionWindow(),
		PopularityHalfLife:    time.Duration(cfg.Cache.PopularityHalfLifeH) * time.Hour,
		Node:                  node,
	}, store, catalog, clock, logger.Named("cache"))

	restored, err := tiers.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindex cache: %w", err)
	}
	logger.Info("cache reindexed", zap.Int("entries", restored))

	pools, err := pool.New(pool.Config{
		Render:         cfg.Pools.Render,
		Prerender:      cfg.Pools.Prerender,
		Hydrate:        cfg.Pools.Hydrate,
		Convert:        cfg.Pools.Convert,
		AcquireTimeout: cfg.AcquireTimeout(),
	})
	if err != nil {
		return fmt.Errorf("init pools: %w", err)
	}

	hub, closeHub, err := buildEventHub(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeHub()
	tiers.SetEmitter(hub)

	orch := ingest.New(ingest.Config{
		WorkDir:         filepath.Join(cfg.Cache.DataDir, "work"),
		StoreDir:        filepath.Join(cfg.Cache.DataDir, "stores"),
		MinPayloadBytes: cfg.Upstream.MinPayloadBytes,
		FailBackoff:     time.Duration(cfg.Ingest.FailBackoffSecs) * time.Second,
		TaskGC:          time.Duration(cfg.Ingest.TaskGCMinutes) * time.Minute,
	}, reg, fetcher, renderer.NewConverter(logger.Named("convert")), tiers, pools, hub,
		ingest.NewRetryPolicy(
			cfg.Ingest.MaxAttempts,
			time.Duration(cfg.Ingest.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.Ingest.BackoffMaxMs)*time.Millisecond,
		), clock, logger.Named("ingest"))

	svc := renderer.NewService(tiers, orch, pools,
		renderer.NewFSHydrator(), renderer.NewProductRenderer(), clock, logger.Named("render"))

	scheduler, err := sched.New(sched.Config{
		RescanInterval: time.Duration(cfg.Ingest.RescanSeconds) * time.Second,
		SweepInterval:  time.Duration(cfg.Cache.SweepSeconds) * time.Second,
	}, orch, tiers, logger.Named("sched"))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiServer := api.NewServer(svc, orch, reg, cfg.Server, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	scheduler.Stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildFetcher assembles the live mirror fetcher and, when an archive
// bucket is configured, a selector that routes old cycles to it.
func buildFetcher(
	ctx context.Context,
	cfg config.Config,
	reg *registry.Registry,
	clock nwp.Clock,
	logger *zap.Logger,
) (nwp.SubResourceFetcher, func(), error) {
	live := fetch.NewHTTP(reg, fetch.HTTPConfig{
		UserAgent:        cfg.Upstream.UserAgent,
		Timeout:          time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		MinPayloadBytes:  cfg.Upstream.MinPayloadBytes,
		MirrorPreference: cfg.Upstream.MirrorPreference,
		HostRPS:          cfg.Upstream.HostRPS,
		HostBurst:        cfg.Upstream.HostBurst,
	}, logger.Named("fetch"))

	if cfg.Archive.Bucket == "" {
		return live, func() {}, nil
	}
	archive, err := fetch.NewArchive(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, logger.Named("archive"))
	if err != nil {
		return nil, nil, fmt.Errorf("init archive fetcher: %w", err)
	}
	retention := time.Duration(cfg.Upstream.RetentionHours) * time.Hour
	selector := fetch.NewSelector(live, archive, retention, clock)
	closer := func() {
		if err := archive.Close(); err != nil {
			logger.Warn("archive close failed", zap.Error(err))
		}
	}
	return selector, closer, nil
}

// buildCatalog connects the optional Postgres catalog. A nil catalog is
// valid and turns every recording call into a no-op.
func buildCatalog(ctx context.Context, cfg config.Config) (*meta.Catalog, error) {
	if cfg.Catalog.DSN == "" {
		return nil, nil
	}
	catalog, err := meta.NewCatalog(ctx, meta.CatalogConfig{
		DSN:      cfg.Catalog.DSN,
		Table:    cfg.Catalog.Table,
		MaxConns: int32(cfg.Catalog.MaxOpenConns),
	})
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	return catalog, nil
}

// buildEventHub wires lifecycle event sinks: always a log sink, plus
// Pub/Sub when a project is configured.
func buildEventHub(ctx context.Context, cfg config.Config, logger *zap.Logger) (*events.Hub, func(), error) {
	sinks := []events.Sink{events.NewLogSink(logger.Named("events"))}

	var publisher *events.PubSubPublisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		var err error
		publisher, err = events.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		sinks = append(sinks, events.NewPublisherSink(publisher, cfg.PubSub.TopicName, logger.Named("events")))
	}

	hub := events.NewHub(events.HubConfig{Logger: logger.Named("events")}, sinks...)
	closer := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("event hub close failed", zap.Error(err))
		}
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}
	}
	return hub, closer, nil
}
