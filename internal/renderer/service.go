package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/cache"
	"github.com/wxsection/nwpcache/internal/ingest"
	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
	"github.com/wxsection/nwpcache/internal/pool"
)

// Service answers render requests. Interactive requests go through the render
// gate and may trigger on-demand ingestion; prerender batches go through
// their own smaller gate so they cannot starve interactive traffic.
type Service struct {
	store    *cache.Cache
	orch     *ingest.Orchestrator
	pools    *pool.Pools
	hydrator nwp.Hydrator
	renderer nwp.Renderer
	clock    nwp.Clock
	logger   *zap.Logger
}

// NewService wires the serving path.
func NewService(
	store *cache.Cache,
	orch *ingest.Orchestrator,
	pools *pool.Pools,
	hydrator nwp.Hydrator,
	renderer nwp.Renderer,
	clock nwp.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		orch:     orch,
		pools:    pools,
		hydrator: hydrator,
		renderer: renderer,
		clock:    clock,
		logger:   logger,
	}
}

// RenderInteractive produces one product, ingesting the item first if it is
// not resident. A saturated render gate returns nwp.ErrBusy rather than
// queueing unbounded work.
func (s *Service) RenderInteractive(ctx context.Context, key nwp.ItemKey, spec nwp.ProductSpec) ([]byte, error) {
	start := s.clock.Now()
	token, err := s.pools.Render.Acquire(ctx)
	if err != nil {
		metrics.ObserveRender(spec.Product, "rejected", s.clock.Now().Sub(start))
		return nil, err
	}
	defer token.Release()

	payload, err := s.render(ctx, key, spec)
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, nwp.ErrNotAvailable) {
			status = "not_available"
		}
	}
	metrics.ObserveRender(spec.Product, status, s.clock.Now().Sub(start))
	return payload, err
}

// PrerenderResult reports one item of a batch.
type PrerenderResult struct {
	Item  string `json:"item"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Prerender warms a batch of items: each is ingested if needed, touched to
// boost its eviction score, and rendered once so the hydration path is hot.
// The batch shares the prerender gate, item by item.
func (s *Service) Prerender(ctx context.Context, keys []nwp.ItemKey, spec nwp.ProductSpec) []PrerenderResult {
	ordered := make([]nwp.ItemKey, len(keys))
	copy(ordered, keys)
	// Warm lowest hours first, matching ingestion order.
	nwp.SortKeys(ordered)

	results := make([]PrerenderResult, 0, len(ordered))
	for _, key := range ordered {
		if ctx.Err() != nil {
			results = append(results, PrerenderResult{Item: key.String(), State: "cancelled", Error: ctx.Err().Error()})
			continue
		}
		results = append(results, s.prerenderOne(ctx, key, spec))
	}
	return results
}

func (s *Service) prerenderOne(ctx context.Context, key nwp.ItemKey, spec nwp.ProductSpec) PrerenderResult {
	res := PrerenderResult{Item: key.String()}

	token, err := s.pools.Prerender.AcquireWait(ctx)
	if err != nil {
		res.State = "cancelled"
		res.Error = err.Error()
		return res
	}
	defer token.Release()

	if _, err := s.render(ctx, key, spec); err != nil {
		res.State = "failed"
		res.Error = err.Error()
		return res
	}
	s.store.Touch(key)
	res.State = "warmed"
	return res
}

// render resolves the item to a pinned store, hydrates it and rasterizes the
// product. On a cache miss it blocks on ingestion.
func (s *Service) render(ctx context.Context, key nwp.ItemKey, spec nwp.ProductSpec) ([]byte, error) {
	ref, ok := s.store.Lookup(key)
	if !ok {
		var err error
		ref, err = s.ingestAndPin(ctx, key)
		if err != nil {
			return nil, err
		}
	}
	defer ref.Release()

	hydrateToken, err := s.pools.Hydrate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer hydrateToken.Release()

	ds, err := s.hydrator.Hydrate(ctx, ref.Handle())
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", key, err)
	}
	defer ds.Close()

	return s.renderer.Render(ctx, ds, spec)
}

// ingestAndPin drives a cache miss through the orchestrator and pins the
// admitted store. The task outcome maps onto the error taxonomy: pruned and
// failed items surface ErrNotAvailable with the cause attached.
func (s *Service) ingestAndPin(ctx context.Context, key nwp.ItemKey) (*cache.Ref, error) {
	task, err := s.orch.Ensure(key)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("render waiting on ingestion",
		zap.String("item", key.String()),
	)
	waitStart := s.clock.Now()
	if err := task.Wait(ctx); err != nil {
		return nil, err
	}
	state, cause := task.State()
	switch state {
	case nwp.TaskReady:
	case nwp.TaskPruned, nwp.TaskFailed:
		return nil, &nwp.IngestError{Key: key, State: state, Err: errors.Join(nwp.ErrNotAvailable, cause)}
	default:
		return nil, fmt.Errorf("task for %s ended in unexpected state %s", key, state)
	}
	s.logger.Info("on-demand ingestion complete",
		zap.String("item", key.String()),
		zap.Duration("wait", s.clock.Now().Sub(waitStart)),
	)

	ref, ok := s.store.Lookup(key)
	if !ok {
		// Ready but already evicted: a tiny persistent budget under load.
		return nil, fmt.Errorf("%s: %w", key, nwp.ErrNotAvailable)
	}
	return ref, nil
}

// Resident reports whether the item is cached in either tier.
func (s *Service) Resident(key nwp.ItemKey) bool {
	return s.store.Contains(key)
}

// Snapshot merges cache, pool and task state for the status endpoint.
type Snapshot struct {
	Tiers   map[string]cache.TierStats  `json:"tiers"`
	Pools   map[string]pool.Utilization `json:"pools"`
	Sources map[string]ingest.SlotStats `json:"sources"`
	Tasks   []ingest.Status             `json:"tasks"`
	At      time.Time                   `json:"at"`
}

// Status builds a Snapshot.
func (s *Service) Status() Snapshot {
	return Snapshot{
		Tiers:   s.store.Snapshot(),
		Pools:   s.pools.Snapshot(),
		Sources: s.orch.SlotUtilization(),
		Tasks:   s.orch.StatusSnapshot(),
		At:      s.clock.Now(),
	}
}
