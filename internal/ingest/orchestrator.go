package ingest

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/cache"
	"github.com/wxsection/nwpcache/internal/events"
	"github.com/wxsection/nwpcache/internal/fetch"
	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
	"github.com/wxsection/nwpcache/internal/pool"
	"github.com/wxsection/nwpcache/internal/registry"
)

// Config tunes the orchestrator.
type Config struct {
	// WorkDir stages raw downloads; StoreDir receives converted stores.
	WorkDir  string
	StoreDir string
	// MinPayloadBytes is forwarded to verification.
	MinPayloadBytes int64
	// FailBackoff pauses a source's background scans after FailThreshold
	// consecutive passes that scheduled work but produced nothing.
	FailBackoff   time.Duration
	FailThreshold int
	// TaskGC removes terminal tasks from the index after this long.
	TaskGC time.Duration
}

// taskHeap orders pending tasks by (cycle, forecast hour) so workers always
// take the lowest hour next.
type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].Key.Less(h[j].Key) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// sourceState is the per-source scheduling state. Its queue and counters are
// guarded by the orchestrator mutex; cond shares that mutex.
type sourceState struct {
	spec  registry.SourceSpec
	queue taskHeap
	cond  *sync.Cond

	// prunedFrom records, per cycle, the lowest forecast hour that came back
	// not-yet-published. Hours at or above it are pruned without a fetch.
	prunedFrom   map[nwp.CycleKey]int
	consecFails  int
	backoffUntil time.Time

	// readyCount and lastReady track whether any item became ready between
	// scan passes; lastScheduled remembers whether the previous pass had
	// anything to do at all.
	readyCount    int64
	lastReady     int64
	lastScheduled int

	// lastScan throttles passes for sources with a RefreshInterval.
	lastScan time.Time
}

// Orchestrator runs the ingestion pipelines: one worker per slot per source,
// all pulling from a forecast-hour-ordered queue. All methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg       Config
	reg       *registry.Registry
	fetcher   nwp.SubResourceFetcher
	converter nwp.Converter
	store     *cache.Cache
	pools     *pool.Pools
	emitter   events.Emitter
	retry     *RetryPolicy
	clock     nwp.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	tasks   map[nwp.ItemKey]*Task
	sources map[nwp.Source]*sourceState

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New wires an Orchestrator and starts its workers. Slot budgets come from
// the registry; a source with a zero budget gets no workers and rejects
// ingestion.
func New(
	cfg Config,
	reg *registry.Registry,
	fetcher nwp.SubResourceFetcher,
	converter nwp.Converter,
	store *cache.Cache,
	pools *pool.Pools,
	emitter events.Emitter,
	retry *RetryPolicy,
	clock nwp.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0)
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 2
	}
	if cfg.FailBackoff <= 0 {
		cfg.FailBackoff = time.Minute
	}
	if cfg.TaskGC <= 0 {
		cfg.TaskGC = 10 * time.Minute
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		reg:        reg,
		fetcher:    fetcher,
		converter:  converter,
		store:      store,
		pools:      pools,
		emitter:    emitter,
		retry:      retry,
		clock:      clock,
		logger:     logger,
		tasks:      make(map[nwp.ItemKey]*Task),
		sources:    make(map[nwp.Source]*sourceState),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	for _, spec := range reg.Sources() {
		src := &sourceState{
			spec:       spec,
			prunedFrom: make(map[nwp.CycleKey]int),
		}
		src.cond = sync.NewCond(&o.mu)
		o.sources[spec.Name] = src
		for i := 0; i < spec.SlotBudget; i++ {
			o.wg.Add(1)
			go o.worker(src)
		}
	}
	return o
}

// Shutdown stops the workers, cancels running tasks and waits for them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseCancel()
	o.mu.Lock()
	for _, src := range o.sources {
		src.cond.Broadcast()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// Ensure returns the task for an item, queueing one when none is active. An
// existing non-terminal or Ready task is reused; a Failed or Pruned task is
// replaced, since an explicit request is a signal to try again.
func (o *Orchestrator) Ensure(key nwp.ItemKey) (*Task, error) {
	src, ok := o.sources[key.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", nwp.ErrUnknownSource, key.Source)
	}
	if src.spec.SlotBudget <= 0 {
		return nil, fmt.Errorf("ingestion disabled for %s: %w", key.Source, nwp.ErrNotAvailable)
	}
	if key.ForecastHour < 0 {
		return nil, fmt.Errorf("negative forecast hour for %s", key)
	}

	now := o.clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, exists := o.tasks[key]; exists {
		state, _ := t.State()
		if !state.Terminal() || state == nwp.TaskReady {
			return t, nil
		}
	}

	// Already resident: synthesize a Ready task so callers have a uniform
	// wait path.
	if o.store.Contains(key) {
		t := newTask(key, now)
		t.setState(nwp.TaskReady, nil, now)
		o.tasks[key] = t
		return t, nil
	}

	t := newTask(key, now)
	o.tasks[key] = t
	heap.Push(&src.queue, t)
	src.cond.Signal()
	o.publishActiveCountLocked(key.Source)
	return t, nil
}

// Lookup returns the current task for a key, if any.
func (o *Orchestrator) Lookup(key nwp.ItemKey) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[key]
	return t, ok
}

// Cancel aborts a running task by key. Terminal tasks are unaffected.
func (o *Orchestrator) Cancel(key nwp.ItemKey) {
	o.mu.Lock()
	t, ok := o.tasks[key]
	o.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// worker pulls the lowest-hour pending task and runs the pipeline. Worker
// count per source equals its slot budget, so slots bound both download
// concurrency and everything downstream of it.
func (o *Orchestrator) worker(src *sourceState) {
	defer o.wg.Done()
	for {
		t := o.nextTask(src)
		if t == nil {
			return
		}
		o.process(src, t)
	}
}

// nextTask blocks until a pending task or shutdown. Tasks pruned while
// queued are skipped here without occupying a slot.
func (o *Orchestrator) nextTask(src *sourceState) *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if o.baseCtx.Err() != nil {
			return nil
		}
		if src.queue.Len() > 0 {
			t := heap.Pop(&src.queue).(*Task)
			if state, _ := t.State(); state.Terminal() {
				continue
			}
			return t
		}
		src.cond.Wait()
	}
}

// process drives one task through fetch, verify, convert and admission.
func (o *Orchestrator) process(src *sourceState, t *Task) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	if o.prunedAhead(src, t.Key) {
		o.finish(src, t, nwp.TaskPruned, nwp.ErrNotYetPublished)
		return
	}

	rawDir := o.rawDir(t.Key)
	paths, err := o.fetchAll(ctx, src, t, rawDir)
	if err != nil {
		os.RemoveAll(rawDir)
		if errors.Is(err, nwp.ErrNotYetPublished) {
			o.markPruned(src, t.Key)
			o.finish(src, t, nwp.TaskPruned, err)
			return
		}
		// A fetch cancelled because a lower hour hit the publication
		// frontier is a prune, not a failure.
		if errors.Is(err, context.Canceled) && o.prunedAhead(src, t.Key) {
			o.finish(src, t, nwp.TaskPruned, nwp.ErrNotYetPublished)
			return
		}
		o.finish(src, t, nwp.TaskFailed, err)
		return
	}

	t.setState(nwp.TaskConverting, nil, o.clock.Now())
	handle, err := o.convert(ctx, t.Key, paths)
	os.RemoveAll(rawDir)
	if err != nil {
		o.finish(src, t, nwp.TaskFailed, fmt.Errorf("convert %s: %w", t.Key, err))
		return
	}

	if err := o.store.Admit(ctx, t.Key, handle); err != nil {
		o.finish(src, t, nwp.TaskFailed, fmt.Errorf("admit %s: %w", t.Key, err))
		return
	}
	o.finish(src, t, nwp.TaskReady, nil)
}

// fetchAll downloads and verifies every required sub-resource, re-fetching
// only the parts that fail verification.
func (o *Orchestrator) fetchAll(ctx context.Context, src *sourceState, t *Task, rawDir string) ([]string, error) {
	t.setState(nwp.TaskFetching, nil, o.clock.Now())

	paths := make([]string, 0, len(src.spec.SubResources))
	for _, sub := range src.spec.SubResources {
		path, err := o.fetchOne(ctx, t, sub, rawDir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (o *Orchestrator) fetchOne(ctx context.Context, t *Task, sub nwp.SubResource, rawDir string) (string, error) {
	for attempt := 0; ; attempt++ {
		t.bumpAttempts()
		path, err := o.fetcher.FetchSubResource(ctx, t.Key, sub, rawDir)
		if err == nil {
			t.setState(nwp.TaskVerifying, nil, o.clock.Now())
			err = fetch.Verify(sub, path, o.cfg.MinPayloadBytes)
			if err == nil {
				return path, nil
			}
			os.Remove(path)
		}
		if !o.retry.ShouldRetry(err, attempt+1) {
			return "", fmt.Errorf("fetch %s/%s: %w", t.Key, sub, err)
		}
		backoff := o.retry.Backoff(attempt)
		o.logger.Warn("fetch attempt failed, retrying",
			zap.String("item", t.Key.String()),
			zap.String("sub", string(sub)),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// convert runs under the conversion gate. AcquireWait queues instead of
// rejecting: an item that cost a full fetch is never dropped at the last step.
func (o *Orchestrator) convert(ctx context.Context, key nwp.ItemKey, rawPaths []string) (nwp.StoreHandle, error) {
	token, err := o.pools.Convert.AcquireWait(ctx)
	if err != nil {
		return nwp.StoreHandle{}, err
	}
	defer token.Release()
	return o.converter.Convert(ctx, rawPaths, o.storeDir(key))
}

// finish records the terminal transition, emits the lifecycle event, and
// updates per-source accounting.
func (o *Orchestrator) finish(src *sourceState, t *Task, state nwp.TaskState, cause error) {
	now := o.clock.Now()
	if !t.setState(state, cause, now) {
		return
	}
	metrics.ObserveTaskTerminal(string(t.Key.Source), state.String())

	o.mu.Lock()
	if state == nwp.TaskReady {
		src.readyCount++
	}
	o.publishActiveCountLocked(t.Key.Source)
	o.mu.Unlock()

	var kind events.Kind
	switch state {
	case nwp.TaskReady:
		kind = events.KindItemReady
	case nwp.TaskPruned:
		kind = events.KindItemPruned
	default:
		kind = events.KindItemFailed
	}
	evt := events.ItemEvent(kind, t.Key, now)
	if cause != nil {
		evt.Reason = cause.Error()
	}
	if o.emitter != nil {
		o.emitter.Emit(evt)
	}

	switch state {
	case nwp.TaskReady:
		o.logger.Info("item ready",
			zap.String("item", t.Key.String()),
			zap.Int("attempts", t.Attempts()),
		)
	case nwp.TaskPruned:
		o.logger.Info("item pruned", zap.String("item", t.Key.String()))
	default:
		o.logger.Warn("item failed",
			zap.String("item", t.Key.String()),
			zap.Int("attempts", t.Attempts()),
			zap.Error(cause),
		)
	}
}

// markPruned records the publication frontier for a cycle, prunes every
// queued task at or above it without touching the network, and cancels
// in-flight fetches above it so their slots free up at the next checkpoint.
func (o *Orchestrator) markPruned(src *sourceState, key nwp.ItemKey) {
	o.mu.Lock()
	frontier, ok := src.prunedFrom[key.Cycle]
	if !ok || key.ForecastHour < frontier {
		src.prunedFrom[key.Cycle] = key.ForecastHour
		frontier = key.ForecastHour
	}
	var victims []*Task
	var cancels []context.CancelFunc
	for _, t := range o.tasks {
		if t.Key.Source != key.Source || t.Key.Cycle != key.Cycle || t.Key == key {
			continue
		}
		if t.Key.ForecastHour < frontier {
			continue
		}
		switch state, _ := t.State(); state {
		case nwp.TaskQueued:
			victims = append(victims, t)
		case nwp.TaskFetching, nwp.TaskVerifying:
			t.mu.Lock()
			if t.cancel != nil {
				cancels = append(cancels, t.cancel)
			}
			t.mu.Unlock()
		}
	}
	o.mu.Unlock()

	for _, t := range victims {
		o.finish(src, t, nwp.TaskPruned, nwp.ErrNotYetPublished)
	}
	for _, cancel := range cancels {
		cancel()
	}
	metrics.ObservePruned(string(key.Source), len(victims)+1)
	if len(victims) > 0 {
		o.logger.Info("queued hours pruned behind publication frontier",
			zap.String("source", string(key.Source)),
			zap.String("cycle", key.Cycle.String()),
			zap.Int("frontier", frontier),
			zap.Int("pruned", len(victims)),
		)
	}
}

// prunedAhead reports whether the item sits at or above its cycle's frontier.
func (o *Orchestrator) prunedAhead(src *sourceState, key nwp.ItemKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	frontier, ok := src.prunedFrom[key.Cycle]
	return ok && key.ForecastHour >= frontier
}

// ClearFrontier forgets the prune mark for a cycle so the next scan probes
// it again from the lowest missing hour.
func (o *Orchestrator) ClearFrontier(source nwp.Source, cycle nwp.CycleKey) {
	src, ok := o.sources[source]
	if !ok {
		return
	}
	o.mu.Lock()
	delete(src.prunedFrom, cycle)
	o.mu.Unlock()
}

// StatusSnapshot lists all tracked tasks ordered by item key.
func (o *Orchestrator) StatusSnapshot() []Status {
	o.mu.Lock()
	tasks := make([]*Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	out := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Source != out[j].Key.Source {
			return out[i].Key.Source < out[j].Key.Source
		}
		return out[i].Key.Less(out[j].Key)
	})
	return out
}

// SlotStats reports how many of a source's ingestion slots are occupied
// by tasks that have left the queue but not yet reached a terminal state.
type SlotStats struct {
	Slots  int `json:"slots"`
	Active int `json:"active"`
}

// SlotUtilization returns per-source slot occupancy.
func (o *Orchestrator) SlotUtilization() map[string]SlotStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]SlotStats, len(o.sources))
	for name, src := range o.sources {
		out[string(name)] = SlotStats{Slots: src.spec.SlotBudget}
	}
	for _, t := range o.tasks {
		state, _ := t.State()
		switch state {
		case nwp.TaskFetching, nwp.TaskVerifying, nwp.TaskConverting:
			stats := out[string(t.Key.Source)]
			stats.Active++
			out[string(t.Key.Source)] = stats
		}
	}
	return out
}

// gcTasks drops terminal tasks older than the GC window.
func (o *Orchestrator) gcTasks() {
	cutoff := o.clock.Now().Add(-o.cfg.TaskGC)
	o.mu.Lock()
	for key, t := range o.tasks {
		t.mu.Lock()
		collectable := t.state.Terminal() && t.updatedAt.Before(cutoff)
		t.mu.Unlock()
		if collectable {
			delete(o.tasks, key)
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishActiveCountLocked(source nwp.Source) {
	active := 0
	for _, t := range o.tasks {
		if t.Key.Source != source {
			continue
		}
		if state, _ := t.State(); !state.Terminal() {
			active++
		}
	}
	metrics.SetTasksActive(string(source), active)
}

func (o *Orchestrator) rawDir(key nwp.ItemKey) string {
	return filepath.Join(o.cfg.WorkDir, keyPath(key))
}

func (o *Orchestrator) storeDir(key nwp.ItemKey) string {
	return filepath.Join(o.cfg.StoreDir, keyPath(key))
}

func keyPath(key nwp.ItemKey) string {
	return filepath.Join(string(key.Source), key.Cycle.String(), fmt.Sprintf("F%02d", key.ForecastHour))
}
