// Package cache implements the two-tier array-store cache. The rotating
// tier holds the live model cycles under the resident budget; the persistent
// tier holds explicitly requested historical items under the disk budget with
// popularity-decay eviction. Entries move between tiers by re-labeling, never
// by copying, and physical store deletion is deferred until the last reader
// releases its reference.
package cache

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/events"
	"github.com/wxsection/nwpcache/internal/meta"
	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
)

// Config bounds the two tiers and tunes eviction.
type Config struct {
	RotatingBudgetBytes   int64
	PersistentBudgetBytes int64
	// LowWaterFrac is the fill fraction an eviction sweep drains the
	// persistent tier down to once it exceeds its budget.
	LowWaterFrac float64
	// ProtectionWindow shields persistent entries accessed within it from
	// eviction, so paying the ingestion cost is never immediately wasted.
	ProtectionWindow time.Duration
	// PopularityHalfLife controls how fast access counts decay in the
	// eviction score.
	PopularityHalfLife time.Duration
	// Node identifies this process in the optional shared catalog.
	Node string
}

type entry struct {
	key         nwp.ItemKey
	handle      nwp.StoreHandle
	tier        nwp.Tier
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	refs        int
	// evicted means the entry is no longer visible to lookups but readers
	// still hold references; the store is deleted when the last one releases.
	evicted bool
	// dirty means lastAccess/accessCount changed since the sidecar was
	// last written; the next sweep flushes it.
	dirty bool
}

func (e *entry) score(now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(e.lastAccess)
	if age < 0 {
		age = 0
	}
	if halfLife <= 0 {
		halfLife = 12 * time.Hour
	}
	return float64(e.accessCount) * math.Exp(-math.Ln2*age.Seconds()/halfLife.Seconds())
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	store   meta.Store
	catalog *meta.Catalog
	clock   nwp.Clock
	logger  *zap.Logger
	emitter events.Emitter

	mu                sync.Mutex
	entries           map[nwp.ItemKey]*entry
	live              map[nwp.Source]map[nwp.CycleKey]bool
	rotatingBytes     int64
	persistentBytes   int64
	rotatingEntries   int
	persistentEntries int
}

// New builds an empty cache. catalog may be nil.
func New(cfg Config, store meta.Store, catalog *meta.Catalog, clock nwp.Clock, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LowWaterFrac <= 0 || cfg.LowWaterFrac > 1 {
		cfg.LowWaterFrac = 0.85
	}
	return &Cache{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		clock:   clock,
		logger:  logger,
		entries: make(map[nwp.ItemKey]*entry),
		live:    make(map[nwp.Source]map[nwp.CycleKey]bool),
	}
}

// SetEmitter attaches the lifecycle event emitter. Call before the cache
// starts serving; a nil emitter silences eviction events.
func (c *Cache) SetEmitter(e events.Emitter) {
	c.emitter = e
}

// Ref pins one cached store against physical deletion. Release is idempotent.
type Ref struct {
	cache *Cache
	ent   *entry
	once  sync.Once
}

// Handle returns the pinned store.
func (r *Ref) Handle() nwp.StoreHandle { return r.ent.handle }

// Key returns the pinned item's key.
func (r *Ref) Key() nwp.ItemKey { return r.ent.key }

// Release drops the pin. If the entry was evicted while pinned and this was
// the last reference, the store is deleted now.
func (r *Ref) Release() {
	r.once.Do(func() {
		r.cache.release(r.ent)
	})
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.refs--
	deletable := e.evicted && e.refs == 0
	c.mu.Unlock()
	if deletable {
		c.removeStore(e)
	}
}

func (c *Cache) removeStore(e *entry) {
	if err := os.RemoveAll(e.handle.Path); err != nil {
		c.logger.Warn("remove evicted store",
			zap.String("item", e.key.String()),
			zap.String("path", e.handle.Path),
			zap.Error(err),
		)
	}
}

// Lookup returns a pinned reference when the item is resident, bumping its
// popularity. The caller must Release the reference when done reading.
func (c *Cache) Lookup(key nwp.ItemKey) (*Ref, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.evicted {
		return nil, false
	}
	e.refs++
	e.accessCount++
	e.lastAccess = c.clock.Now()
	e.dirty = true
	return &Ref{cache: c, ent: e}, true
}

// Contains reports residency without pinning or bumping popularity.
func (c *Cache) Contains(key nwp.ItemKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.evicted
}

// Touch bumps an item's popularity without pinning it. Prerendering uses
// this so warmed items survive the next sweep.
func (c *Cache) Touch(key nwp.ItemKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.evicted {
		e.accessCount++
		e.lastAccess = c.clock.Now()
		e.dirty = true
	}
}

// Admit inserts a freshly converted store. Items of a live cycle enter the
// rotating tier; everything else enters the persistent tier. Admitting an
// already resident key is a no-op so racing ingestions stay idempotent.
func (c *Cache) Admit(ctx context.Context, key nwp.ItemKey, handle nwp.StoreHandle) error {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !e.evicted {
		c.mu.Unlock()
		return nil
	}
	tier := nwp.TierPersistent
	if c.isLiveLocked(key.Source, key.Cycle) {
		tier = nwp.TierRotating
	}
	e := &entry{
		key:         key,
		handle:      handle,
		tier:        tier,
		createdAt:   now,
		lastAccess:  now,
		accessCount: 1,
	}
	c.entries[key] = e
	c.addBytesLocked(tier, handle.SizeBytes, 1)
	m := c.metaForLocked(e)
	c.mu.Unlock()

	if err := c.store.Save(m); err != nil {
		return fmt.Errorf("persist entry meta: %w", err)
	}
	if err := c.catalog.RecordAdmit(ctx, c.cfg.Node, m); err != nil {
		c.logger.Warn("catalog admit", zap.String("item", key.String()), zap.Error(err))
	}

	c.logger.Info("item admitted",
		zap.String("item", key.String()),
		zap.String("tier", tier.String()),
		zap.Int64("bytes", handle.SizeBytes),
	)

	c.enforceRotatingBudget(ctx)
	c.Sweep(ctx)
	return nil
}

// DesignateLive replaces the live cycle set for one source. Rotating entries
// whose cycle fell out of the set move to the persistent tier in place; their
// bytes are re-accounted but nothing is copied or re-fetched.
func (c *Cache) DesignateLive(ctx context.Context, source nwp.Source, cycles []nwp.CycleKey) {
	liveSet := make(map[nwp.CycleKey]bool, len(cycles))
	for _, cy := range cycles {
		liveSet[cy] = true
	}

	c.mu.Lock()
	var rotated []nwp.CycleKey
	for cy := range c.live[source] {
		if !liveSet[cy] {
			rotated = append(rotated, cy)
		}
	}
	c.live[source] = liveSet
	var moved []*entry
	for _, e := range c.entries {
		if e.evicted || e.tier != nwp.TierRotating || e.key.Source != source {
			continue
		}
		if liveSet[e.key.Cycle] {
			continue
		}
		c.addBytesLocked(nwp.TierRotating, -e.handle.SizeBytes, -1)
		e.tier = nwp.TierPersistent
		c.addBytesLocked(nwp.TierPersistent, e.handle.SizeBytes, 1)
		moved = append(moved, e)
	}
	metas := make([]meta.EntryMeta, len(moved))
	for i, e := range moved {
		metas[i] = c.metaForLocked(e)
	}
	c.mu.Unlock()

	for i, e := range moved {
		if err := c.store.Save(metas[i]); err != nil {
			c.logger.Warn("persist tier move", zap.String("item", e.key.String()), zap.Error(err))
		}
		if err := c.catalog.RecordAdmit(ctx, c.cfg.Node, metas[i]); err != nil {
			c.logger.Warn("catalog tier move", zap.String("item", e.key.String()), zap.Error(err))
		}
	}
	if c.emitter != nil {
		now := c.clock.Now()
		for _, cy := range rotated {
			c.emitter.Emit(events.Event{
				Kind:   events.KindCycleRotated,
				TS:     now.UTC(),
				Source: string(source),
				Cycle:  cy.String(),
			})
		}
	}
	if len(moved) > 0 {
		c.logger.Info("cycles rotated out",
			zap.String("source", string(source)),
			zap.Int("moved", len(moved)),
		)
		c.Sweep(ctx)
	}
}

func (c *Cache) isLiveLocked(source nwp.Source, cycle nwp.CycleKey) bool {
	set, ok := c.live[source]
	return ok && set[cycle]
}

// IsLive reports whether a cycle is currently designated live for its source.
func (c *Cache) IsLive(source nwp.Source, cycle nwp.CycleKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLiveLocked(source, cycle)
}

// enforceRotatingBudget demotes the least recently touched rotating entries
// to the persistent tier when the resident budget overflows. Demotion keeps
// the store on disk; the persistent sweep decides its ultimate fate.
func (c *Cache) enforceRotatingBudget(ctx context.Context) {
	if c.cfg.RotatingBudgetBytes <= 0 {
		return
	}

	c.mu.Lock()
	var demoted []*entry
	for c.rotatingBytes > c.cfg.RotatingBudgetBytes {
		victim := c.oldestRotatingLocked()
		if victim == nil {
			break
		}
		c.addBytesLocked(nwp.TierRotating, -victim.handle.SizeBytes, -1)
		victim.tier = nwp.TierPersistent
		c.addBytesLocked(nwp.TierPersistent, victim.handle.SizeBytes, 1)
		demoted = append(demoted, victim)
	}
	metas := make([]meta.EntryMeta, len(demoted))
	for i, e := range demoted {
		metas[i] = c.metaForLocked(e)
	}
	c.mu.Unlock()

	for i, e := range demoted {
		metrics.ObserveEviction(nwp.TierRotating.String(), "budget_demote")
		if err := c.store.Save(metas[i]); err != nil {
			c.logger.Warn("persist demotion", zap.String("item", e.key.String()), zap.Error(err))
		}
		if err := c.catalog.RecordAdmit(ctx, c.cfg.Node, metas[i]); err != nil {
			c.logger.Warn("catalog demotion", zap.String("item", e.key.String()), zap.Error(err))
		}
	}
	if len(demoted) > 0 {
		c.Sweep(ctx)
	}
}

func (c *Cache) oldestRotatingLocked() *entry {
	var victim *entry
	for _, e := range c.entries {
		if e.evicted || e.tier != nwp.TierRotating {
			continue
		}
		if victim == nil || e.lastAccess.Before(victim.lastAccess) {
			victim = e
		}
	}
	return victim
}

// Sweep evicts from the persistent tier when it exceeds its budget, removing
// the lowest-scoring unprotected entries until usage drops to the low-water
// mark. Entries inside the protection window survive even when that leaves
// the tier over budget.
func (c *Cache) Sweep(ctx context.Context) {
	c.flushAccessMeta()
	if c.cfg.PersistentBudgetBytes <= 0 {
		return
	}
	now := c.clock.Now()
	target := int64(c.cfg.LowWaterFrac * float64(c.cfg.PersistentBudgetBytes))

	c.mu.Lock()
	if c.persistentBytes <= c.cfg.PersistentBudgetBytes {
		c.mu.Unlock()
		return
	}
	var evicted []*entry
	for c.persistentBytes > target {
		victim := c.evictionCandidateLocked(now)
		if victim == nil {
			break
		}
		victim.evicted = true
		delete(c.entries, victim.key)
		c.addBytesLocked(nwp.TierPersistent, -victim.handle.SizeBytes, -1)
		evicted = append(evicted, victim)
	}
	c.mu.Unlock()

	for _, e := range evicted {
		metrics.ObserveEviction(nwp.TierPersistent.String(), "popularity")
		if err := c.store.Delete(e.key); err != nil {
			c.logger.Warn("delete sidecar", zap.String("item", e.key.String()), zap.Error(err))
		}
		if err := c.catalog.RecordEvict(ctx, c.cfg.Node, e.key); err != nil {
			c.logger.Warn("catalog evict", zap.String("item", e.key.String()), zap.Error(err))
		}
		c.mu.Lock()
		deletable := e.refs == 0
		c.mu.Unlock()
		if deletable {
			c.removeStore(e)
		}
		if c.emitter != nil {
			evt := events.ItemEvent(events.KindItemEvicted, e.key, now)
			evt.Tier = nwp.TierPersistent.String()
			evt.SizeBytes = e.handle.SizeBytes
			evt.Reason = "popularity"
			c.emitter.Emit(evt)
		}
		c.logger.Info("item evicted",
			zap.String("item", e.key.String()),
			zap.Int64("bytes", e.handle.SizeBytes),
		)
	}
}

// flushAccessMeta rewrites the sidecars of entries whose popularity changed
// since the last flush, so access stats survive a restart. Sweep runs this
// on every pass, which bounds staleness to one sweep interval.
func (c *Cache) flushAccessMeta() {
	c.mu.Lock()
	var metas []meta.EntryMeta
	for _, e := range c.entries {
		if !e.dirty || e.evicted {
			continue
		}
		e.dirty = false
		metas = append(metas, c.metaForLocked(e))
	}
	c.mu.Unlock()

	for _, m := range metas {
		if err := c.store.Save(m); err != nil {
			c.logger.Warn("persist access meta",
				zap.String("item", fmt.Sprintf("%s/%s/F%02d", m.Source, m.Cycle, m.ForecastHour)),
				zap.Error(err),
			)
		}
	}
}

// evictionCandidateLocked picks the lowest-scoring persistent entry whose
// last access is outside the protection window. Live-cycle entries never
// qualify.
func (c *Cache) evictionCandidateLocked(now time.Time) *entry {
	var victim *entry
	var victimScore float64
	for _, e := range c.entries {
		if e.evicted || e.tier != nwp.TierPersistent {
			continue
		}
		if now.Sub(e.lastAccess) < c.cfg.ProtectionWindow {
			continue
		}
		if c.isLiveLocked(e.key.Source, e.key.Cycle) {
			continue
		}
		s := e.score(now, c.cfg.PopularityHalfLife)
		if victim == nil || s < victimScore {
			victim = e
			victimScore = s
		}
	}
	return victim
}

// Reindex rebuilds the in-memory index from sidecar metadata after a restart.
// Records whose store vanished are dropped; records labeled rotating re-enter
// the persistent tier because the live set is re-designated from scratch.
func (c *Cache) Reindex(ctx context.Context) (int, error) {
	records, err := c.store.List()
	if err != nil {
		return 0, fmt.Errorf("list entry meta: %w", err)
	}

	restored := 0
	for _, m := range records {
		key, err := m.Key()
		if err != nil {
			continue
		}
		if _, err := os.Stat(m.StorePath); err != nil {
			c.logger.Warn("drop entry with missing store",
				zap.String("item", key.String()),
				zap.String("path", m.StorePath),
			)
			if delErr := c.store.Delete(key); delErr != nil {
				c.logger.Warn("delete stale sidecar", zap.String("item", key.String()), zap.Error(delErr))
			}
			if evErr := c.catalog.RecordEvict(ctx, c.cfg.Node, key); evErr != nil {
				c.logger.Warn("catalog evict stale", zap.String("item", key.String()), zap.Error(evErr))
			}
			continue
		}
		e := &entry{
			key:         key,
			handle:      nwp.StoreHandle{Path: m.StorePath, SizeBytes: m.SizeBytes},
			tier:        nwp.TierPersistent,
			createdAt:   m.CreatedAt,
			lastAccess:  m.LastAccess,
			accessCount: m.AccessCount,
		}
		c.mu.Lock()
		c.entries[key] = e
		c.addBytesLocked(nwp.TierPersistent, m.SizeBytes, 1)
		c.mu.Unlock()
		restored++
	}

	c.logger.Info("cache reindexed",
		zap.Int("restored", restored),
		zap.Int("records", len(records)),
	)
	c.Sweep(ctx)
	return restored, nil
}

func (c *Cache) metaForLocked(e *entry) meta.EntryMeta {
	return meta.EntryMeta{
		Source:       string(e.key.Source),
		Cycle:        e.key.Cycle.String(),
		ForecastHour: e.key.ForecastHour,
		Tier:         e.tier.String(),
		StorePath:    e.handle.Path,
		SizeBytes:    e.handle.SizeBytes,
		CreatedAt:    e.createdAt,
		LastAccess:   e.lastAccess,
		AccessCount:  e.accessCount,
	}
}

func (c *Cache) addBytesLocked(tier nwp.Tier, bytes int64, entries int) {
	switch tier {
	case nwp.TierRotating:
		c.rotatingBytes += bytes
		c.rotatingEntries += entries
		metrics.SetTierUsage(tier.String(), c.rotatingBytes, c.rotatingEntries)
	default:
		c.persistentBytes += bytes
		c.persistentEntries += entries
		metrics.SetTierUsage(tier.String(), c.persistentBytes, c.persistentEntries)
	}
}

// TierStats summarizes one tier for the status endpoint.
type TierStats struct {
	Entries     int   `json:"entries"`
	UsedBytes   int64 `json:"used_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
}

// Snapshot reports per-tier usage.
func (c *Cache) Snapshot() map[string]TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := map[string]TierStats{
		nwp.TierRotating.String(): {
			UsedBytes:   c.rotatingBytes,
			BudgetBytes: c.cfg.RotatingBudgetBytes,
		},
		nwp.TierPersistent.String(): {
			UsedBytes:   c.persistentBytes,
			BudgetBytes: c.cfg.PersistentBudgetBytes,
		},
	}
	rot := stats[nwp.TierRotating.String()]
	rot.Entries = c.rotatingEntries
	stats[nwp.TierRotating.String()] = rot
	per := stats[nwp.TierPersistent.String()]
	per.Entries = c.persistentEntries
	stats[nwp.TierPersistent.String()] = per
	return stats
}
