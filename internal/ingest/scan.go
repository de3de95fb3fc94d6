package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// Rescan runs one background scan pass: it re-designates the live cycle set
// per source, then schedules ingestion for every missing forecast hour in
// ascending order. Sources in fail backoff are skipped.
func (o *Orchestrator) Rescan(ctx context.Context) {
	now := o.clock.Now()
	for _, src := range o.sources {
		if ctx.Err() != nil {
			return
		}
		o.rescanSource(ctx, src, now)
	}
	o.gcTasks()
}

func (o *Orchestrator) rescanSource(ctx context.Context, src *sourceState, now time.Time) {
	o.mu.Lock()
	throttled := src.spec.RefreshInterval > 0 &&
		!src.lastScan.IsZero() && now.Sub(src.lastScan) < src.spec.RefreshInterval
	if !throttled {
		src.lastScan = now
	}
	o.mu.Unlock()
	if throttled {
		return
	}

	if o.enterBackoff(src, now) {
		o.logger.Debug("source in fail backoff, skipping scan",
			zap.String("source", string(src.spec.Name)),
		)
		return
	}

	cycles := src.spec.LatestCycles(now, src.spec.LiveCycleCount)
	if syn, ok := src.spec.LatestSynopticCycle(now); ok && !containsCycle(cycles, syn) {
		// The latest synoptic run stays live past the normal window so its
		// extended hours remain cheap to serve.
		cycles = append(cycles, syn)
	}
	o.store.DesignateLive(ctx, src.spec.Name, cycles)

	scheduled := 0
	for i := len(cycles) - 1; i >= 0; i-- { // oldest cycle first
		cycle := cycles[i]
		// A fresh pass re-probes from the lowest hour pruned last time.
		o.ClearFrontier(src.spec.Name, cycle)
		scheduled += o.scheduleCycle(src, cycle)
	}

	o.mu.Lock()
	src.lastScheduled = scheduled
	o.mu.Unlock()

	if scheduled > 0 {
		o.logger.Info("scan pass scheduled work",
			zap.String("source", string(src.spec.Name)),
			zap.Int("tasks", scheduled),
		)
	}
}

// scheduleCycle ensures tasks for the cycle's missing hours in ascending
// order. When nothing of the cycle is resident yet, only the first missing
// hour is probed; the rest of the cycle is scheduled once the probe proves
// the cycle is being published.
func (o *Orchestrator) scheduleCycle(src *sourceState, cycle nwp.CycleKey) int {
	hours := src.spec.ForecastHours(cycle)

	anyResident := false
	for _, h := range hours {
		if o.store.Contains(nwp.ItemKey{Source: src.spec.Name, Cycle: cycle, ForecastHour: h}) {
			anyResident = true
			break
		}
	}

	scheduled := 0
	for _, h := range hours {
		key := nwp.ItemKey{Source: src.spec.Name, Cycle: cycle, ForecastHour: h}
		if o.store.Contains(key) {
			continue
		}
		if o.prunedAhead(src, key) {
			break
		}
		if t, ok := o.Lookup(key); ok {
			if state, _ := t.State(); !state.Terminal() {
				continue
			}
		}
		if _, err := o.Ensure(key); err != nil {
			o.logger.Warn("ensure failed during scan",
				zap.String("item", key.String()),
				zap.Error(err),
			)
			continue
		}
		scheduled++
		if !anyResident {
			// Probe: wait for the first hour before committing slots to the
			// whole cycle.
			break
		}
	}
	return scheduled
}

// enterBackoff updates the consecutive-failure accounting and reports whether
// the source should skip this pass.
func (o *Orchestrator) enterBackoff(src *sourceState, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if now.Before(src.backoffUntil) {
		return true
	}
	if src.lastScheduled > 0 && src.readyCount == src.lastReady {
		src.consecFails++
	} else if src.readyCount != src.lastReady {
		src.consecFails = 0
	}
	src.lastReady = src.readyCount

	if src.consecFails >= o.cfg.FailThreshold {
		src.backoffUntil = now.Add(o.cfg.FailBackoff)
		src.consecFails = 0
		o.logger.Warn("source entered fail backoff",
			zap.String("source", string(src.spec.Name)),
			zap.Time("until", src.backoffUntil),
		)
		return true
	}
	return false
}

func containsCycle(cycles []nwp.CycleKey, c nwp.CycleKey) bool {
	for _, cy := range cycles {
		if cy == c {
			return true
		}
	}
	return false
}
