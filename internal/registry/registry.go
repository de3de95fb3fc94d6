// Package registry holds the static description of every upstream model
// source: which sub-resources make an item complete, how many download slots
// the source may use, its publication cadence and its mirror URL layout.
// The registry is read-only and loaded once at startup.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// MirrorURL is one upstream location template for a sub-resource. Templates
// use {date} (YYYYMMDD), {hh} (two-digit cycle hour), {ff} and {fff}
// (two/three-digit forecast hour) placeholders.
type MirrorURL struct {
	Mirror   string
	Template string
}

// SourceSpec describes one model feed.
type SourceSpec struct {
	Name         nwp.Source
	SubResources []nwp.SubResource
	SlotBudget   int

	// CycleHours are the UTC init hours this model runs at.
	CycleHours []int
	// AvailabilityLag is how long after init time the first files appear.
	AvailabilityLag time.Duration
	// RefreshInterval throttles background scan passes for this source.
	// Zero means the source is scanned on every pass.
	RefreshInterval time.Duration
	// LiveCycleCount is how many newest cycles the rotating tier keeps.
	LiveCycleCount int

	// BaseMaxHour bounds the standard forecast range. SynopticHours name
	// cycles that extend to ExtendedMaxHour (0 means no extended range).
	BaseMaxHour     int
	ExtendedMaxHour int
	SynopticHours   []int
	// HourStep maps range starts to strides, e.g. GFS switches from 3-hourly
	// to 6-hourly output at F120. Empty means every hour.
	HourSteps []HourStep

	URLs map[nwp.SubResource][]MirrorURL
}

// HourStep defines output stride starting at From (inclusive).
type HourStep struct {
	From int
	Step int
}

// Registry maps source names to their specs.
type Registry struct {
	specs map[nwp.Source]SourceSpec
	order []nwp.Source
}

// New builds a Registry from explicit specs.
func New(specs ...SourceSpec) (*Registry, error) {
	r := &Registry{specs: make(map[nwp.Source]SourceSpec, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("source spec with empty name")
		}
		if spec.SlotBudget <= 0 {
			return nil, fmt.Errorf("source %s: slot budget must be > 0", spec.Name)
		}
		if len(spec.SubResources) == 0 {
			return nil, fmt.Errorf("source %s: at least one sub-resource required", spec.Name)
		}
		if len(spec.CycleHours) == 0 {
			return nil, fmt.Errorf("source %s: at least one cycle hour required", spec.Name)
		}
		if spec.LiveCycleCount <= 0 {
			spec.LiveCycleCount = 2
		}
		if _, dup := r.specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate source %s", spec.Name)
		}
		r.specs[spec.Name] = spec
		r.order = append(r.order, spec.Name)
	}
	return r, nil
}

// Describe returns the spec for a source.
func (r *Registry) Describe(src nwp.Source) (SourceSpec, error) {
	spec, ok := r.specs[src]
	if !ok {
		return SourceSpec{}, fmt.Errorf("%w: %s", nwp.ErrUnknownSource, src)
	}
	return spec, nil
}

// Sources lists all specs in registration order.
func (r *Registry) Sources() []SourceSpec {
	out := make([]SourceSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// ApplySlotOverrides replaces slot budgets for the named sources. A zero
// override disables the source's background ingestion entirely.
func (r *Registry) ApplySlotOverrides(overrides map[string]int) {
	for name, slots := range overrides {
		spec, ok := r.specs[nwp.Source(name)]
		if !ok {
			continue
		}
		spec.SlotBudget = slots
		r.specs[spec.Name] = spec
	}
}

// IsSynoptic reports whether the cycle runs the extended forecast range.
func (s SourceSpec) IsSynoptic(cycle nwp.CycleKey) bool {
	for _, h := range s.SynopticHours {
		if cycle.Hour == h {
			return true
		}
	}
	return false
}

// MaxHour returns the top forecast hour published for the cycle.
func (s SourceSpec) MaxHour(cycle nwp.CycleKey) int {
	if s.ExtendedMaxHour > 0 && s.IsSynoptic(cycle) {
		return s.ExtendedMaxHour
	}
	return s.BaseMaxHour
}

// ForecastHours lists the forecast hours published for a cycle, ascending,
// honoring the source's output strides and the cycle's max hour.
func (s SourceSpec) ForecastHours(cycle nwp.CycleKey) []int {
	maxHour := s.MaxHour(cycle)
	if len(s.HourSteps) == 0 {
		hours := make([]int, 0, maxHour+1)
		for h := 0; h <= maxHour; h++ {
			hours = append(hours, h)
		}
		return hours
	}

	var hours []int
	for i, step := range s.HourSteps {
		end := maxHour
		if i+1 < len(s.HourSteps) {
			end = s.HourSteps[i+1].From - 1
		}
		if end > maxHour {
			end = maxHour
		}
		for h := step.From; h <= end; h += step.Step {
			hours = append(hours, h)
		}
	}
	return hours
}

// LatestCycles returns the newest count cycles expected to exist at now,
// newest first, accounting for the source's availability lag.
func (s SourceSpec) LatestCycles(now time.Time, count int) []nwp.CycleKey {
	valid := make(map[int]bool, len(s.CycleHours))
	for _, h := range s.CycleHours {
		valid[h] = true
	}

	latestPossible := now.UTC().Add(-s.AvailabilityLag)
	cycles := make([]nwp.CycleKey, 0, count)
	for offset := 0; offset < 48 && len(cycles) < count; offset++ {
		t := latestPossible.Add(-time.Duration(offset) * time.Hour)
		if valid[t.Hour()] {
			cycles = append(cycles, nwp.CycleKey{Date: t.Format("20060102"), Hour: t.Hour()})
		}
	}
	return cycles
}

// LatestSynopticCycle returns the newest synoptic cycle expected at now, or
// false when the source has no extended range.
func (s SourceSpec) LatestSynopticCycle(now time.Time) (nwp.CycleKey, bool) {
	if s.ExtendedMaxHour <= 0 || len(s.SynopticHours) == 0 {
		return nwp.CycleKey{}, false
	}
	syn := make(map[int]bool, len(s.SynopticHours))
	for _, h := range s.SynopticHours {
		syn[h] = true
	}
	latestPossible := now.UTC().Add(-s.AvailabilityLag)
	for offset := 0; offset < 24; offset++ {
		t := latestPossible.Add(-time.Duration(offset) * time.Hour)
		if syn[t.Hour()] {
			return nwp.CycleKey{Date: t.Format("20060102"), Hour: t.Hour()}, true
		}
	}
	return nwp.CycleKey{}, false
}

// URLsFor expands the mirror templates for one item sub-resource.
func (s SourceSpec) URLsFor(key nwp.ItemKey, sub nwp.SubResource) ([]ResolvedURL, error) {
	templates, ok := s.URLs[sub]
	if !ok {
		return nil, fmt.Errorf("source %s has no sub-resource %s", s.Name, sub)
	}
	repl := strings.NewReplacer(
		"{date}", key.Cycle.Date,
		"{hh}", fmt.Sprintf("%02d", key.Cycle.Hour),
		"{ff}", fmt.Sprintf("%02d", key.ForecastHour),
		"{fff}", fmt.Sprintf("%03d", key.ForecastHour),
	)
	out := make([]ResolvedURL, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, ResolvedURL{Mirror: tpl.Mirror, URL: repl.Replace(tpl.Template)})
	}
	return out, nil
}

// ResolvedURL is a concrete download location with its mirror tag.
type ResolvedURL struct {
	Mirror string
	URL    string
}
