package nwp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Source identifies one upstream model feed (hrrr, gfs, rrfs).
type Source string

// SubResource names one file that must be fetched before an item is complete,
// e.g. pressure-level, surface or native-level data.
type SubResource string

// Known sub-resource names shared by the registry and fetchers.
const (
	SubPressure SubResource = "pressure"
	SubSurface  SubResource = "surface"
	SubNative   SubResource = "native"
)

// CycleKey identifies one model run by its initialization date and hour (UTC).
type CycleKey struct {
	Date string // YYYYMMDD
	Hour int    // 0-23
}

// String renders the cycle as "20250107_00z".
func (c CycleKey) String() string {
	return fmt.Sprintf("%s_%02dz", c.Date, c.Hour)
}

// Time returns the initialization time of the cycle.
func (c CycleKey) Time() (time.Time, error) {
	t, err := time.Parse("20060102", c.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cycle date %q: %w", c.Date, err)
	}
	return t.Add(time.Duration(c.Hour) * time.Hour), nil
}

// Before reports whether c initializes earlier than other.
func (c CycleKey) Before(other CycleKey) bool {
	if c.Date != other.Date {
		return c.Date < other.Date
	}
	return c.Hour < other.Hour
}

// ParseCycleKey parses "20250107_00z" (and the bare "20250107_00" form).
func ParseCycleKey(s string) (CycleKey, error) {
	raw := strings.TrimSuffix(strings.ToLower(s), "z")
	parts := strings.Split(raw, "_")
	if len(parts) != 2 || len(parts[0]) != 8 {
		return CycleKey{}, fmt.Errorf("invalid cycle key %q", s)
	}
	hour, err := strconv.Atoi(parts[1])
	if err != nil || hour < 0 || hour > 23 {
		return CycleKey{}, fmt.Errorf("invalid cycle hour in %q", s)
	}
	if _, err := time.Parse("20060102", parts[0]); err != nil {
		return CycleKey{}, fmt.Errorf("invalid cycle date in %q", s)
	}
	return CycleKey{Date: parts[0], Hour: hour}, nil
}

// ItemKey is the unit of caching and ingestion: one (source, cycle,
// forecast hour) combination. Keys are comparable and usable as map keys.
type ItemKey struct {
	Source       Source
	Cycle        CycleKey
	ForecastHour int
}

// String renders the key as "hrrr/20250107_00z/F06".
func (k ItemKey) String() string {
	return fmt.Sprintf("%s/%s/F%02d", k.Source, k.Cycle, k.ForecastHour)
}

// Less orders keys by (cycle, forecast hour) within a source.
func (k ItemKey) Less(other ItemKey) bool {
	if k.Cycle != other.Cycle {
		return k.Cycle.Before(other.Cycle)
	}
	return k.ForecastHour < other.ForecastHour
}

// TaskState is the lifecycle state of an ingestion task.
type TaskState int

// Task lifecycle: Queued -> Fetching -> Verifying -> Converting -> Ready,
// with Failed and Pruned as the terminal error states.
const (
	TaskQueued TaskState = iota
	TaskFetching
	TaskVerifying
	TaskConverting
	TaskReady
	TaskFailed
	TaskPruned
)

var taskStateNames = map[TaskState]string{
	TaskQueued:     "queued",
	TaskFetching:   "fetching",
	TaskVerifying:  "verifying",
	TaskConverting: "converting",
	TaskReady:      "ready",
	TaskFailed:     "failed",
	TaskPruned:     "pruned",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state ends the task lifecycle.
func (s TaskState) Terminal() bool {
	return s == TaskReady || s == TaskFailed || s == TaskPruned
}

// Tier names a cache tier.
type Tier int

const (
	// TierRotating holds only the currently designated live cycles and is
	// bounded by the resident-memory budget.
	TierRotating Tier = iota
	// TierPersistent holds explicitly requested historical items under the
	// disk budget with popularity-based eviction.
	TierPersistent
)

func (t Tier) String() string {
	if t == TierRotating {
		return "rotating"
	}
	return "persistent"
}

// StoreHandle points at a canonical array store produced by conversion.
// Once written, a store is immutable and may be shared by any number of
// concurrent readers.
type StoreHandle struct {
	Path      string
	SizeBytes int64
}

// ProductSpec names the product a render request wants.
type ProductSpec struct {
	Product string
	Style   string
	Params  map[string]string
}

// SortKeys orders a slice of keys by (cycle, forecast hour).
func SortKeys(keys []ItemKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
