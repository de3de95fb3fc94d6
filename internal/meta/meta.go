// Package meta persists per-entry cache metadata. Each cached item gets a
// JSON sidecar file; on startup the cache rebuilds its index by listing the
// sidecars, so entries survive a process restart without a database.
package meta

import (
	"time"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// EntryMeta is the durable record for one cached item.
type EntryMeta struct {
	Source       string    `json:"source"`
	Cycle        string    `json:"cycle"`
	ForecastHour int       `json:"forecast_hour"`
	Tier         string    `json:"tier"`
	StorePath    string    `json:"store_path"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccess   time.Time `json:"last_access"`
	AccessCount  int64     `json:"access_count"`
}

// Key reconstructs the item key from the record.
func (m EntryMeta) Key() (nwp.ItemKey, error) {
	cycle, err := nwp.ParseCycleKey(m.Cycle)
	if err != nil {
		return nwp.ItemKey{}, err
	}
	return nwp.ItemKey{
		Source:       nwp.Source(m.Source),
		Cycle:        cycle,
		ForecastHour: m.ForecastHour,
	}, nil
}

// NewEntryMeta builds a record for a freshly admitted item.
func NewEntryMeta(key nwp.ItemKey, tier nwp.Tier, handle nwp.StoreHandle, now time.Time) EntryMeta {
	return EntryMeta{
		Source:       string(key.Source),
		Cycle:        key.Cycle.String(),
		ForecastHour: key.ForecastHour,
		Tier:         tier.String(),
		StorePath:    handle.Path,
		SizeBytes:    handle.SizeBytes,
		CreatedAt:    now,
		LastAccess:   now,
		AccessCount:  1,
	}
}

// Store persists entry metadata. Save must be atomic with respect to crashes:
// a reader never sees a half-written record.
type Store interface {
	Save(meta EntryMeta) error
	Delete(key nwp.ItemKey) error
	List() ([]EntryMeta, error)
}
