// Package events defines the lifecycle events emitted by the ingestion
// orchestrator and cache, and the Hub that fans them out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindItemReady    Kind = "ITEM_READY"
	KindItemFailed   Kind = "ITEM_FAILED"
	KindItemPruned   Kind = "ITEM_PRUNED"
	KindItemEvicted  Kind = "ITEM_EVICTED"
	KindCycleRotated Kind = "CYCLE_ROTATED"
)

// Event captures a single item or cycle milestone.
type Event struct {
	Kind Kind `json:"kind"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`

	Source       string `json:"source"`
	Cycle        string `json:"cycle"`
	ForecastHour int    `json:"forecast_hour,omitempty"`

	// Tier is set on ready and evicted events.
	Tier      string `json:"tier,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	// Reason carries low-volume context: prune cause, eviction reason,
	// failure text.
	Reason string `json:"reason,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Source == "" {
		return errors.New("source is required")
	}
	switch e.Kind {
	case KindItemReady, KindItemFailed, KindItemPruned, KindItemEvicted:
		if e.Cycle == "" {
			return errors.New("item events require a cycle")
		}
	case KindCycleRotated:
		if e.Cycle == "" {
			return errors.New("cycle rotation requires a cycle")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// ItemEvent builds an event for one item key.
func ItemEvent(kind Kind, key nwp.ItemKey, now time.Time) Event {
	return Event{
		Kind:         kind,
		TS:           now.UTC(),
		Source:       string(key.Source),
		Cycle:        key.Cycle.String(),
		ForecastHour: key.ForecastHour,
	}
}
