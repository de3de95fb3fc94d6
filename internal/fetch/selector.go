package fetch

import (
	"context"
	"time"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// Selector routes each fetch to the live mirrors or the archive bucket based
// on cycle age. Upstream mirrors only retain recent cycles; anything older
// than the retention window has to come from the archive.
type Selector struct {
	primary   nwp.SubResourceFetcher
	archive   nwp.SubResourceFetcher
	retention time.Duration
	clock     nwp.Clock
}

// NewSelector builds a Selector. archive may be nil, in which case every
// fetch goes to primary.
func NewSelector(primary, archive nwp.SubResourceFetcher, retention time.Duration, clock nwp.Clock) *Selector {
	return &Selector{primary: primary, archive: archive, retention: retention, clock: clock}
}

// FetchSubResource implements nwp.SubResourceFetcher.
func (s *Selector) FetchSubResource(ctx context.Context, key nwp.ItemKey, sub nwp.SubResource, destDir string) (string, error) {
	if s.archive != nil && s.retention > 0 {
		if init, err := key.Cycle.Time(); err == nil {
			if s.clock.Now().Sub(init) > s.retention {
				return s.archive.FetchSubResource(ctx, key, sub, destDir)
			}
		}
	}
	return s.primary.FetchSubResource(ctx, key, sub, destDir)
}
