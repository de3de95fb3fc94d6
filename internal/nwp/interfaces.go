package nwp

import (
	"context"
	"time"
)

// SubResourceFetcher downloads one raw sub-resource for an item into destDir
// and returns the payload path. Implementations must distinguish transient
// failures (wrapped TransientFetchError) from the authoritative
// ErrNotYetPublished; conflating the two breaks fail-fast pruning.
type SubResourceFetcher interface {
	FetchSubResource(ctx context.Context, key ItemKey, sub SubResource, destDir string) (string, error)
}

// Converter turns raw fetched payloads into a canonical array store rooted at
// destDir. Output visibility is all-or-nothing: on error nothing may exist at
// the destination, since callers trust "output exists" as "output is complete".
type Converter interface {
	Convert(ctx context.Context, rawPaths []string, destDir string) (StoreHandle, error)
}

// Dataset is a hydrated, directly addressable canonical store. Datasets are
// immutable and safe for concurrent readers.
type Dataset interface {
	Handle() StoreHandle
	Close() error
}

// Hydrator loads a canonical store into addressable form. Hydrate is cheap,
// idempotent and safely repeatable.
type Hydrator interface {
	Hydrate(ctx context.Context, handle StoreHandle) (Dataset, error)
}

// Renderer produces an image or numeric payload from a hydrated dataset. It
// is a pure function of its inputs; failures are reported, never silently
// degraded.
type Renderer interface {
	Render(ctx context.Context, ds Dataset, spec ProductSpec) ([]byte, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
