package renderer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wxsection/nwpcache/internal/hash/sha256"
	"github.com/wxsection/nwpcache/internal/nwp"
)

// FSHydrator loads a store's manifest and exposes its parts for rendering.
// Hydration is cheap and idempotent: it reads only the manifest, leaving the
// payload files to be mapped on demand.
type FSHydrator struct{}

// NewFSHydrator builds an FSHydrator.
func NewFSHydrator() *FSHydrator { return &FSHydrator{} }

// Hydrate implements nwp.Hydrator.
func (h *FSHydrator) Hydrate(ctx context.Context, handle nwp.StoreHandle) (nwp.Dataset, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	data, err := os.ReadFile(filepath.Join(handle.Path, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read store manifest: %w", err)
	}
	var manifest storeManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode store manifest: %w", err)
	}
	if len(manifest.Parts) == 0 {
		return nil, fmt.Errorf("store %s has no parts", handle.Path)
	}
	return &fsDataset{handle: handle, manifest: manifest}, nil
}

// fsDataset is an immutable view over one store directory.
type fsDataset struct {
	handle   nwp.StoreHandle
	manifest storeManifest
}

func (d *fsDataset) Handle() nwp.StoreHandle { return d.handle }

// Close implements nwp.Dataset; nothing is held open between reads.
func (d *fsDataset) Close() error { return nil }

// PartNames lists the store's payload files.
func (d *fsDataset) PartNames() []string {
	names := make([]string, len(d.manifest.Parts))
	for i, p := range d.manifest.Parts {
		names[i] = p.Name
	}
	return names
}

// ReadPart returns the named payload, verifying it against the digest
// recorded at conversion time.
func (d *fsDataset) ReadPart(name string) ([]byte, error) {
	for _, p := range d.manifest.Parts {
		if p.Name != name {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.handle.Path, name))
		if err != nil {
			return nil, fmt.Errorf("read part %q: %w", name, err)
		}
		if p.SHA256 != "" && sha256.New().Hash(data) != p.SHA256 {
			return nil, fmt.Errorf("part %q of store %s is corrupt", name, d.handle.Path)
		}
		return data, nil
	}
	return nil, fmt.Errorf("store %s has no part %q", d.handle.Path, name)
}
