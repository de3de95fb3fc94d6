// Package renderer implements the serving side of the cache: conversion of
// raw model output into canonical array stores, hydration of stores into
// addressable datasets, and product rendering. The render service front-ends
// all of it behind the admission gates.
package renderer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/nwp"
)

const manifestName = "store.json"

// storeManifest describes the parts of one canonical store directory.
type storeManifest struct {
	Parts []storePart `json:"parts"`
}

type storePart struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Converter reshapes raw GRIB payloads into a canonical store directory with
// a manifest. Output is all-or-nothing: the store is assembled in a staging
// directory and renamed into place, so a visible store is always complete.
type Converter struct {
	logger *zap.Logger
}

// NewConverter builds a Converter.
func NewConverter(logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{logger: logger}
}

// Convert implements nwp.Converter.
func (c *Converter) Convert(ctx context.Context, rawPaths []string, destDir string) (nwp.StoreHandle, error) {
	if len(rawPaths) == 0 {
		return nwp.StoreHandle{}, &nwp.ConversionError{Err: errors.New("no raw payloads")}
	}
	if err := os.MkdirAll(filepath.Dir(destDir), 0o750); err != nil {
		return nwp.StoreHandle{}, fmt.Errorf("create store parent: %w", err)
	}

	staging := destDir + ".staging"
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return nwp.StoreHandle{}, fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(staging) }

	manifest := storeManifest{Parts: make([]storePart, 0, len(rawPaths))}
	var total int64
	for _, raw := range rawPaths {
		if ctx.Err() != nil {
			cleanup()
			return nwp.StoreHandle{}, ctx.Err()
		}
		name := filepath.Base(raw)
		written, digest, err := copyFile(raw, filepath.Join(staging, name))
		if err != nil {
			cleanup()
			return nwp.StoreHandle{}, &nwp.ConversionError{Err: fmt.Errorf("stage %s: %w", name, err)}
		}
		manifest.Parts = append(manifest.Parts, storePart{Name: name, SizeBytes: written, SHA256: digest})
		total += written
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		cleanup()
		return nwp.StoreHandle{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), data, 0o640); err != nil {
		cleanup()
		return nwp.StoreHandle{}, fmt.Errorf("write manifest: %w", err)
	}

	// A store existing at destDir means a racing conversion won; keep it.
	if err := os.Rename(staging, destDir); err != nil {
		cleanup()
		if _, statErr := os.Stat(destDir); statErr == nil {
			return nwp.StoreHandle{Path: destDir, SizeBytes: total}, nil
		}
		return nwp.StoreHandle{}, fmt.Errorf("finalize store: %w", err)
	}
	return nwp.StoreHandle{Path: destDir, SizeBytes: total}, nil
}

// copyFile streams src to dst, returning the byte count and hex SHA-256
// digest of the copied payload.
func copyFile(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	sum := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, sum), in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, "", err
	}
	return written, hex.EncodeToString(sum.Sum(nil)), nil
}
