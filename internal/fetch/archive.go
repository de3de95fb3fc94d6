package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// objectOpener abstracts bucket object reads so tests can run without GCS.
type objectOpener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// gcsOpener reads objects from a real bucket.
type gcsOpener struct {
	bucket *storage.BucketHandle
}

func (o *gcsOpener) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return o.bucket.Object(name).NewReader(ctx)
}

// Archive fetches sub-resources for historical cycles from a cloud bucket
// populated by the archival pipeline. Object layout:
// {prefix}/{source}/{date}/{hh}z/F{ff}/{sub}.grib2
type Archive struct {
	opener  objectOpener
	client  *storage.Client
	prefix  string
	minSize int64
	logger  *zap.Logger
}

// NewArchive connects to the bucket and verifies access, failing fast on
// startup when configuration is wrong. Authentication uses Application
// Default Credentials, same as the rest of the Google Cloud stack.
func NewArchive(ctx context.Context, bucketName, prefix string, logger *zap.Logger) (*Archive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("close storage client after attrs failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("access archive bucket %q: %w", bucketName, err)
	}
	a := newArchiveWithOpener(&gcsOpener{bucket: bucket}, prefix, logger)
	a.client = client
	return a, nil
}

// Close releases the underlying storage client.
func (a *Archive) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func newArchiveWithOpener(opener objectOpener, prefix string, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{opener: opener, prefix: prefix, minSize: MinGRIBSize, logger: logger}
}

// ObjectName returns the archive object for one item sub-resource.
func (a *Archive) ObjectName(key nwp.ItemKey, sub nwp.SubResource) string {
	name := fmt.Sprintf("%s/%s/%02dz/F%02d/%s.grib2",
		key.Source, key.Cycle.Date, key.Cycle.Hour, key.ForecastHour, sub)
	if a.prefix != "" {
		return a.prefix + "/" + name
	}
	return name
}

// FetchSubResource downloads an archived payload. A missing object is
// authoritative: the cycle was never archived, so there is nothing to retry.
func (a *Archive) FetchSubResource(ctx context.Context, key nwp.ItemKey, sub nwp.SubResource, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create dest dir: %w", err)
	}
	destPath := filepath.Join(destDir, string(sub)+".grib2")

	reader, err := a.opener.Open(ctx, a.ObjectName(key, sub))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", nwp.ErrNotYetPublished
		}
		return "", nwp.Transient(fmt.Errorf("open archive object: %w", err))
	}
	defer reader.Close()

	written, err := stagePartial(destPath, reader)
	if err != nil {
		return "", nwp.Transient(err)
	}
	if written < a.minSize {
		os.Remove(destPath + partialSuffix)
		return "", nwp.Transient(fmt.Errorf("archived payload too small (%d bytes)", written))
	}
	if err := checkGRIBMagic(destPath + partialSuffix); err != nil {
		os.Remove(destPath + partialSuffix)
		return "", nwp.Transient(err)
	}
	if err := os.Rename(destPath+partialSuffix, destPath); err != nil {
		os.Remove(destPath + partialSuffix)
		return "", fmt.Errorf("finalize archive download: %w", err)
	}

	a.logger.Debug("sub-resource fetched from archive",
		zap.String("item", key.String()),
		zap.String("sub", string(sub)),
		zap.Int64("bytes", written),
	)
	return destPath, nil
}
