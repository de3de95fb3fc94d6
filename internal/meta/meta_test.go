package meta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/nwp"
)

func sampleKey() nwp.ItemKey {
	return nwp.ItemKey{
		Source:       "hrrr",
		Cycle:        nwp.CycleKey{Date: "20250107", Hour: 0},
		ForecastHour: 6,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	now := time.Unix(1736208000, 0).UTC()
	m := NewEntryMeta(sampleKey(), nwp.TierRotating, nwp.StoreHandle{Path: "/data/x", SizeBytes: 42}, now)
	require.NoError(t, store.Save(m))

	listed, err := store.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, m, listed[0])

	key, err := listed[0].Key()
	require.NoError(t, err)
	require.Equal(t, sampleKey(), key)

	require.NoError(t, store.Delete(sampleKey()))
	listed, err = store.List()
	require.NoError(t, err)
	require.Empty(t, listed)

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(sampleKey()))
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	now := time.Unix(1736208000, 0).UTC()
	m := NewEntryMeta(sampleKey(), nwp.TierRotating, nwp.StoreHandle{Path: "/data/x", SizeBytes: 42}, now)
	require.NoError(t, store.Save(m))

	m.Tier = nwp.TierPersistent.String()
	m.AccessCount = 7
	require.NoError(t, store.Save(m))

	listed, err := store.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "persistent", listed[0].Tier)
	require.Equal(t, int64(7), listed[0].AccessCount)
}

func TestFileStoreListSkipsMalformedSidecars(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)

	now := time.Unix(1736208000, 0).UTC()
	require.NoError(t, store.Save(NewEntryMeta(sampleKey(), nwp.TierRotating, nwp.StoreHandle{Path: "/data/x", SizeBytes: 1}, now)))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.meta.json"), []byte("{not json"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("ignored"), 0o640))

	listed, err := store.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
}
