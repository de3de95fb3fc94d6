package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
	"github.com/wxsection/nwpcache/internal/registry"
)

func init() {
	metrics.Init()
}

func gribPayload(size int) []byte {
	body := make([]byte, size)
	copy(body, "GRIB")
	return body
}

func testKey() nwp.ItemKey {
	return nwp.ItemKey{
		Source:       "hrrr",
		Cycle:        nwp.CycleKey{Date: "20250107", Hour: 0},
		ForecastHour: 6,
	}
}

// testRegistry builds a single-source registry whose mirrors point at the
// given URLs.
func testRegistry(t *testing.T, urls ...registry.MirrorURL) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.SourceSpec{
		Name:         "hrrr",
		SubResources: []nwp.SubResource{nwp.SubPressure},
		SlotBudget:   2,
		CycleHours:   []int{0, 6, 12, 18},
		BaseMaxHour:  18,
		URLs: map[nwp.SubResource][]registry.MirrorURL{
			nwp.SubPressure: urls,
		},
	})
	require.NoError(t, err)
	return reg
}

func newTestFetcher(t *testing.T, reg *registry.Registry, minSize int64) *HTTPFetcher {
	t.Helper()
	return NewHTTP(reg, HTTPConfig{
		UserAgent:       "nwpcache-test",
		Timeout:         5 * time.Second,
		MinPayloadBytes: minSize,
	}, zap.NewNop())
}

func TestFetchSuccessStagesAtomically(t *testing.T) {
	t.Parallel()

	payload := gribPayload(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	}))
	defer srv.Close()

	reg := testRegistry(t, registry.MirrorURL{Mirror: "nomads", Template: srv.URL + "/hrrr.{date}/wrfprsf{ff}.grib2"})
	f := newTestFetcher(t, reg, 1024)

	dir := t.TempDir()
	path, err := f.FetchSubResource(context.Background(), testKey(), nwp.SubPressure, dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "pressure.grib2"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// No staging residue.
	_, err = os.Stat(path + ".partial")
	require.True(t, os.IsNotExist(err))
}

func TestFetchNotPublishedOnlyWhenAllMirrorsAgree(t *testing.T) {
	t.Parallel()

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	reg := testRegistry(t,
		registry.MirrorURL{Mirror: "nomads", Template: notFound.URL + "/a/{ff}"},
		registry.MirrorURL{Mirror: "aws", Template: notFound.URL + "/b/{ff}"},
	)
	f := newTestFetcher(t, reg, 1024)

	_, err := f.FetchSubResource(context.Background(), testKey(), nwp.SubPressure, t.TempDir())
	require.ErrorIs(t, err, nwp.ErrNotYetPublished)
	require.False(t, nwp.IsTransient(err))
}

func TestFetchMixedFailuresAreTransient(t *testing.T) {
	t.Parallel()

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer flaky.Close()

	reg := testRegistry(t,
		registry.MirrorURL{Mirror: "nomads", Template: notFound.URL + "/{ff}"},
		registry.MirrorURL{Mirror: "aws", Template: flaky.URL + "/{ff}"},
	)
	f := newTestFetcher(t, reg, 1024)

	_, err := f.FetchSubResource(context.Background(), testKey(), nwp.SubPressure, t.TempDir())
	require.True(t, nwp.IsTransient(err))
	require.NotErrorIs(t, err, nwp.ErrNotYetPublished)
}

func TestFetchRejectsHTMLErrorPages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>rate limited</html>"))
	}))
	defer srv.Close()

	reg := testRegistry(t, registry.MirrorURL{Mirror: "nomads", Template: srv.URL + "/{ff}"})
	f := newTestFetcher(t, reg, 10)

	_, err := f.FetchSubResource(context.Background(), testKey(), nwp.SubPressure, t.TempDir())
	require.True(t, nwp.IsTransient(err))
}

func TestFetchRejectsSmallOrCorruptPayloads(t *testing.T) {
	t.Parallel()

	var mode atomic.Value
	mode.Store("small")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if mode.Load() == "small" {
			w.Write([]byte("GRIBtiny"))
			return
		}
		w.Write(make([]byte, 2048)) // no GRIB magic
	}))
	defer srv.Close()

	reg := testRegistry(t, registry.MirrorURL{Mirror: "nomads", Template: srv.URL + "/{ff}"})
	f := newTestFetcher(t, reg, 1024)

	dir := t.TempDir()
	_, err := f.FetchSubResource(context.Background(), testKey(), nwp.SubPressure, dir)
	require.True(t, nwp.IsTransient(err))

	mode.Store("corrupt")
	_, err = f.FetchSubResource(context.Background(), testKey(), nwp.SubPressure, dir)
	require.True(t, nwp.IsTransient(err))

	// Neither failure may leave a visible final file.
	_, statErr := os.Stat(filepath.Join(dir, "pressure.grib2"))
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchMirrorFallback(t *testing.T) {
	t.Parallel()

	payload := gribPayload(2048)
	var downCalls, upCalls atomic.Int64
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		downCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upCalls.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	}))
	defer up.Close()

	reg := testRegistry(t,
		registry.MirrorURL{Mirror: "nomads", Template: down.URL + "/{ff}"},
		registry.MirrorURL{Mirror: "aws", Template: up.URL + "/{ff}"},
	)
	f := newTestFetcher(t, reg, 1024)

	_, err := f.FetchSubResource(context.Background(), testKey(), nwp.SubPressure, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, int64(1), downCalls.Load())
	require.Equal(t, int64(1), upCalls.Load())
}

func TestOrderByPreference(t *testing.T) {
	t.Parallel()

	urls := []registry.ResolvedURL{
		{Mirror: "nomads", URL: "n"},
		{Mirror: "aws", URL: "a"},
		{Mirror: "pando", URL: "p"},
	}
	got := orderByPreference(urls, []string{"aws", "nomads"})
	require.Equal(t, "aws", got[0].Mirror)
	require.Equal(t, "nomads", got[1].Mirror)
	require.Equal(t, "pando", got[2].Mirror)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.grib2")
	require.NoError(t, os.WriteFile(good, gribPayload(2048), 0o600))
	require.NoError(t, Verify(nwp.SubPressure, good, 1024))

	var verr *nwp.VerificationError

	err := Verify(nwp.SubPressure, filepath.Join(dir, "missing.grib2"), 1024)
	require.ErrorAs(t, err, &verr)

	small := filepath.Join(dir, "small.grib2")
	require.NoError(t, os.WriteFile(small, []byte("GRIB"), 0o600))
	err = Verify(nwp.SubSurface, small, 1024)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, nwp.SubSurface, verr.Sub)

	corrupt := filepath.Join(dir, "corrupt.grib2")
	require.NoError(t, os.WriteFile(corrupt, make([]byte, 2048), 0o600))
	err = Verify(nwp.SubPressure, corrupt, 1024)
	require.ErrorAs(t, err, &verr)
}
