package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/cache"
	"github.com/wxsection/nwpcache/internal/clock/system"
	"github.com/wxsection/nwpcache/internal/config"
	"github.com/wxsection/nwpcache/internal/ingest"
	"github.com/wxsection/nwpcache/internal/meta"
	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
	"github.com/wxsection/nwpcache/internal/pool"
	"github.com/wxsection/nwpcache/internal/registry"
	"github.com/wxsection/nwpcache/internal/renderer"
)

func init() {
	metrics.Init()
}

// stubFetcher serves synthetic payloads for hours at or below publishedTo.
type stubFetcher struct {
	publishedTo int
}

func (f *stubFetcher) FetchSubResource(ctx context.Context, key nwp.ItemKey, sub nwp.SubResource, destDir string) (string, error) {
	if key.ForecastHour > f.publishedTo {
		return "", nwp.ErrNotYetPublished
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", err
	}
	payload := make([]byte, 600)
	copy(payload, "GRIB")
	path := filepath.Join(destDir, string(sub)+".grib2")
	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

func newTestServer(t *testing.T, fetcher nwp.SubResourceFetcher) *Server {
	t.Helper()
	reg, err := registry.New(registry.SourceSpec{
		Name:         "hrrr",
		SubResources: []nwp.SubResource{nwp.SubPressure},
		SlotBudget:   2,
		CycleHours:   []int{0, 6, 12, 18},
		BaseMaxHour:  18,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := meta.NewFileStore(filepath.Join(dir, "meta"), zap.NewNop())
	require.NoError(t, err)
	clk := system.New()
	c := cache.New(cache.Config{
		RotatingBudgetBytes:   1 << 30,
		PersistentBudgetBytes: 1 << 30,
	}, store, nil, clk, zap.NewNop())

	pools, err := pool.New(pool.Config{
		Render: 2, Prerender: 1, Hydrate: 2, Convert: 1,
		AcquireTimeout: time.Second,
	})
	require.NoError(t, err)

	orch := ingest.New(ingest.Config{
		WorkDir:         filepath.Join(dir, "work"),
		StoreDir:        filepath.Join(dir, "stores"),
		MinPayloadBytes: 100,
	}, reg, fetcher, renderer.NewConverter(zap.NewNop()), c, pools, nil,
		ingest.NewRetryPolicy(2, time.Millisecond, 2*time.Millisecond), clk, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	svc := renderer.NewService(c, orch, pools,
		renderer.NewFSHydrator(), renderer.NewProductRenderer(), clk, zap.NewNop())
	return NewServer(svc, orch, reg, config.ServerConfig{TimeoutSeconds: 30}, zap.NewNop())
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRenderEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/v1/render?source=hrrr&cycle=20250107_00z&fhr=6&product=tile", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))
}

func TestRenderRejectsBadParams(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})
	cases := []struct {
		name string
		url  string
		code int
	}{
		{"missing source", "/v1/render?cycle=20250107_00z&fhr=6", http.StatusBadRequest},
		{"bad cycle", "/v1/render?source=hrrr&cycle=garbage&fhr=6", http.StatusBadRequest},
		{"negative fhr", "/v1/render?source=hrrr&cycle=20250107_00z&fhr=-1", http.StatusBadRequest},
		{"beyond range", "/v1/render?source=hrrr&cycle=20250107_00z&fhr=400", http.StatusBadRequest},
		{"unknown source", "/v1/render?source=ecmwf&cycle=20250107_00z&fhr=6", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.url, nil))
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestRenderUnpublishedReturnsNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 3})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/v1/render?source=hrrr&cycle=20250107_00z&fhr=12", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["error"])
}

func TestPrerenderBatch(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})
	payload := `{"items":[
		{"source":"hrrr","cycle":"20250107_00z","forecast_hour":0},
		{"source":"hrrr","cycle":"20250107_00z","forecast_hour":1}
	],"product":"preview"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/prerender", strings.NewReader(payload))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Results []struct {
			Item  string `json:"item"`
			State string `json:"state"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	for _, res := range body.Results {
		require.Equal(t, "warmed", res.State, res.Item)
	}
}

func TestPrerenderRejectsMalformedRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})
	cases := []struct {
		name string
		body string
	}{
		{"not json", "nonsense"},
		{"empty batch", `{"items":[]}`},
		{"bad cycle", `{"items":[{"source":"hrrr","cycle":"bad","forecast_hour":0}]}`},
		{"unknown source", `{"items":[{"source":"nope","cycle":"20250107_00z","forecast_hour":0}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/prerender", strings.NewReader(tc.body))
			srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestItemStatusLifecycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})

	// Untracked item.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/items/hrrr/20250107_00z/6/status", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Render it, then status reports ready with attempt counts.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/render?source=hrrr&cycle=20250107_00z&fhr=6", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/items/hrrr/20250107_00z/6/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Item  string `json:"item"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "hrrr/20250107_00z/F06", status.Item)
	require.Equal(t, "ready", status.State)
}

func TestCancelItem(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})

	// Nothing tracked for this key yet.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete,
		"/v1/items/hrrr/20250107_00z/4", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/render?source=hrrr&cycle=20250107_00z&fhr=4", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Already ready: cancellation is refused.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete,
		"/v1/items/hrrr/20250107_00z/4", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusSnapshotEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubFetcher{publishedTo: 18})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/render?source=hrrr&cycle=20250107_00z&fhr=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap struct {
		Tiers   map[string]json.RawMessage `json:"tiers"`
		Pools   map[string]json.RawMessage `json:"pools"`
		Sources map[string]json.RawMessage `json:"sources"`
		Tasks   []json.RawMessage          `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Contains(t, snap.Tiers, "persistent")
	require.Contains(t, snap.Pools, "render")
	require.Contains(t, snap.Sources, "hrrr")
	require.Len(t, snap.Tasks, 1)
}
