package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Observations after double Init must not panic.
	ObserveFetch("hrrr", "nomads", "ok", 1024)
	ObserveTaskTerminal("hrrr", "ready")
	SetTasksActive("hrrr", 3)
	ObservePruned("hrrr", 12)
	SetTierUsage("rotating", 1<<20, 4)
	ObserveEviction("persistent", "budget")
	PoolAcquired("render")
	PoolReleased("render")
	PoolBusy("render")
	ObserveRender("xsection", "ok", 250*time.Millisecond)
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveFetch("gfs", "aws", "ok", 2048)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "nwpcache_fetch_bytes_total")
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/render", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/render", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
}
