package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/nwp"
	"github.com/wxsection/nwpcache/internal/renderer"
)

const maxPrerenderBatch = 64

// render handles GET /v1/render?source=&cycle=&fhr=&product=&style=.
// A cache miss triggers synchronous ingestion; the response blocks until
// the item is rendered or its ingestion fails.
func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	key, err := s.parseItemQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec := nwp.ProductSpec{
		Product: r.URL.Query().Get("product"),
		Style:   r.URL.Query().Get("style"),
	}
	if spec.Product == "" {
		spec.Product = renderer.ProductTile
	}

	payload, err := s.svc.RenderInteractive(r.Context(), key, spec)
	if err != nil {
		s.writeServiceError(w, key, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		s.logger.Warn("render response write failed",
			zap.String("item", key.String()), zap.Error(err))
	}
}

type prerenderRequest struct {
	Items []struct {
		Source       string `json:"source"`
		Cycle        string `json:"cycle"`
		ForecastHour int    `json:"forecast_hour"`
	} `json:"items"`
	Product string `json:"product"`
	Style   string `json:"style"`
}

// prerender handles POST /v1/prerender. Items are warmed through the
// prerender gate one at a time; the response reports per-item outcomes.
func (s *Server) prerender(w http.ResponseWriter, r *http.Request) {
	var req prerenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one item required")
		return
	}
	if len(req.Items) > maxPrerenderBatch {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch too large: %d items, max %d", len(req.Items), maxPrerenderBatch))
		return
	}

	keys := make([]nwp.ItemKey, 0, len(req.Items))
	for _, item := range req.Items {
		cycle, err := nwp.ParseCycleKey(item.Cycle)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("item %s: %v", item.Cycle, err))
			return
		}
		key := nwp.ItemKey{
			Source:       nwp.Source(item.Source),
			Cycle:        cycle,
			ForecastHour: item.ForecastHour,
		}
		if err := s.validateKey(key); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		keys = append(keys, key)
	}

	spec := nwp.ProductSpec{Product: req.Product, Style: req.Style}
	if spec.Product == "" {
		spec.Product = renderer.ProductPreview
	}
	results := s.svc.Prerender(r.Context(), keys, spec)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// itemStatus handles GET /v1/items/{source}/{cycle}/{fhr}/status.
func (s *Server) itemStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseItemPath(w, r)
	if !ok {
		return
	}

	if task, ok := s.orch.Lookup(key); ok {
		writeJSON(w, http.StatusOK, task.Snapshot())
		return
	}
	if s.svc.Resident(key) {
		writeJSON(w, http.StatusOK, map[string]string{
			"item":  key.String(),
			"state": nwp.TaskReady.String(),
		})
		return
	}
	writeError(w, http.StatusNotFound, "item not tracked")
}

// cancelItem handles DELETE /v1/items/{source}/{cycle}/{fhr}. Cancellation
// is cooperative: the task's context is cancelled and the pipeline winds
// down at its next checkpoint.
func (s *Server) cancelItem(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseItemPath(w, r)
	if !ok {
		return
	}
	task, ok := s.orch.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "item not tracked")
		return
	}
	if state, _ := task.State(); state.Terminal() {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("task already %s", state))
		return
	}
	s.orch.Cancel(key)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"item":  key.String(),
		"state": "cancelling",
	})
}

// parseItemPath resolves {source}/{cycle}/{fhr} path parameters, writing
// the error response itself when they do not name a valid item.
func (s *Server) parseItemPath(w http.ResponseWriter, r *http.Request) (nwp.ItemKey, bool) {
	cycle, err := nwp.ParseCycleKey(chi.URLParam(r, "cycle"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nwp.ItemKey{}, false
	}
	fhr, err := strconv.Atoi(chi.URLParam(r, "fhr"))
	if err != nil || fhr < 0 {
		writeError(w, http.StatusBadRequest, "forecast hour must be a non-negative integer")
		return nwp.ItemKey{}, false
	}
	key := nwp.ItemKey{
		Source:       nwp.Source(chi.URLParam(r, "source")),
		Cycle:        cycle,
		ForecastHour: fhr,
	}
	if err := s.validateKey(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nwp.ItemKey{}, false
	}
	return key, true
}

// status handles GET /v1/status with a merged cache/pool/task snapshot.
func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) parseItemQuery(r *http.Request) (nwp.ItemKey, error) {
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		return nwp.ItemKey{}, errors.New("source is required")
	}
	cycle, err := nwp.ParseCycleKey(q.Get("cycle"))
	if err != nil {
		return nwp.ItemKey{}, err
	}
	fhr, err := strconv.Atoi(q.Get("fhr"))
	if err != nil || fhr < 0 {
		return nwp.ItemKey{}, errors.New("fhr must be a non-negative integer")
	}
	key := nwp.ItemKey{Source: nwp.Source(source), Cycle: cycle, ForecastHour: fhr}
	if err := s.validateKey(key); err != nil {
		return nwp.ItemKey{}, err
	}
	return key, nil
}

func (s *Server) validateKey(key nwp.ItemKey) error {
	spec, err := s.reg.Describe(key.Source)
	if err != nil {
		return err
	}
	if max := spec.MaxHour(key.Cycle); key.ForecastHour > max {
		return fmt.Errorf("forecast hour %d exceeds %s range for cycle %s (max F%02d)",
			key.ForecastHour, key.Source, key.Cycle, max)
	}
	return nil
}

// writeServiceError maps render pipeline failures onto HTTP statuses.
// Pool saturation asks the client to retry; pruned or failed ingestion
// reads as not-found since the upstream cannot supply the item.
func (s *Server) writeServiceError(w http.ResponseWriter, key nwp.ItemKey, err error) {
	switch {
	case errors.Is(err, nwp.ErrBusy):
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusServiceUnavailable, "service at capacity, retry shortly")
	case errors.Is(err, nwp.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, nwp.ErrNotYetPublished):
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s is not yet published", key))
	case errors.Is(err, nwp.ErrNotAvailable):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "render timed out")
	default:
		s.logger.Error("render failed", zap.String("item", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
