// Package fetch implements the upstream sub-resource fetchers: an HTTP
// fetcher for live NOMADS/AWS mirrors and a cloud-bucket archive fetcher for
// historical cycles. Both stage downloads to a .partial file and rename
// atomically, so a half-downloaded payload is never visible at the final
// path.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wxsection/nwpcache/internal/metrics"
	"github.com/wxsection/nwpcache/internal/nwp"
	"github.com/wxsection/nwpcache/internal/registry"
)

// HTTPConfig configures the live-mirror fetcher.
type HTTPConfig struct {
	UserAgent        string
	Timeout          time.Duration
	MinPayloadBytes  int64
	MirrorPreference []string
	HostRPS          float64
	HostBurst        int
	// Client overrides the HTTP client, primarily for tests.
	Client *http.Client
}

// HTTPFetcher downloads GRIB sub-resources from upstream mirrors.
type HTTPFetcher struct {
	reg     *registry.Registry
	cfg     HTTPConfig
	client  *http.Client
	limiter *hostLimiter
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// notPublishedStatus marks the authoritative upstream "file does not exist"
// answers. NOMADS serves 404 for unpublished hours and 403 for paths outside
// the published window.
func notPublishedStatus(code int) bool {
	return code == http.StatusNotFound || code == http.StatusForbidden
}

// NewHTTP builds an HTTPFetcher over the registry's mirror templates.
func NewHTTP(reg *registry.Registry, cfg HTTPConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinPayloadBytes <= 0 {
		cfg.MinPayloadBytes = MinGRIBSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPFetcher{
		reg:      reg,
		cfg:      cfg,
		client:   client,
		limiter:  newHostLimiter(cfg.HostRPS, cfg.HostBurst),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// FetchSubResource tries each mirror in preference order. It returns
// nwp.ErrNotYetPublished only when every mirror authoritatively reported the
// file missing; any transient failure keeps the attempt retryable.
func (f *HTTPFetcher) FetchSubResource(ctx context.Context, key nwp.ItemKey, sub nwp.SubResource, destDir string) (string, error) {
	spec, err := f.reg.Describe(key.Source)
	if err != nil {
		return "", err
	}
	urls, err := spec.URLsFor(key, sub)
	if err != nil {
		return "", err
	}
	urls = orderByPreference(urls, f.cfg.MirrorPreference)

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create dest dir: %w", err)
	}
	destPath := filepath.Join(destDir, string(sub)+".grib2")

	sawTransient := false
	var lastErr error
	for _, u := range urls {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		written, err := f.download(ctx, u, destPath)
		if err == nil {
			metrics.ObserveFetch(string(key.Source), u.Mirror, "ok", written)
			f.logger.Debug("sub-resource fetched",
				zap.String("item", key.String()),
				zap.String("sub", string(sub)),
				zap.String("mirror", u.Mirror),
				zap.Int64("bytes", written),
			)
			return destPath, nil
		}
		if errors.Is(err, nwp.ErrNotYetPublished) {
			metrics.ObserveFetch(string(key.Source), u.Mirror, "not_published", 0)
			lastErr = err
			continue
		}
		sawTransient = true
		lastErr = err
		metrics.ObserveFetch(string(key.Source), u.Mirror, "transient", 0)
		f.logger.Warn("mirror fetch failed",
			zap.String("item", key.String()),
			zap.String("sub", string(sub)),
			zap.String("mirror", u.Mirror),
			zap.Error(err),
		)
	}

	if lastErr == nil {
		return "", fmt.Errorf("no mirrors configured for %s/%s", key.Source, sub)
	}
	if !sawTransient && errors.Is(lastErr, nwp.ErrNotYetPublished) {
		return "", nwp.ErrNotYetPublished
	}
	return "", nwp.Transient(lastErr)
}

// download fetches one URL into destPath via a .partial staging file.
func (f *HTTPFetcher) download(ctx context.Context, u registry.ResolvedURL, destPath string) (int64, error) {
	host := hostOf(u.URL)
	if err := f.limiter.Wait(ctx, host); err != nil {
		return 0, err
	}

	breaker := f.breakerFor(host)
	result, err := breaker.Execute(func() (any, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		if f.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", f.cfg.UserAgent)
		}
		resp, doErr := f.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		// Rate-limit and server-error responses count against the breaker;
		// a 404 for an unpublished hour is a healthy upstream answer and
		// must not open it.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("breaker open for %s: %w", host, err)
		}
		return 0, err
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	if notPublishedStatus(resp.StatusCode) {
		return 0, nwp.ErrNotYetPublished
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u.URL)
	}

	// Reject HTML error pages masquerading as GRIB data (rate-limit pages).
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "html") || strings.Contains(ct, "text") {
		return 0, fmt.Errorf("non-binary content type %q from %s", ct, u.URL)
	}

	written, err := stagePartial(destPath, resp.Body)
	if err != nil {
		return 0, err
	}
	if written < f.cfg.MinPayloadBytes {
		os.Remove(destPath + partialSuffix)
		return 0, fmt.Errorf("payload too small (%d bytes) from %s", written, u.URL)
	}
	if err := checkGRIBMagic(destPath + partialSuffix); err != nil {
		os.Remove(destPath + partialSuffix)
		return 0, err
	}
	if err := os.Rename(destPath+partialSuffix, destPath); err != nil {
		os.Remove(destPath + partialSuffix)
		return 0, fmt.Errorf("finalize download: %w", err)
	}
	return written, nil
}

func (f *HTTPFetcher) breakerFor(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	f.breakers[host] = cb
	return cb
}

const partialSuffix = ".partial"

// stagePartial streams body into destPath+".partial" and returns the byte
// count. The caller renames on success.
func stagePartial(destPath string, body io.Reader) (int64, error) {
	partial, err := os.Create(destPath + partialSuffix)
	if err != nil {
		return 0, fmt.Errorf("create partial file: %w", err)
	}
	written, copyErr := io.Copy(partial, body)
	closeErr := partial.Close()
	if copyErr != nil {
		os.Remove(destPath + partialSuffix)
		return 0, fmt.Errorf("stream payload: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(destPath + partialSuffix)
		return 0, fmt.Errorf("close partial file: %w", closeErr)
	}
	return written, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// orderByPreference reorders mirror URLs by the configured preference list,
// keeping the registry order for unranked mirrors.
func orderByPreference(urls []registry.ResolvedURL, preference []string) []registry.ResolvedURL {
	if len(preference) == 0 {
		return urls
	}
	rank := make(map[string]int, len(preference))
	for i, name := range preference {
		rank[strings.ToLower(name)] = i
	}
	type ranked struct {
		rank, orig int
		u          registry.ResolvedURL
	}
	rs := make([]ranked, len(urls))
	for i, u := range urls {
		r, ok := rank[strings.ToLower(u.Mirror)]
		if !ok {
			r = len(rank)
		}
		rs[i] = ranked{rank: r, orig: i, u: u}
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].rank != rs[j].rank {
			return rs[i].rank < rs[j].rank
		}
		return rs[i].orig < rs[j].orig
	})
	out := make([]registry.ResolvedURL, len(rs))
	for i, r := range rs {
		out[i] = r.u
	}
	return out
}
