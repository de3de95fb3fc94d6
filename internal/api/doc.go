// Package api hosts the HTTP server, middleware, and REST handlers for
// render and operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/render for interactive product rendering.
//   - POST /v1/prerender for batch cache warming.
//   - GET /v1/items/{source}/{cycle}/{fhr}/status and GET /v1/status for
//     ingestion and cache visibility.
//   - DELETE /v1/items/{source}/{cycle}/{fhr} to cancel in-flight ingestion.
package api
