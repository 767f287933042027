// Package api hosts the HTTP relay: middleware and REST handlers that turn
// requests into Compute Engine lifecycle calls. Routes:
//   - POST /vm/start and /vm/stop with optional instance and zone query
//     parameters overriding the configured defaults.
//   - GET /healthz and /readyz for container probes. Neither contacts the
//     compute API.
//   - GET /metrics for Prometheus scraping.
package api
