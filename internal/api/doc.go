// Package api hosts the operator HTTP server that runs next to the client.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/runs and /api/runs/{job_id} for the run history via the
//     journal.Repository interface.
package api
