// Package cmd defines and implements the CLI commands for the vm-relay executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /vm/start, /vm/stop, health, readiness and metrics. Requests resolve an
//     InstanceRef from query parameters and config defaults, then make exactly one Compute Engine call through the
//     relay.Controller injected at startup.
//   - Compute: internal/gce wraps a single compute.InstancesClient (REST) shared by every request. Operations are
//     submitted, never awaited; provider errors are mapped onto HTTP statuses.
//   - Configuration & plumbing: Viper populates config from env/files (PROJECT_ID, ZONE, INSTANCE and PORT are read
//     verbatim); zap provides structured logging; Prometheus metrics are exported on /metrics; OpenTelemetry spans go
//     to Cloud Trace when tracing.enabled is set; operation events go to Pub/Sub when pubsub.topic_id is set.
//
// Operational notes:
//   - The process refuses to start without PROJECT_ID.
//   - Provider calls run detached from the inbound request, bounded by gce.request_timeout, so a client disconnect
//     does not abandon a submitted operation.
//   - No retries beyond the Compute SDK's own. No state is kept between requests.
package cmd
