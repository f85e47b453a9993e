/*
Package metrics provides Prometheus instrumentation and component health
tracking for Beacon.

Collectors are package-level and registered in init(), covering the progress
engine (tasks, events), the fan-out hub (connections, frames, send latency),
the store gateway (commands, errors, duration), the alert engine (fired,
resolved, notifications), and the optimizer (applied actions).

The HealthChecker aggregates per-component health reported via
RegisterComponent into a single roll-up served by HealthHandler and the
GET /health endpoint.
*/
package metrics
