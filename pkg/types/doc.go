/*
Package types defines the shared data model for Beacon.

It contains the task, stage, and aggregate progress records owned by the
progress engine, the timeline event record, the metric point, the alert rule
and alert records, the optimizer rule/action records, and the frame envelope
spoken on the websocket and SSE streams.

All enumerations are typed strings so records survive JSON round-trips through
the store unchanged. Records are plain data; behavior lives in the owning
packages (pkg/progress, pkg/alert, pkg/hub, pkg/optimizer).
*/
package types
