/*
Package series implements Beacon's in-memory metric series store.

Each named series is a bounded ring (1000 points) of timestamped samples.
The store supports windowed aggregation (avg, min, max, sum, count, p95,
p99 by nearest rank) and history bucketing for dashboard charts. A fixed
registry of builtin series is installed on construction; unknown names are
created lazily on first write.

Durability is best effort: every point is queued to a writer goroutine that
appends it to a per-series list in the backing store, trimmed to capacity
and expiring after 24 h. In-memory rings start empty on restart and are the
authoritative source for queries.

The Sampler feeds the builtin series on a 15 second cadence from the Go
runtime, process rusage, the gateway command counters, and the backend INFO
stats section.
*/
package series
