// Package optimizer closes the loop between observed store performance and
// backend configuration.
//
// A cycle samples the backend (memory pressure, hit rate, command latency,
// client count, fragmentation, eviction rate) and evaluates a small rule set
// against the snapshot. A breached rule applies its corrective action
// through CONFIG SET, always inside hard operational clamps, and enters a
// per-rule cooldown.
//
// Every applied action stores the parameter values it replaced. After a
// configurable delay the backend is sampled again and the action is scored
// by weighted before/after comparison on a 0-100 scale; an action whose
// score shows degradation is rolled back to the recorded values. Rollback
// only touches rollback-safe parameters; defrag, snapshot, and compression
// switches are left where the action put them.
//
// A slower analysis pass compares the live sample against the baseline. A
// healthy sample refreshes the baseline so slow drift in normal load is not
// read as action impact; a degraded one (latency doubled, hit rate down
// more than ten points, or throughput halved) reverts the applied actions
// still standing.
package optimizer
