// Package progress implements the task lifecycle engine.
//
// Tasks move through pending, running, paused, and the terminal states
// completed, failed, and cancelled. Each task carries ordered stages whose
// percentages roll up into a weighted aggregate, a moving-average transfer
// rate per active stage, and a derived ETA.
//
// The engine is the sole writer of task state. Every mutation persists the
// task record, its timeline events, and active-set membership in one
// transactional pipeline; the matching event is published on the
// progress_updates pub/sub channel and to in-process subscribers only after
// that write commits. A failed write therefore leaves no event behind, and
// the rate-estimator sample that produced it is discarded as well.
//
// High-frequency stage updates are sampled before they reach the timeline
// (at most one append per 100ms per task) but every update is published, so
// live consumers see full granularity while the stored timeline stays
// bounded.
package progress
