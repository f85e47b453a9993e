// Package alert evaluates declarative rules over the metric store and
// manages the lifecycle of the alerts they raise.
//
// A rule compares each sample of one metric inside its window against a
// threshold. An alert fires when the most recent min_occurrences samples all
// breach, which filters out single-sample spikes. Alerts move through
// active, acknowledged, and resolved; a clear latest sample auto-resolves
// the rule's alert, and the maintenance sweep resolves anything still firing
// after a day. Re-fires inside a rule's suppression window are recorded but
// not re-notified.
//
// Rules and active alerts are persisted in the store (alert_rules:*,
// active_alerts:*), so a restart resumes with the same rule set and firing
// state. History is kept per day under alert_history:YYYY-MM-DD, trimmed and
// expired by the maintenance sweep.
//
// Notifications fan out to named channels: log, webhook, slack, and email.
// Delivery failures are counted and logged but never block evaluation.
package alert
