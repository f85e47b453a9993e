package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

const (
	ruleKeyPrefix    = "alert_rules:"
	activeKeyPrefix  = "active_alerts:"
	historyKeyPrefix = "alert_history:"

	ruleTTL    = 30 * 24 * time.Hour
	activeTTL  = 24 * time.Hour
	historyTTL = 30 * 24 * time.Hour

	// An alert still firing after this long is resolved as stale by the
	// maintenance sweep.
	staleAfter = 24 * time.Hour
)

var (
	ErrAlertNotFound = errors.New("alert: not found")
	ErrRuleNotFound  = errors.New("alert: rule not found")
	ErrInvalidRule   = errors.New("alert: invalid rule")
)

// MetricSource serves the recent samples of a series; the series store
// satisfies it. DurablePoints is preferred so evaluation survives restarts;
// the in-memory ring is the fallback.
type MetricSource interface {
	Points(name string, window time.Duration) []types.MetricPoint
	DurablePoints(ctx context.Context, name string, window time.Duration) ([]types.MetricPoint, error)
}

// Broadcaster pushes a firing alert to live stream clients
type Broadcaster interface {
	BroadcastAlert(alert *types.Alert)
}

// Engine evaluates alert rules against the metric store, manages the alert
// lifecycle, and delivers notifications. Rules and active alerts are
// persisted so restarts pick up where the previous process stopped.
type Engine struct {
	gw        *store.Gateway
	source    MetricSource
	hub       Broadcaster
	cfg       config.AlertsConfig
	notifiers map[string]Notifier
	logger    zerolog.Logger

	mu     sync.RWMutex
	rules  map[string]*types.AlertRule
	active map[string]*types.Alert // keyed by rule id, one firing alert per rule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an alert engine. hub may be nil; stream broadcasts are then
// skipped. The log notifier is always registered.
func New(gw *store.Gateway, source MetricSource, hub Broadcaster, cfg config.AlertsConfig) *Engine {
	return &Engine{
		gw:        gw,
		source:    source,
		hub:       hub,
		cfg:       cfg,
		notifiers: map[string]Notifier{"log": LogNotifier{}},
		logger:    log.WithComponent("alert"),
		rules:     make(map[string]*types.AlertRule),
		active:    make(map[string]*types.Alert),
		stopCh:    make(chan struct{}),
	}
}

// RegisterNotifier adds a delivery channel, replacing any with the same name
func (e *Engine) RegisterNotifier(n Notifier) {
	e.notifiers[n.Name()] = n
}

// Start loads persisted state, seeds default rules on first run, and begins
// the evaluation, escalation, and maintenance loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadRules(ctx); err != nil {
		return err
	}
	if err := e.loadActive(ctx); err != nil {
		return err
	}

	e.mu.RLock()
	empty := len(e.rules) == 0
	e.mu.RUnlock()
	if empty {
		for _, rule := range DefaultRules() {
			if err := e.UpsertRule(ctx, rule); err != nil {
				return err
			}
		}
		e.logger.Info().Int("rules", len(DefaultRules())).Msg("seeded default alert rules")
	}

	e.wg.Add(3)
	go e.loop(e.cfg.EvalInterval, e.evaluateTick)
	go e.loop(e.cfg.EscalationInterval, e.escalateTick)
	go e.loop(e.cfg.MaintenanceInterval, e.maintainTick)
	return nil
}

// Stop halts background evaluation
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) loop(interval time.Duration, tick func(ctx context.Context)) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			tick(ctx)
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) evaluateTick(ctx context.Context) {
	if err := e.EvaluateOnce(ctx); err != nil {
		e.logger.Error().Err(err).Msg("rule evaluation failed")
	}
}

// EvaluateOnce runs a single evaluation pass over every enabled rule. The
// operator is applied to each sample in the rule's window; the rule fires
// when the most recent min_occurrences samples all breach. A clear latest
// sample auto-resolves the rule's active alert.
func (e *Engine) EvaluateOnce(ctx context.Context) error {
	e.mu.RLock()
	rules := make([]*types.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		window := time.Duration(rule.WindowMinutes) * time.Minute
		if window <= 0 {
			window = time.Minute
		}
		points := e.windowPoints(ctx, rule.Metric, window)
		if len(points) == 0 {
			// No samples in the window; neither fire nor resolve.
			continue
		}

		need := rule.MinOccurrences
		if need < 1 {
			need = 1
		}

		// Count the breaching run at the tail of the window.
		run := 0
		for i := len(points) - 1; i >= 0; i-- {
			if !rule.Operator.Compare(points[i].Value, rule.Threshold) {
				break
			}
			run++
			if run >= need {
				break
			}
		}
		latest := points[len(points)-1].Value

		switch {
		case run >= need:
			e.fire(ctx, rule, latest)
		case run == 0:
			// Latest sample is clear.
			e.mu.RLock()
			firing := e.active[rule.ID]
			e.mu.RUnlock()
			if firing != nil && firing.Status != types.AlertStatusResolved {
				if err := e.resolve(ctx, firing); err != nil {
					e.logger.Error().Err(err).Str("alert_id", firing.ID).Msg("auto-resolve failed")
				}
			}
		}
		// A breaching run shorter than min_occurrences changes nothing.
	}
	return nil
}

// windowPoints reads a rule's evaluation window, preferring the durable
// series so a restart does not blank out the evidence.
func (e *Engine) windowPoints(ctx context.Context, metric string, window time.Duration) []types.MetricPoint {
	points, err := e.source.DurablePoints(ctx, metric, window)
	if err != nil {
		e.logger.Debug().Err(err).Str("metric", metric).Msg("durable window read failed")
	}
	if len(points) > 0 {
		return points
	}
	return e.source.Points(metric, window)
}

// fire creates or refreshes the alert for a breached rule
func (e *Engine) fire(ctx context.Context, rule *types.AlertRule, value float64) {
	now := time.Now().UTC()

	e.mu.Lock()
	if existing, ok := e.active[rule.ID]; ok {
		// Already firing: refresh without re-notifying.
		existing.Occurrences++
		existing.LastOccurrence = now
		existing.Value = value
		snapshot := *existing
		e.mu.Unlock()
		if err := e.persistActive(ctx, &snapshot); err != nil {
			e.logger.Error().Err(err).Str("alert_id", snapshot.ID).Msg("failed to persist alert refresh")
		}
		return
	}

	suppressed := rule.SuppressionMinutes > 0 && rule.LastTriggeredAt != nil &&
		now.Sub(*rule.LastTriggeredAt) < time.Duration(rule.SuppressionMinutes)*time.Minute

	alert := &types.Alert{
		ID:              uuid.NewString()[:8],
		RuleID:          rule.ID,
		Title:           renderTitle(rule, value),
		Description:     renderDescription(rule, value),
		Severity:        rule.Severity,
		Status:          types.AlertStatusActive,
		Metric:          rule.Metric,
		Value:           value,
		Threshold:       rule.Threshold,
		FirstOccurrence: now,
		LastOccurrence:  now,
		Occurrences:     1,
	}
	if suppressed {
		alert.Status = types.AlertStatusSuppressed
	}
	e.active[rule.ID] = alert
	rule.LastTriggeredAt = &now
	e.mu.Unlock()

	if err := e.persistActive(ctx, alert); err != nil {
		e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert")
	}
	e.appendHistory(ctx, alert)
	if err := e.persistRule(ctx, rule); err != nil {
		e.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("failed to persist rule trigger time")
	}

	metrics.AlertsFiredTotal.WithLabelValues(string(alert.Severity)).Inc()
	if suppressed {
		e.logger.Info().Str("rule_id", rule.ID).Msg("alert suppressed by cooldown")
		return
	}

	e.notify(ctx, alert, rule.Channels)
	if e.hub != nil {
		e.hub.BroadcastAlert(alert)
	}
}

// resolve finishes an alert's lifecycle and frees the rule to fire again
func (e *Engine) resolve(ctx context.Context, alert *types.Alert) error {
	now := time.Now().UTC()

	e.mu.Lock()
	alert.Status = types.AlertStatusResolved
	alert.ResolvedAt = &now
	delete(e.active, alert.RuleID)
	snapshot := *alert
	e.mu.Unlock()

	if err := e.gw.Del(ctx, activeKeyPrefix+alert.ID); err != nil {
		return err
	}
	e.appendHistory(ctx, &snapshot)

	metrics.AlertsResolvedTotal.Inc()
	e.logger.Info().Str("alert_id", alert.ID).Str("rule_id", alert.RuleID).Msg("alert resolved")
	if e.hub != nil {
		e.hub.BroadcastAlert(&snapshot)
	}
	return nil
}

// Acknowledge marks an active alert as seen by an operator. Idempotent:
// acknowledging twice keeps the original acknowledgement.
func (e *Engine) Acknowledge(ctx context.Context, alertID, by string) (*types.Alert, error) {
	e.mu.Lock()
	var alert *types.Alert
	for _, a := range e.active {
		if a.ID == alertID {
			alert = a
			break
		}
	}
	if alert == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if alert.Status == types.AlertStatusAcknowledged {
		snapshot := *alert
		e.mu.Unlock()
		return &snapshot, nil
	}

	now := time.Now().UTC()
	alert.Status = types.AlertStatusAcknowledged
	alert.AcknowledgedBy = by
	alert.AcknowledgedAt = &now
	snapshot := *alert
	e.mu.Unlock()

	if err := e.persistActive(ctx, &snapshot); err != nil {
		return nil, err
	}
	e.logger.Info().Str("alert_id", alertID).Str("by", by).Msg("alert acknowledged")
	return &snapshot, nil
}

// Resolve manually resolves an alert by id
func (e *Engine) Resolve(ctx context.Context, alertID string) error {
	e.mu.RLock()
	var alert *types.Alert
	for _, a := range e.active {
		if a.ID == alertID {
			alert = a
			break
		}
	}
	e.mu.RUnlock()

	if alert == nil {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return e.resolve(ctx, alert)
}

// ListActive returns live alerts ordered newest first
func (e *Engine) ListActive() []*types.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*types.Alert, 0, len(e.active))
	for _, a := range e.active {
		snapshot := *a
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstOccurrence.After(out[j].FirstOccurrence)
	})
	return out
}

// History returns the alert history for one day, newest first
func (e *Engine) History(ctx context.Context, day time.Time, limit int) ([]*types.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := e.gw.LRange(ctx, historyKey(day), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}

	out := make([]*types.Alert, 0, len(raw))
	for _, item := range raw {
		var a types.Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// escalateTick bumps long-unacknowledged alerts per their rule's policy
func (e *Engine) escalateTick(ctx context.Context) {
	now := time.Now().UTC()

	e.mu.Lock()
	var due []*types.Alert
	var extra map[string][]string
	for ruleID, alert := range e.active {
		rule := e.rules[ruleID]
		if rule == nil || rule.Escalation == nil {
			continue
		}
		if alert.Status != types.AlertStatusActive || alert.Escalated {
			continue
		}
		if now.Sub(alert.FirstOccurrence) < time.Duration(rule.Escalation.AfterMinutes)*time.Minute {
			continue
		}

		if rule.Escalation.BumpSeverity {
			alert.Severity = alert.Severity.Bump()
		}
		alert.Escalated = true
		alert.EscalatedAt = &now
		snapshot := *alert
		due = append(due, &snapshot)
		if extra == nil {
			extra = make(map[string][]string)
		}
		extra[snapshot.ID] = append(append([]string(nil), rule.Channels...), rule.Escalation.ExtraChannels...)
	}
	e.mu.Unlock()

	for _, alert := range due {
		if err := e.persistActive(ctx, alert); err != nil {
			e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist escalation")
		}
		e.logger.Warn().Str("alert_id", alert.ID).Str("severity", string(alert.Severity)).
			Msg("alert escalated")
		e.notify(ctx, alert, extra[alert.ID])
		if e.hub != nil {
			e.hub.BroadcastAlert(alert)
		}
	}
}

// maintainTick trims history lists, resolves stale alerts, and clears state
// for deleted rules
func (e *Engine) maintainTick(ctx context.Context) {
	keys, err := e.gw.Scan(ctx, historyKeyPrefix+"*")
	if err != nil {
		e.logger.Error().Err(err).Msg("history scan failed")
		return
	}
	for _, key := range keys {
		if err := e.gw.LTrim(ctx, key, 0, int64(e.cfg.HistoryLimit)-1); err != nil {
			continue
		}
		e.gw.Expire(ctx, key, historyTTL)
	}

	// An alert firing for a full day without resolving is stale; close it
	// out so the active set reflects current conditions.
	cutoff := time.Now().UTC().Add(-staleAfter)
	e.mu.RLock()
	var stale []*types.Alert
	for _, alert := range e.active {
		if alert.FirstOccurrence.Before(cutoff) {
			stale = append(stale, alert)
		}
	}
	e.mu.RUnlock()
	for _, alert := range stale {
		if err := e.resolve(ctx, alert); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("stale resolve failed")
			continue
		}
		e.logger.Info().Str("alert_id", alert.ID).Str("rule_id", alert.RuleID).
			Msg("stale alert resolved")
	}

	// Drop persisted active alerts whose rule no longer exists.
	activeKeys, err := e.gw.Scan(ctx, activeKeyPrefix+"*")
	if err != nil {
		return
	}
	for _, key := range activeKeys {
		raw, found, err := e.gw.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var alert types.Alert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			e.gw.Del(ctx, key)
			continue
		}
		e.mu.Lock()
		_, known := e.rules[alert.RuleID]
		if !known {
			delete(e.active, alert.RuleID)
		}
		e.mu.Unlock()
		if !known {
			e.gw.Del(ctx, key)
		}
	}
}

// UpsertRule validates and persists a rule, making it live immediately
func (e *Engine) UpsertRule(ctx context.Context, rule *types.AlertRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()[:8]
	}

	if err := e.persistRule(ctx, rule); err != nil {
		return err
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	return nil
}

// DeleteRule removes a rule and resolves its active alert if any
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	_, ok := e.rules[ruleID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	delete(e.rules, ruleID)
	firing := e.active[ruleID]
	e.mu.Unlock()

	if firing != nil {
		if err := e.resolve(ctx, firing); err != nil {
			e.logger.Warn().Err(err).Str("rule_id", ruleID).Msg("failed to resolve alert of deleted rule")
		}
	}
	return e.gw.Del(ctx, ruleKeyPrefix+ruleID)
}

// GetRule returns one rule by id
func (e *Engine) GetRule(ruleID string) (*types.AlertRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return nil, false
	}
	snapshot := *rule
	return &snapshot, true
}

// ListRules returns every rule sorted by id
func (e *Engine) ListRules() []*types.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*types.AlertRule, 0, len(e.rules))
	for _, rule := range e.rules {
		snapshot := *rule
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateRule rejects rules that could never evaluate sensibly
func ValidateRule(rule *types.AlertRule) error {
	if rule.Metric == "" {
		return fmt.Errorf("%w: metric must not be empty", ErrInvalidRule)
	}
	switch rule.Operator {
	case types.OpGreaterThan, types.OpLessThan, types.OpGreaterEqual,
		types.OpLessEqual, types.OpEqual, types.OpNotEqual:
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, rule.Operator)
	}
	switch rule.Severity {
	case types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, rule.Severity)
	}
	if rule.WindowMinutes < 1 {
		return fmt.Errorf("%w: window_minutes must be >= 1", ErrInvalidRule)
	}
	if rule.MinOccurrences < 0 {
		return fmt.Errorf("%w: min_occurrences must not be negative", ErrInvalidRule)
	}
	return nil
}

func (e *Engine) loadRules(ctx context.Context) error {
	keys, err := e.gw.Scan(ctx, ruleKeyPrefix+"*")
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		raw, found, err := e.gw.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var rule types.AlertRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			e.logger.Warn().Str("key", key).Msg("skipping corrupt rule record")
			continue
		}
		e.rules[rule.ID] = &rule
	}
	return nil
}

func (e *Engine) loadActive(ctx context.Context) error {
	keys, err := e.gw.Scan(ctx, activeKeyPrefix+"*")
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		raw, found, err := e.gw.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var alert types.Alert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			continue
		}
		e.active[alert.RuleID] = &alert
	}
	return nil
}

func (e *Engine) persistRule(ctx context.Context, rule *types.AlertRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return e.gw.Set(ctx, ruleKeyPrefix+rule.ID, data, ruleTTL)
}

func (e *Engine) persistActive(ctx context.Context, alert *types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return e.gw.Set(ctx, activeKeyPrefix+alert.ID, data, activeTTL)
}

func (e *Engine) appendHistory(ctx context.Context, alert *types.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		return
	}
	key := historyKey(alert.LastOccurrence)
	if err := e.gw.LPush(ctx, key, data); err != nil {
		e.logger.Warn().Err(err).Msg("failed to append alert history")
		return
	}
	e.gw.LTrim(ctx, key, 0, int64(e.cfg.HistoryLimit)-1)
	e.gw.Expire(ctx, key, historyTTL)
}

func historyKey(day time.Time) string {
	return historyKeyPrefix + day.UTC().Format("2006-01-02")
}

// DefaultRules is the rule set seeded on first start
func DefaultRules() []*types.AlertRule {
	return []*types.AlertRule{
		{
			ID:                 "high-error-rate",
			Name:               "High store error rate",
			Description:        "{{metric}} is {{value}}% over the last {{window}}m (threshold {{threshold}}%)",
			Category:           "reliability",
			Metric:             "error_rate",
			Operator:           types.OpGreaterThan,
			Threshold:          5,
			Severity:           types.SeverityHigh,
			WindowMinutes:      5,
			MinOccurrences:     2,
			Enabled:            true,
			SuppressionMinutes: 10,
			Escalation:         &types.EscalationPolicy{AfterMinutes: 15, BumpSeverity: true},
		},
		{
			ID:             "slow-websocket",
			Name:           "Slow websocket delivery",
			Category:       "latency",
			Metric:         "websocket_latency_ms",
			Operator:       types.OpGreaterThan,
			Threshold:      500,
			Severity:       types.SeverityMedium,
			WindowMinutes:  5,
			MinOccurrences: 3,
			Enabled:        true,
		},
		{
			ID:             "high-memory",
			Name:           "High process memory",
			Category:       "resources",
			Metric:         "memory_usage",
			Operator:       types.OpGreaterThan,
			Threshold:      1024,
			Severity:       types.SeverityHigh,
			WindowMinutes:  5,
			MinOccurrences: 3,
			Enabled:        true,
		},
		{
			ID:             "connection-spike",
			Name:           "Connection spike",
			Category:       "capacity",
			Metric:         "active_connections",
			Operator:       types.OpGreaterThan,
			Threshold:      800,
			Severity:       types.SeverityMedium,
			WindowMinutes:  5,
			MinOccurrences: 2,
			Enabled:        true,
		},
		{
			ID:                 "slow-downloads",
			Name:               "Slow downloads",
			Category:           "throughput",
			Metric:             "download_speed",
			Operator:           types.OpLessThan,
			Threshold:          10240,
			Severity:           types.SeverityLow,
			WindowMinutes:      10,
			MinOccurrences:     3,
			Enabled:            true,
			SuppressionMinutes: 30,
		},
	}
}
