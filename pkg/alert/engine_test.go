package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

type fakeSource struct {
	mu      sync.Mutex
	points  map[string][]types.MetricPoint
	durable map[string][]types.MetricPoint
}

// set replaces a series with the given samples, oldest first
func (f *fakeSource) set(name string, values ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.points == nil {
		f.points = make(map[string][]types.MetricPoint)
	}
	f.points[name] = makePoints(values)
}

func (f *fakeSource) setDurable(name string, values ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.durable == nil {
		f.durable = make(map[string][]types.MetricPoint)
	}
	f.durable[name] = makePoints(values)
}

func (f *fakeSource) clear(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, name)
	delete(f.durable, name)
}

func (f *fakeSource) Points(name string, _ time.Duration) []types.MetricPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.MetricPoint(nil), f.points[name]...)
}

func (f *fakeSource) DurablePoints(_ context.Context, name string, _ time.Duration) ([]types.MetricPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.MetricPoint(nil), f.durable[name]...), nil
}

func makePoints(values []float64) []types.MetricPoint {
	now := time.Now().UTC()
	out := make([]types.MetricPoint, len(values))
	for i, v := range values {
		out[i] = types.MetricPoint{
			Timestamp: now.Add(time.Duration(i-len(values)) * time.Second),
			Value:     v,
		}
	}
	return out
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	alerts []*types.Alert
}

func (b *fakeBroadcaster) BroadcastAlert(a *types.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, a)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.alerts)
}

func newTestEngine(t *testing.T) (*Engine, *fakeSource, *fakeBroadcaster, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := store.NewWithClient(client)
	t.Cleanup(func() { gw.Close() })

	source := &fakeSource{}
	hub := &fakeBroadcaster{}
	e := New(gw, source, hub, config.Default().Alerts)
	return e, source, hub, mr
}

func breachRule() *types.AlertRule {
	return &types.AlertRule{
		ID:             "test-error-rate",
		Name:           "Test error rate",
		Metric:         "error_rate",
		Operator:       types.OpGreaterThan,
		Threshold:      5,
		Severity:       types.SeverityHigh,
		WindowMinutes:  5,
		MinOccurrences: 2,
		Enabled:        true,
	}
}

func TestEngine_FireAfterMinOccurrences(t *testing.T) {
	e, source, hub, mr := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.UpsertRule(ctx, breachRule()))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	assert.Empty(t, e.ListActive(), "one breaching sample must not fire with min_occurrences=2")

	source.set("error_rate", 12, 13)
	require.NoError(t, e.EvaluateOnce(ctx))
	active := e.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, types.AlertStatusActive, active[0].Status)
	assert.Equal(t, 13.0, active[0].Value)
	assert.True(t, mr.Exists("active_alerts:"+active[0].ID))
	assert.Equal(t, 1, hub.count())
}

func TestEngine_WindowRunFiresInOnePass(t *testing.T) {
	e, source, _, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.Threshold = 90
	rule.MinOccurrences = 3
	require.NoError(t, e.UpsertRule(ctx, rule))

	// Three consecutive breaching samples already in the window: a single
	// evaluation pass fires.
	source.set("error_rate", 95, 96, 97)
	require.NoError(t, e.EvaluateOnce(ctx))

	active := e.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, 97.0, active[0].Value)
}

func TestEngine_BreachesMustBeConsecutive(t *testing.T) {
	e, source, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.UpsertRule(ctx, breachRule()))

	// A clear sample between breaches breaks the run.
	source.set("error_rate", 12, 1, 12)
	require.NoError(t, e.EvaluateOnce(ctx))

	assert.Empty(t, e.ListActive(), "breaches must be consecutive")
}

func TestEngine_DurableSamplesPreferred(t *testing.T) {
	e, source, _, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	require.NoError(t, e.UpsertRule(ctx, rule))

	// The persisted series breaches while the in-memory ring is clear;
	// evaluation must trust the persisted one.
	source.setDurable("error_rate", 42)
	source.set("error_rate", 1)
	require.NoError(t, e.EvaluateOnce(ctx))

	active := e.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, 42.0, active[0].Value)
}

func TestEngine_AutoResolve(t *testing.T) {
	e, source, _, mr := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.UpsertRule(ctx, breachRule()))

	source.set("error_rate", 12, 13)
	require.NoError(t, e.EvaluateOnce(ctx))
	active := e.ListActive()
	require.Len(t, active, 1)

	source.set("error_rate", 12, 13, 1)
	require.NoError(t, e.EvaluateOnce(ctx))

	assert.Empty(t, e.ListActive())
	assert.False(t, mr.Exists("active_alerts:"+active[0].ID))

	// Resolution is recorded in today's history along with the firing.
	history, err := e.History(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.AlertStatusResolved, history[0].Status)
}

func TestEngine_RefreshDoesNotRenotify(t *testing.T) {
	e, source, hub, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	require.Equal(t, 1, hub.count())

	require.NoError(t, e.EvaluateOnce(ctx))
	require.NoError(t, e.EvaluateOnce(ctx))

	active := e.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, 3, active[0].Occurrences)
	assert.Equal(t, 1, hub.count(), "refreshes must not re-broadcast")
}

func TestEngine_Suppression(t *testing.T) {
	e, source, hub, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	rule.SuppressionMinutes = 60
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	source.set("error_rate", 1)
	require.NoError(t, e.EvaluateOnce(ctx))
	broadcastsBefore := hub.count()

	// Second firing inside the suppression window is recorded silently.
	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))

	active := e.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, types.AlertStatusSuppressed, active[0].Status)
	assert.Equal(t, broadcastsBefore, hub.count())
}

func TestEngine_AcknowledgeIdempotent(t *testing.T) {
	e, source, _, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	alertID := e.ListActive()[0].ID

	first, err := e.Acknowledge(ctx, alertID, "ops")
	require.NoError(t, err)
	assert.Equal(t, types.AlertStatusAcknowledged, first.Status)
	assert.Equal(t, "ops", first.AcknowledgedBy)

	second, err := e.Acknowledge(ctx, alertID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "ops", second.AcknowledgedBy, "second ack must not overwrite the first")
	assert.Equal(t, first.AcknowledgedAt.Unix(), second.AcknowledgedAt.Unix())

	_, err = e.Acknowledge(ctx, "missing", "ops")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestEngine_Escalation(t *testing.T) {
	e, source, hub, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	rule.Escalation = &types.EscalationPolicy{AfterMinutes: 0, BumpSeverity: true}
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	require.Equal(t, 1, hub.count())

	e.escalateTick(ctx)

	active := e.ListActive()
	require.Len(t, active, 1)
	assert.True(t, active[0].Escalated)
	assert.Equal(t, types.SeverityCritical, active[0].Severity)
	assert.Equal(t, 2, hub.count())

	// Escalation happens once.
	e.escalateTick(ctx)
	assert.Equal(t, 2, hub.count())
}

func TestEngine_AcknowledgedAlertsDoNotEscalate(t *testing.T) {
	e, source, _, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	rule.Escalation = &types.EscalationPolicy{AfterMinutes: 0, BumpSeverity: true}
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	_, err := e.Acknowledge(ctx, e.ListActive()[0].ID, "ops")
	require.NoError(t, err)

	e.escalateTick(ctx)
	assert.False(t, e.ListActive()[0].Escalated)
}

func TestEngine_RulePersistence(t *testing.T) {
	e, _, _, mr := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.UpsertRule(ctx, breachRule()))
	assert.True(t, mr.Exists("alert_rules:test-error-rate"))

	// A fresh engine against the same store sees the rule.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := store.NewWithClient(client)
	t.Cleanup(func() { gw.Close() })
	fresh := New(gw, &fakeSource{}, nil, config.Default().Alerts)
	require.NoError(t, fresh.loadRules(ctx))

	rule, ok := fresh.GetRule("test-error-rate")
	require.True(t, ok)
	assert.Equal(t, "error_rate", rule.Metric)
}

func TestEngine_DeleteRuleResolvesActiveAlert(t *testing.T) {
	e, source, _, mr := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	require.Len(t, e.ListActive(), 1)

	require.NoError(t, e.DeleteRule(ctx, rule.ID))
	assert.Empty(t, e.ListActive())
	assert.False(t, mr.Exists("alert_rules:test-error-rate"))

	assert.ErrorIs(t, e.DeleteRule(ctx, rule.ID), ErrRuleNotFound)
}

func TestEngine_NoDataNeitherFiresNorResolves(t *testing.T) {
	e, source, _, _ := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	require.Len(t, e.ListActive(), 1)

	source.clear("error_rate")
	require.NoError(t, e.EvaluateOnce(ctx))
	assert.Len(t, e.ListActive(), 1, "an empty window must not resolve the alert")
}

func TestEngine_MaintenanceResolvesStaleAlerts(t *testing.T) {
	e, source, _, mr := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	require.NoError(t, e.UpsertRule(ctx, rule))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	alertID := e.ListActive()[0].ID

	// Age the alert past the stale cutoff.
	e.mu.Lock()
	e.active[rule.ID].FirstOccurrence = time.Now().UTC().Add(-25 * time.Hour)
	e.mu.Unlock()

	e.maintainTick(ctx)

	assert.Empty(t, e.ListActive())
	assert.False(t, mr.Exists("active_alerts:"+alertID))

	history, err := e.History(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, types.AlertStatusResolved, history[0].Status)
}

func TestEngine_PersistedRecordsCarryTTLs(t *testing.T) {
	e, source, _, mr := newTestEngine(t)
	ctx := context.Background()
	rule := breachRule()
	rule.MinOccurrences = 1
	require.NoError(t, e.UpsertRule(ctx, rule))
	assert.Equal(t, 30*24*time.Hour, mr.TTL("alert_rules:"+rule.ID))

	source.set("error_rate", 12)
	require.NoError(t, e.EvaluateOnce(ctx))
	alertID := e.ListActive()[0].ID
	assert.Equal(t, 24*time.Hour, mr.TTL("active_alerts:"+alertID))
}

func TestValidateRule(t *testing.T) {
	rule := breachRule()
	require.NoError(t, ValidateRule(rule))

	bad := breachRule()
	bad.Metric = ""
	assert.ErrorIs(t, ValidateRule(bad), ErrInvalidRule)

	bad = breachRule()
	bad.Operator = "~"
	assert.ErrorIs(t, ValidateRule(bad), ErrInvalidRule)

	bad = breachRule()
	bad.Severity = "urgent"
	assert.ErrorIs(t, ValidateRule(bad), ErrInvalidRule)

	bad = breachRule()
	bad.WindowMinutes = 0
	assert.ErrorIs(t, ValidateRule(bad), ErrInvalidRule)
}

func TestDefaultRulesAreValid(t *testing.T) {
	for _, rule := range DefaultRules() {
		assert.NoError(t, ValidateRule(rule), rule.ID)
	}
}

func TestRenderDescription(t *testing.T) {
	rule := breachRule()
	rule.Description = "{{metric}} hit {{value}} (limit {{threshold}}, {{window}}m window)"

	out := renderDescription(rule, 12.5)
	assert.Equal(t, "error_rate hit 12.5 (limit 5, 5m window)", out)
}
