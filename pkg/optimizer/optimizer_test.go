package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/types"
)

type fakeSampler struct {
	mu    sync.Mutex
	queue []*types.PerformanceSnapshot
	last  *types.PerformanceSnapshot
}

func (f *fakeSampler) push(s *types.PerformanceSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, s)
}

func (f *fakeSampler) Sample(_ context.Context) (*types.PerformanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) > 0 {
		f.last = f.queue[0]
		f.queue = f.queue[1:]
	}
	if f.last == nil {
		return nil, errors.New("no samples")
	}
	snapshot := *f.last
	snapshot.Timestamp = time.Now().UTC()
	return &snapshot, nil
}

type fakeConfigStore struct {
	mu     sync.Mutex
	params map[string]string
	sets   []string
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{params: make(map[string]string)}
}

func (f *fakeConfigStore) ConfigGet(_ context.Context, param string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[param], nil
}

func (f *fakeConfigStore) ConfigSet(_ context.Context, param, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params[param] = value
	f.sets = append(f.sets, param+"="+value)
	return nil
}

func (f *fakeConfigStore) get(param string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[param]
}

// newTestEngine builds an engine with only the given rules and synchronous
// measurement.
func newTestEngine(rules ...*types.OptimizationRule) (*Engine, *fakeSampler, *fakeConfigStore) {
	sampler := &fakeSampler{}
	cfgStore := newFakeConfigStore()

	cfg := config.Default().Optimizer
	cfg.MeasureDelay = 0
	e := New(sampler, cfgStore, cfg)
	e.rules = make(map[string]*types.OptimizationRule)
	for _, rule := range rules {
		e.rules[rule.ID] = rule
	}
	return e, sampler, cfgStore
}

func memoryRule() *types.OptimizationRule {
	return &types.OptimizationRule{
		ID:              "memory-pressure",
		Condition:       types.CondMemoryHigh,
		Threshold:       85,
		Action:          types.ActionAdjustMaxmemoryPolicy,
		Parameters:      map[string]string{"policy": "allkeys-lru"},
		CooldownMinutes: 30,
		Enabled:         true,
	}
}

func TestRunCycle_AppliesActionOnBreach(t *testing.T) {
	e, sampler, cfgStore := newTestEngine(memoryRule())
	cfgStore.params["maxmemory-policy"] = "noeviction"

	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 95, HitRate: 90, AvgLatencyMs: 1})
	// The after-snapshot shows improvement, so no rollback.
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 70, HitRate: 90, AvgLatencyMs: 1})

	require.NoError(t, e.RunCycle(context.Background()))

	assert.Equal(t, "allkeys-lru", cfgStore.get("maxmemory-policy"))

	status := e.Status()
	require.Len(t, status.RecentActions, 1)
	action := status.RecentActions[0]
	assert.True(t, action.Success)
	assert.False(t, action.RolledBack)
	assert.Greater(t, action.ImpactScore, 50.0)
	assert.Equal(t, "noeviction", action.Parameters["revert:maxmemory-policy"])
}

func TestRunCycle_NoBreachNoAction(t *testing.T) {
	e, sampler, cfgStore := newTestEngine(memoryRule())
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 40, HitRate: 95})

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Empty(t, e.Status().RecentActions)
	assert.Empty(t, cfgStore.sets)
}

func TestRunCycle_RollbackOnDegradation(t *testing.T) {
	e, sampler, cfgStore := newTestEngine(memoryRule())
	cfgStore.params["maxmemory-policy"] = "noeviction"

	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 95, HitRate: 90, AvgLatencyMs: 10})
	// Everything got worse after the change.
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 99, HitRate: 60, AvgLatencyMs: 100})

	require.NoError(t, e.RunCycle(context.Background()))

	status := e.Status()
	require.Len(t, status.RecentActions, 1)
	action := status.RecentActions[0]
	assert.True(t, action.RolledBack)
	assert.Less(t, action.ImpactScore, rollbackThreshold)
	assert.Equal(t, "noeviction", cfgStore.get("maxmemory-policy"),
		"rollback must restore the previous value")
}

func TestRunCycle_Cooldown(t *testing.T) {
	e, sampler, _ := newTestEngine(memoryRule())

	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 95, HitRate: 90})
	require.NoError(t, e.RunCycle(context.Background()))
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Len(t, e.Status().RecentActions, 1, "cooldown must block the second application")
}

func TestRunCycle_TimeoutClamp(t *testing.T) {
	rule := &types.OptimizationRule{
		ID:         "slow-commands",
		Condition:  types.CondLatencyHigh,
		Threshold:  10,
		Action:     types.ActionAdjustTimeout,
		Parameters: map[string]string{"seconds": "10"},
		Enabled:    true,
	}
	e, sampler, cfgStore := newTestEngine(rule)
	sampler.push(&types.PerformanceSnapshot{AvgLatencyMs: 50, HitRate: 90})

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Equal(t, "60", cfgStore.get("timeout"), "timeout is clamped to its floor")
}

func TestRunCycle_MaxClientsClamp(t *testing.T) {
	rule := &types.OptimizationRule{
		ID:        "connection-pressure",
		Condition: types.CondConnectionsHigh,
		Threshold: 5000,
		Action:    types.ActionAdjustMaxClients,
		Enabled:   true,
	}
	e, sampler, cfgStore := newTestEngine(rule)
	cfgStore.params["maxclients"] = "48000"
	sampler.push(&types.PerformanceSnapshot{ConnectedClients: 6000, HitRate: 90})

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Equal(t, "50000", cfgStore.get("maxclients"), "growth is clamped to the ceiling")
}

func TestRunCycle_EvictionRateNeedsTwoCycles(t *testing.T) {
	rule := &types.OptimizationRule{
		ID:         "eviction-storm",
		Condition:  types.CondEvictionRateHigh,
		Threshold:  1000,
		Action:     types.ActionAdjustSavePolicy,
		Parameters: map[string]string{"save": ""},
		Enabled:    true,
	}
	e, sampler, _ := newTestEngine(rule)

	sampler.push(&types.PerformanceSnapshot{EvictedKeys: 5000, HitRate: 90})
	require.NoError(t, e.RunCycle(context.Background()))
	assert.Empty(t, e.Status().RecentActions, "the first cycle has no rate to compare")

	sampler.push(&types.PerformanceSnapshot{EvictedKeys: 7000, HitRate: 90})
	require.NoError(t, e.RunCycle(context.Background()))
	assert.Len(t, e.Status().RecentActions, 1)
}

func TestRunCycle_RejectsUnknownMaxmemoryPolicy(t *testing.T) {
	rule := memoryRule()
	rule.Parameters = map[string]string{"policy": "allkeys-frobnicate"}
	e, sampler, cfgStore := newTestEngine(rule)
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 95, HitRate: 90})

	require.NoError(t, e.RunCycle(context.Background()))

	status := e.Status()
	require.Len(t, status.RecentActions, 1)
	assert.False(t, status.RecentActions[0].Success)
	assert.Contains(t, status.RecentActions[0].Error, "maxmemory policy")
	assert.Empty(t, cfgStore.sets, "an invalid value must never reach the backend")
}

func TestRunCycle_RejectsMalformedSavePolicy(t *testing.T) {
	rule := &types.OptimizationRule{
		ID:         "eviction-storm",
		Condition:  types.CondEvictionRateHigh,
		Threshold:  1000,
		Action:     types.ActionAdjustSavePolicy,
		Parameters: map[string]string{"save": "900 1 300"},
		Enabled:    true,
	}
	e, sampler, cfgStore := newTestEngine(rule)

	sampler.push(&types.PerformanceSnapshot{EvictedKeys: 5000, HitRate: 90})
	require.NoError(t, e.RunCycle(context.Background()))
	sampler.push(&types.PerformanceSnapshot{EvictedKeys: 7000, HitRate: 90})
	require.NoError(t, e.RunCycle(context.Background()))

	status := e.Status()
	require.Len(t, status.RecentActions, 1)
	assert.False(t, status.RecentActions[0].Success)
	assert.Empty(t, cfgStore.sets)
}

func TestValidSavePolicy(t *testing.T) {
	assert.True(t, validSavePolicy(""))
	assert.True(t, validSavePolicy("900 1"))
	assert.True(t, validSavePolicy("900 1 300 10"))
	assert.False(t, validSavePolicy("900"))
	assert.False(t, validSavePolicy("900 sometimes"))
	assert.False(t, validSavePolicy("-900 1"))
}

func TestMeasure_DoesNotRollBackUnsafeAction(t *testing.T) {
	rule := &types.OptimizationRule{
		ID:        "fragmentation",
		Condition: types.CondFragmentationHigh,
		Threshold: 1.5,
		Action:    types.ActionMemoryCleanup,
		Enabled:   true,
	}
	e, sampler, cfgStore := newTestEngine(rule)
	cfgStore.params["activedefrag"] = "no"

	sampler.push(&types.PerformanceSnapshot{FragmentationRatio: 2.0, HitRate: 90, AvgLatencyMs: 10})
	// Everything got worse, but defrag is not rollback-safe.
	sampler.push(&types.PerformanceSnapshot{FragmentationRatio: 2.5, HitRate: 50, AvgLatencyMs: 100})

	require.NoError(t, e.RunCycle(context.Background()))

	status := e.Status()
	require.Len(t, status.RecentActions, 1)
	action := status.RecentActions[0]
	assert.Less(t, action.ImpactScore, rollbackThreshold)
	assert.False(t, action.RolledBack)
	assert.Equal(t, "yes", cfgStore.get("activedefrag"), "defrag stays on")
}

func TestAnalyze_RevertsActionsOnDegradation(t *testing.T) {
	e, sampler, cfgStore := newTestEngine(memoryRule())
	cfgStore.params["maxmemory-policy"] = "noeviction"

	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 95, HitRate: 90, AvgLatencyMs: 10, OpsPerSec: 100})
	// The immediate after-snapshot looks fine, so the action stands.
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 70, HitRate: 90, AvgLatencyMs: 10, OpsPerSec: 100})
	require.NoError(t, e.RunCycle(context.Background()))
	require.False(t, e.Status().RecentActions[0].RolledBack)

	e.mu.Lock()
	e.baseline = &types.PerformanceSnapshot{HitRate: 90, AvgLatencyMs: 10, OpsPerSec: 100}
	e.mu.Unlock()

	// Latency has more than doubled against the baseline.
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 70, HitRate: 90, AvgLatencyMs: 25, OpsPerSec: 100})
	e.analyze(context.Background())

	assert.True(t, e.Status().RecentActions[0].RolledBack)
	assert.Equal(t, "noeviction", cfgStore.get("maxmemory-policy"))
}

func TestAnalyze_HealthySampleRefreshesBaseline(t *testing.T) {
	e, sampler, _ := newTestEngine()
	e.mu.Lock()
	e.baseline = &types.PerformanceSnapshot{HitRate: 90, AvgLatencyMs: 10, OpsPerSec: 100}
	e.mu.Unlock()

	// Within tolerance on every axis.
	sampler.push(&types.PerformanceSnapshot{HitRate: 88, AvgLatencyMs: 15, OpsPerSec: 80})

	e.analyze(context.Background())

	status := e.Status()
	require.NotNil(t, status.Baseline)
	assert.InDelta(t, 88, status.Baseline.HitRate, 0.001)
}

func TestDegradedSince(t *testing.T) {
	baseline := &types.PerformanceSnapshot{HitRate: 90, AvgLatencyMs: 10, OpsPerSec: 100}

	assert.False(t, degradedSince(baseline, &types.PerformanceSnapshot{HitRate: 85, AvgLatencyMs: 18, OpsPerSec: 60}))
	assert.True(t, degradedSince(baseline, &types.PerformanceSnapshot{HitRate: 90, AvgLatencyMs: 21, OpsPerSec: 100}),
		"latency more than doubled")
	assert.True(t, degradedSince(baseline, &types.PerformanceSnapshot{HitRate: 79, AvgLatencyMs: 10, OpsPerSec: 100}),
		"hit rate down more than 10 points")
	assert.True(t, degradedSince(baseline, &types.PerformanceSnapshot{HitRate: 90, AvgLatencyMs: 10, OpsPerSec: 49}),
		"throughput down more than half")
}

func TestBreachedDirection(t *testing.T) {
	assert.True(t, breached(types.CondHitRateLow, 60, 80), "hit rate fires below threshold")
	assert.False(t, breached(types.CondHitRateLow, 95, 80))
	assert.True(t, breached(types.CondMemoryHigh, 90, 85))
	assert.False(t, breached(types.CondMemoryHigh, 50, 85))
}

func TestImpactScore(t *testing.T) {
	before := &types.PerformanceSnapshot{
		MemoryUsedPercent: 90, HitRate: 80, AvgLatencyMs: 10, OpsPerSec: 100, FragmentationRatio: 1.5,
	}
	improved := &types.PerformanceSnapshot{
		MemoryUsedPercent: 70, HitRate: 90, AvgLatencyMs: 5, OpsPerSec: 120, FragmentationRatio: 1.2,
	}
	degraded := &types.PerformanceSnapshot{
		MemoryUsedPercent: 99, HitRate: 50, AvgLatencyMs: 50, OpsPerSec: 40, FragmentationRatio: 2.5,
	}

	assert.Greater(t, impactScore(before, improved), 50.0)
	assert.Less(t, impactScore(before, degraded), rollbackThreshold)
	assert.GreaterOrEqual(t, impactScore(before, degraded), 0.0, "scores stay within 0-100")
	assert.LessOrEqual(t, impactScore(before, improved), 100.0, "scores stay within 0-100")
	assert.Equal(t, 50.0, impactScore(nil, improved), "missing snapshots score neutral")
}

func TestImpactScore_LatencyDominates(t *testing.T) {
	before := &types.PerformanceSnapshot{AvgLatencyMs: 10, OpsPerSec: 100}

	latencyWorse := &types.PerformanceSnapshot{AvgLatencyMs: 20, OpsPerSec: 100}
	opsWorse := &types.PerformanceSnapshot{AvgLatencyMs: 10, OpsPerSec: 50}

	assert.Less(t, impactScore(before, latencyWorse), impactScore(before, opsWorse),
		"a latency regression must cost more than an equal throughput regression")
}

func TestEstablishBaseline(t *testing.T) {
	e, sampler, _ := newTestEngine()
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 40, HitRate: 90})
	sampler.push(&types.PerformanceSnapshot{MemoryUsedPercent: 60, HitRate: 70})

	e.establishBaseline(context.Background(), 2, 0)

	status := e.Status()
	require.NotNil(t, status.Baseline)
	assert.InDelta(t, 50, status.Baseline.MemoryUsedPercent, 0.001)
	assert.InDelta(t, 80, status.Baseline.HitRate, 0.001)
}

func TestDefaultRulesEnabled(t *testing.T) {
	for _, rule := range DefaultRules() {
		assert.True(t, rule.Enabled, rule.ID)
		assert.Positive(t, rule.CooldownMinutes, rule.ID)
	}
}
