package optimizer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/types"
)

const (
	baselineSamples = 5
	actionHistory   = 100
)

// Engine watches backend performance and applies bounded corrective
// configuration changes. Every action keeps the values it replaced and is
// measured after a delay; an action that made things worse is reverted.
type Engine struct {
	sampler  Sampler
	cfgStore ConfigStore
	cfg      config.OptimizerConfig
	logger   zerolog.Logger

	mu           sync.Mutex
	rules        map[string]*types.OptimizationRule
	actions      []*types.OptimizationAction
	baseline     *types.PerformanceSnapshot
	lastSnapshot *types.PerformanceSnapshot
	evictedPrev  int64
	evictedSeen  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an optimizer with the default rule set
func New(sampler Sampler, cfgStore ConfigStore, cfg config.OptimizerConfig) *Engine {
	e := &Engine{
		sampler:  sampler,
		cfgStore: cfgStore,
		cfg:      cfg,
		logger:   log.WithComponent("optimizer"),
		rules:    make(map[string]*types.OptimizationRule),
		stopCh:   make(chan struct{}),
	}
	for _, rule := range DefaultRules() {
		e.rules[rule.ID] = rule
	}
	return e
}

// Start establishes the baseline and begins the optimization cycle.
// A disabled optimizer starts nothing and Stop remains safe to call.
func (e *Engine) Start() {
	if !e.cfg.Enabled {
		e.logger.Info().Msg("optimizer disabled")
		return
	}

	e.wg.Add(1)
	go e.run()
}

// Stop halts background cycles
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	e.establishBaseline(ctx, baselineSamples, 2*time.Second)
	cancel()

	cycle := time.NewTicker(e.cfg.CycleInterval)
	analysis := time.NewTicker(e.cfg.AnalysisInterval)
	defer cycle.Stop()
	defer analysis.Stop()

	for {
		select {
		case <-cycle.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := e.RunCycle(ctx); err != nil {
				e.logger.Error().Err(err).Msg("optimization cycle failed")
			}
			cancel()
		case <-analysis.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			e.analyze(ctx)
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// establishBaseline averages n spaced samples into the reference snapshot
func (e *Engine) establishBaseline(ctx context.Context, n int, spacing time.Duration) {
	var collected []*types.PerformanceSnapshot
	for i := 0; i < n; i++ {
		snap, err := e.sampler.Sample(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("baseline sample failed")
		} else {
			collected = append(collected, snap)
		}
		if i < n-1 {
			select {
			case <-time.After(spacing):
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
	if len(collected) == 0 {
		return
	}

	baseline := &types.PerformanceSnapshot{Timestamp: time.Now().UTC()}
	for _, s := range collected {
		baseline.MemoryUsedPercent += s.MemoryUsedPercent
		baseline.HitRate += s.HitRate
		baseline.AvgLatencyMs += s.AvgLatencyMs
		baseline.OpsPerSec += s.OpsPerSec
		baseline.FragmentationRatio += s.FragmentationRatio
		baseline.ConnectedClients += s.ConnectedClients
		baseline.EvictedKeys = s.EvictedKeys
	}
	count := float64(len(collected))
	baseline.MemoryUsedPercent /= count
	baseline.HitRate /= count
	baseline.AvgLatencyMs /= count
	baseline.OpsPerSec /= count
	baseline.FragmentationRatio /= count
	baseline.ConnectedClients /= int64(len(collected))

	e.mu.Lock()
	e.baseline = baseline
	e.mu.Unlock()
	e.logger.Info().Int("samples", len(collected)).Msg("performance baseline established")
}

// analyze compares the current sample against the baseline. A healthy sample
// refreshes the baseline so slow drift in normal load is not mistaken for
// degradation; a degraded one reverts the applied actions still standing.
func (e *Engine) analyze(ctx context.Context) {
	snap, err := e.sampler.Sample(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("analysis sample failed")
		return
	}

	e.mu.Lock()
	baseline := e.baseline
	e.lastSnapshot = snap
	var applied []*types.OptimizationAction
	for _, action := range e.actions {
		if action.Success && !action.RolledBack {
			applied = append(applied, action)
		}
	}
	e.mu.Unlock()

	if baseline == nil || !degradedSince(baseline, snap) {
		e.establishBaseline(ctx, 3, time.Second)
		return
	}

	e.logger.Warn().Int("actions", len(applied)).
		Float64("latency_ms", snap.AvgLatencyMs).
		Float64("hit_rate", snap.HitRate).
		Float64("ops_per_sec", snap.OpsPerSec).
		Msg("performance degraded since baseline; reverting applied actions")

	// Newest first: unwind in reverse application order.
	for i := len(applied) - 1; i >= 0; i-- {
		if err := e.rollback(ctx, applied[i]); err != nil {
			e.logger.Error().Err(err).Str("action_id", applied[i].ID).Msg("revert failed")
		}
	}
}

// degradedSince reports whether current is materially worse than baseline:
// latency more than doubled, hit rate down more than 10 points, or
// throughput down more than half.
func degradedSince(baseline, current *types.PerformanceSnapshot) bool {
	if baseline.AvgLatencyMs > 0 && current.AvgLatencyMs > 2*baseline.AvgLatencyMs {
		return true
	}
	if baseline.HitRate-current.HitRate > 10 {
		return true
	}
	if baseline.OpsPerSec > 0 && current.OpsPerSec < baseline.OpsPerSec/2 {
		return true
	}
	return false
}

// RunCycle takes one snapshot, evaluates every enabled rule against it, and
// applies the actions of breached rules that are off cooldown.
func (e *Engine) RunCycle(ctx context.Context) error {
	snap, err := e.sampler.Sample(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.lastSnapshot = snap
	evictionRate := float64(0)
	evictionKnown := e.evictedSeen
	if e.evictedSeen {
		evictionRate = float64(snap.EvictedKeys - e.evictedPrev)
	}
	e.evictedPrev = snap.EvictedKeys
	e.evictedSeen = true

	rules := make([]*types.OptimizationRule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.Unlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	now := time.Now().UTC()
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.LastAppliedAt != nil &&
			now.Sub(*rule.LastAppliedAt) < time.Duration(rule.CooldownMinutes)*time.Minute {
			continue
		}

		var value float64
		if rule.Condition == types.CondEvictionRateHigh {
			if !evictionKnown {
				continue
			}
			value = evictionRate
		} else {
			v, ok := conditionValue(rule.Condition, snap)
			if !ok {
				continue
			}
			value = v
		}
		if !breached(rule.Condition, value, rule.Threshold) {
			continue
		}

		action := e.applyAction(ctx, rule, snap)

		e.mu.Lock()
		rule.LastAppliedAt = &now
		e.actions = append(e.actions, action)
		if len(e.actions) > actionHistory {
			e.actions = e.actions[len(e.actions)-actionHistory:]
		}
		e.mu.Unlock()

		if action.Success {
			e.scheduleMeasure(action)
		}
	}
	return nil
}

func (e *Engine) scheduleMeasure(action *types.OptimizationAction) {
	if e.cfg.MeasureDelay <= 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		e.measure(ctx, action)
		cancel()
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(e.cfg.MeasureDelay):
		case <-e.stopCh:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.measure(ctx, action)
	}()
}

// UpsertRule adds or replaces an optimization rule
func (e *Engine) UpsertRule(rule *types.OptimizationRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
}

// Rules returns the rule set sorted by id
func (e *Engine) Rules() []*types.OptimizationRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*types.OptimizationRule, 0, len(e.rules))
	for _, rule := range e.rules {
		snapshot := *rule
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status is the optimizer's externally visible state
type Status struct {
	Enabled       bool                        `json:"enabled"`
	Baseline      *types.PerformanceSnapshot  `json:"baseline,omitempty"`
	LastSnapshot  *types.PerformanceSnapshot  `json:"last_snapshot,omitempty"`
	Rules         []*types.OptimizationRule   `json:"rules"`
	RecentActions []*types.OptimizationAction `json:"recent_actions"`
}

// Status reports the baseline, the latest snapshot, and recent actions
func (e *Engine) Status() Status {
	rules := e.Rules()

	e.mu.Lock()
	defer e.mu.Unlock()

	actions := make([]*types.OptimizationAction, 0, len(e.actions))
	for i := len(e.actions) - 1; i >= 0; i-- {
		snapshot := *e.actions[i]
		actions = append(actions, &snapshot)
	}
	return Status{
		Enabled:       e.cfg.Enabled,
		Baseline:      e.baseline,
		LastSnapshot:  e.lastSnapshot,
		Rules:         rules,
		RecentActions: actions,
	}
}
