package optimizer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/types"
)

// Operational clamps. No rule may push the backend outside these bounds.
const (
	timeoutMinSeconds = 60
	timeoutMaxSeconds = 3600
	maxClientsMin     = 100
	maxClientsMax     = 50000
)

// An after-snapshot scoring below this marks the action harmful and
// triggers rollback. Scores run 0-100 with 50 meaning no change.
const rollbackThreshold = 45.0

// rollbackSafe lists the parameters auto-rollback may restore. Defrag,
// snapshot, and compression switches stay where the action put them;
// flipping those back mid-flight is worse than leaving them.
var rollbackSafe = map[string]bool{
	"maxmemory-policy": true,
	"timeout":          true,
	"maxclients":       true,
}

// maxmemoryPolicies is the full set of eviction policies the backend accepts
var maxmemoryPolicies = map[string]bool{
	"noeviction":      true,
	"allkeys-lru":     true,
	"allkeys-lfu":     true,
	"allkeys-random":  true,
	"volatile-lru":    true,
	"volatile-lfu":    true,
	"volatile-random": true,
	"volatile-ttl":    true,
}

// applyAction executes a rule's corrective command. Every parameter it
// changes is recorded with its prior value so the action can be reverted.
func (e *Engine) applyAction(ctx context.Context, rule *types.OptimizationRule, snap *types.PerformanceSnapshot) *types.OptimizationAction {
	action := &types.OptimizationAction{
		ID:         uuid.NewString()[:8],
		RuleID:     rule.ID,
		Kind:       rule.Action,
		Parameters: make(map[string]string),
		Timestamp:  time.Now().UTC(),
		Before:     snap,
	}

	if err := e.execute(ctx, action, rule); err != nil {
		action.Error = err.Error()
		metrics.OptimizationActionsTotal.WithLabelValues(string(action.Kind), "false").Inc()
		e.logger.Error().Err(err).Str("rule_id", rule.ID).Str("action", string(rule.Action)).
			Msg("optimization action failed")
		return action
	}

	action.Success = true
	metrics.OptimizationActionsTotal.WithLabelValues(string(action.Kind), "true").Inc()
	e.logger.Info().Str("rule_id", rule.ID).Str("action", string(rule.Action)).
		Interface("parameters", action.Parameters).Msg("optimization action applied")
	return action
}

func (e *Engine) execute(ctx context.Context, action *types.OptimizationAction, rule *types.OptimizationRule) error {
	switch rule.Action {
	case types.ActionAdjustMaxmemoryPolicy:
		policy := rule.Parameters["policy"]
		if policy == "" {
			policy = "allkeys-lru"
		}
		if !maxmemoryPolicies[policy] {
			return fmt.Errorf("optimizer: unknown maxmemory policy %q", policy)
		}
		return e.setParam(ctx, action, "maxmemory-policy", policy)

	case types.ActionAdjustTimeout:
		target := int64(300)
		if v, err := strconv.ParseInt(rule.Parameters["seconds"], 10, 64); err == nil {
			target = v
		}
		return e.setParam(ctx, action, "timeout",
			strconv.FormatInt(clamp(target, timeoutMinSeconds, timeoutMaxSeconds), 10))

	case types.ActionAdjustMaxClients:
		target := int64(10000)
		if raw, err := e.cfgStore.ConfigGet(ctx, "maxclients"); err == nil {
			if cur, err := strconv.ParseInt(raw, 10, 64); err == nil && cur > 0 {
				// Grow by a quarter; the clamp caps runaway growth.
				target = cur + cur/4
			}
		}
		return e.setParam(ctx, action, "maxclients",
			strconv.FormatInt(clamp(target, maxClientsMin, maxClientsMax), 10))

	case types.ActionMemoryCleanup:
		return e.setParam(ctx, action, "activedefrag", "yes")

	case types.ActionAdjustSavePolicy:
		save := rule.Parameters["save"]
		if !validSavePolicy(save) {
			return fmt.Errorf("optimizer: malformed save policy %q", save)
		}
		return e.setParam(ctx, action, "save", save)

	case types.ActionEnableCompression:
		return e.setParam(ctx, action, "rdbcompression", "yes")
	}
	return fmt.Errorf("optimizer: unknown action %q", rule.Action)
}

// setParam writes one configuration parameter, remembering its prior value
// under a revert: key.
func (e *Engine) setParam(ctx context.Context, action *types.OptimizationAction, param, value string) error {
	if prev, err := e.cfgStore.ConfigGet(ctx, param); err == nil {
		action.Parameters["revert:"+param] = prev
	}
	if err := e.cfgStore.ConfigSet(ctx, param, value); err != nil {
		return err
	}
	action.Parameters[param] = value
	return nil
}

// measure takes the after-snapshot, scores the action, and reverts it when
// the backend got measurably worse.
func (e *Engine) measure(ctx context.Context, action *types.OptimizationAction) {
	after, err := e.sampler.Sample(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Str("action_id", action.ID).Msg("after-snapshot failed")
		return
	}

	e.mu.Lock()
	action.After = after
	action.ImpactScore = impactScore(action.Before, after)
	degraded := action.ImpactScore < rollbackThreshold
	e.mu.Unlock()

	if !degraded {
		e.logger.Info().Str("action_id", action.ID).
			Float64("impact", action.ImpactScore).Msg("optimization action measured")
		return
	}

	if err := e.rollback(ctx, action); err != nil {
		e.logger.Error().Err(err).Str("action_id", action.ID).Msg("rollback failed")
		return
	}
	e.logger.Warn().Str("action_id", action.ID).
		Float64("impact", action.ImpactScore).Msg("harmful optimization rolled back")
}

// rollback restores the rollback-safe parameters the action changed. An
// action that touched none of them is left in place.
func (e *Engine) rollback(ctx context.Context, action *types.OptimizationAction) error {
	e.mu.Lock()
	reverts := make(map[string]string)
	for key, value := range action.Parameters {
		if len(key) > 7 && key[:7] == "revert:" && rollbackSafe[key[7:]] {
			reverts[key[7:]] = value
		}
	}
	e.mu.Unlock()

	if len(reverts) == 0 {
		e.logger.Info().Str("action_id", action.ID).
			Msg("no rollback-safe parameters; action left in place")
		return nil
	}

	for param, value := range reverts {
		if err := e.cfgStore.ConfigSet(ctx, param, value); err != nil {
			return err
		}
	}

	e.mu.Lock()
	action.RolledBack = true
	e.mu.Unlock()
	return nil
}

// impactScore grades an action by comparing snapshots on a 0-100 scale,
// where 50 means no change and higher is better. Weighting: latency 30%,
// hit rate 25%, memory 20%, fragmentation 15%, throughput 10%.
func impactScore(before, after *types.PerformanceSnapshot) float64 {
	if before == nil || after == nil {
		return 50
	}

	latency := relImprovement(before.AvgLatencyMs, after.AvgLatencyMs, false)
	hitRate := relImprovement(before.HitRate, after.HitRate, true)
	memory := relImprovement(before.MemoryUsedPercent, after.MemoryUsedPercent, false)
	frag := relImprovement(before.FragmentationRatio, after.FragmentationRatio, false)
	ops := relImprovement(before.OpsPerSec, after.OpsPerSec, true)

	weighted := 0.30*latency + 0.25*hitRate + 0.20*memory + 0.15*frag + 0.10*ops
	return (weighted + 100) / 2
}

// validSavePolicy accepts the empty string (snapshots off) or pairs of
// "<seconds> <changes>" integers, the only forms CONFIG SET save takes.
func validSavePolicy(save string) bool {
	if save == "" {
		return true
	}
	fields := strings.Fields(save)
	if len(fields)%2 != 0 {
		return false
	}
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err != nil || n < 0 {
			return false
		}
	}
	return true
}

// relImprovement is the percentage change in the desired direction,
// clamped to [-100, 100].
func relImprovement(before, after float64, higherIsBetter bool) float64 {
	if before == 0 {
		return 0
	}
	change := (after - before) / before * 100
	if !higherIsBetter {
		change = -change
	}
	if change > 100 {
		change = 100
	}
	if change < -100 {
		change = -100
	}
	return change
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
