package optimizer

import (
	"github.com/beaconhq/beacon/pkg/types"
)

// conditionValue extracts the metric an optimization condition watches.
// eviction_rate_high is handled separately because it needs a delta between
// cycles.
func conditionValue(c types.OptimizationCondition, s *types.PerformanceSnapshot) (float64, bool) {
	switch c {
	case types.CondMemoryHigh:
		return s.MemoryUsedPercent, true
	case types.CondHitRateLow:
		return s.HitRate, true
	case types.CondLatencyHigh:
		return s.AvgLatencyMs, true
	case types.CondConnectionsHigh:
		return float64(s.ConnectedClients), true
	case types.CondFragmentationHigh:
		return s.FragmentationRatio, true
	}
	return 0, false
}

// breached applies the condition's direction: hit_rate_low fires below the
// threshold, everything else above it.
func breached(c types.OptimizationCondition, value, threshold float64) bool {
	if c == types.CondHitRateLow {
		return value < threshold
	}
	return value > threshold
}

// DefaultRules is the optimization rule set used when none is configured
func DefaultRules() []*types.OptimizationRule {
	return []*types.OptimizationRule{
		{
			ID:              "memory-pressure",
			Condition:       types.CondMemoryHigh,
			Threshold:       85,
			Action:          types.ActionAdjustMaxmemoryPolicy,
			Parameters:      map[string]string{"policy": "allkeys-lru"},
			CooldownMinutes: 30,
			Enabled:         true,
		},
		{
			ID:              "poor-hit-rate",
			Condition:       types.CondHitRateLow,
			Threshold:       80,
			Action:          types.ActionAdjustMaxmemoryPolicy,
			Parameters:      map[string]string{"policy": "allkeys-lfu"},
			CooldownMinutes: 60,
			Enabled:         true,
		},
		{
			ID:              "slow-commands",
			Condition:       types.CondLatencyHigh,
			Threshold:       10,
			Action:          types.ActionAdjustTimeout,
			Parameters:      map[string]string{"seconds": "300"},
			CooldownMinutes: 30,
			Enabled:         true,
		},
		{
			ID:              "connection-pressure",
			Condition:       types.CondConnectionsHigh,
			Threshold:       5000,
			Action:          types.ActionAdjustMaxClients,
			CooldownMinutes: 30,
			Enabled:         true,
		},
		{
			ID:              "fragmented-memory",
			Condition:       types.CondFragmentationHigh,
			Threshold:       1.5,
			Action:          types.ActionMemoryCleanup,
			CooldownMinutes: 60,
			Enabled:         true,
		},
		{
			ID:              "eviction-storm",
			Condition:       types.CondEvictionRateHigh,
			Threshold:       1000,
			Action:          types.ActionAdjustSavePolicy,
			Parameters:      map[string]string{"save": ""},
			CooldownMinutes: 120,
			Enabled:         true,
		},
	}
}
