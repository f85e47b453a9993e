package optimizer

import (
	"context"
	"strconv"
	"time"

	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

// Sampler produces point-in-time performance snapshots of the store backend
type Sampler interface {
	Sample(ctx context.Context) (*types.PerformanceSnapshot, error)
}

// ConfigStore reads and writes backend configuration parameters. The store
// gateway satisfies it.
type ConfigStore interface {
	ConfigGet(ctx context.Context, param string) (string, error)
	ConfigSet(ctx context.Context, param, value string) error
}

// StoreSampler builds snapshots from the backend's INFO output plus a
// round-trip probe for latency.
type StoreSampler struct {
	gw *store.Gateway
}

func NewStoreSampler(gw *store.Gateway) *StoreSampler {
	return &StoreSampler{gw: gw}
}

func (s *StoreSampler) Sample(ctx context.Context) (*types.PerformanceSnapshot, error) {
	start := time.Now()
	info, err := s.gw.InfoMap(ctx, "memory", "stats", "clients")
	if err != nil {
		return nil, err
	}
	rtt := time.Since(start)

	snap := &types.PerformanceSnapshot{
		Timestamp:    time.Now().UTC(),
		AvgLatencyMs: float64(rtt.Microseconds()) / 1000,
	}

	used := parseFloat(info, "used_memory")
	max := parseFloat(info, "maxmemory")
	if max > 0 {
		snap.MemoryUsedPercent = used / max * 100
	}

	hits := parseFloat(info, "keyspace_hits")
	misses := parseFloat(info, "keyspace_misses")
	if hits+misses > 0 {
		snap.HitRate = hits / (hits + misses) * 100
	}

	snap.OpsPerSec = parseFloat(info, "instantaneous_ops_per_sec")
	snap.ConnectedClients = int64(parseFloat(info, "connected_clients"))
	snap.EvictedKeys = int64(parseFloat(info, "evicted_keys"))
	snap.FragmentationRatio = parseFloat(info, "mem_fragmentation_ratio")
	return snap, nil
}

func parseFloat(info map[string]string, key string) float64 {
	v, ok := info[key]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
