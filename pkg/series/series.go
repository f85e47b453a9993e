package series

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

// DefaultCapacity is the bounded ring size per series
const DefaultCapacity = 1000

// AggOp is a windowed aggregation operator
type AggOp string

const (
	AggAvg   AggOp = "avg"
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
	AggSum   AggOp = "sum"
	AggCount AggOp = "count"
	AggP95   AggOp = "p95"
	AggP99   AggOp = "p99"
)

// Builtin series installed on init. Unknown names are created lazily with
// MetricTypeThroughput on first write.
var builtins = map[string]types.MetricType{
	"websocket_latency_ms":  types.MetricTypeLatency,
	"sse_latency_ms":        types.MetricTypeLatency,
	"download_speed":        types.MetricTypeSpeed,
	"active_connections":    types.MetricTypeConnCount,
	"active_tasks":          types.MetricTypeThroughput,
	"error_rate":            types.MetricTypeErrorRate,
	"stage_completion_time": types.MetricTypeStageDuration,
	"memory_usage":          types.MetricTypeResourceUsage,
	"cpu_usage":             types.MetricTypeResourceUsage,
	"store_ops_per_sec":     types.MetricTypeThroughput,
}

// Series is one named, typed, bounded ring of samples
type Series struct {
	mu     sync.Mutex
	name   string
	typ    types.MetricType
	points []types.MetricPoint
	cap    int
}

func newSeries(name string, typ types.MetricType, capacity int) *Series {
	return &Series{
		name:   name,
		typ:    typ,
		points: make([]types.MetricPoint, 0, capacity),
		cap:    capacity,
	}
}

func (s *Series) append(p types.MetricPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) == s.cap {
		copy(s.points, s.points[1:])
		s.points = s.points[:s.cap-1]
	}
	s.points = append(s.points, p)
}

// snapshotSince copies points with timestamp >= cutoff
func (s *Series) snapshotSince(cutoff time.Time) []types.MetricPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.MetricPoint, 0, len(s.points))
	for _, p := range s.points {
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Series) latest() (types.MetricPoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) == 0 {
		return types.MetricPoint{}, false
	}
	return s.points[len(s.points)-1], true
}

func (s *Series) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

// SeriesSummary describes one series for the dashboard
type SeriesSummary struct {
	Name   string           `json:"name"`
	Type   types.MetricType `json:"type"`
	Count  int              `json:"count"`
	Latest *float64         `json:"latest,omitempty"`
	Avg5m  *float64         `json:"avg_5m,omitempty"`
}

type persistItem struct {
	name  string
	point types.MetricPoint
}

// Store is the thread-safe collection of metric series. Points are held in
// bounded in-memory rings; each write is additionally appended best-effort
// to a per-series list in the backing store for cross-process queries.
type Store struct {
	mu       sync.RWMutex
	series   map[string]*Series
	capacity int
	gw       *store.Gateway
	logger   zerolog.Logger

	persistCh chan persistItem
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a metric store with the builtin registry installed. gw may be
// nil; durability is then disabled.
func New(gw *store.Gateway) *Store {
	st := &Store{
		series:    make(map[string]*Series),
		capacity:  DefaultCapacity,
		gw:        gw,
		logger:    log.WithComponent("series"),
		persistCh: make(chan persistItem, 1024),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for name, typ := range builtins {
		st.series[name] = newSeries(name, typ, st.capacity)
	}
	if gw != nil {
		go st.persistLoop()
	} else {
		close(st.doneCh)
	}
	return st
}

// Record appends a sample with the current timestamp
func (st *Store) Record(name string, value float64, labels map[string]string) {
	st.RecordAt(name, value, labels, time.Now())
}

// RecordAt appends a sample with an explicit timestamp, evicting the oldest
// point when the ring is full.
func (st *Store) RecordAt(name string, value float64, labels map[string]string, ts time.Time) {
	s := st.get(name)
	point := types.MetricPoint{Timestamp: ts, Value: value, Labels: labels}
	s.append(point)
	metrics.PointsRecordedTotal.Inc()

	if st.gw != nil {
		select {
		case st.persistCh <- persistItem{name: name, point: point}:
		default:
			// Durability is best-effort; the in-memory ring is authoritative.
		}
	}
}

func (st *Store) get(name string) *Series {
	st.mu.RLock()
	s, ok := st.series[name]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok = st.series[name]; ok {
		return s
	}
	s = newSeries(name, types.MetricTypeThroughput, st.capacity)
	st.series[name] = s
	return s
}

// Has reports whether a series exists
func (st *Store) Has(name string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.series[name]
	return ok
}

// Len returns the number of points currently held for a series
func (st *Store) Len(name string) int {
	st.mu.RLock()
	s, ok := st.series[name]
	st.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.len()
}

// Points returns the samples for a series within the window, oldest first
func (st *Store) Points(name string, window time.Duration) []types.MetricPoint {
	st.mu.RLock()
	s, ok := st.series[name]
	st.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.snapshotSince(time.Now().Add(-window))
}

// Aggregate computes op over the points inside the window. The bool is false
// when the window holds no points: absence, not zero.
func (st *Store) Aggregate(name string, op AggOp, window time.Duration) (float64, bool) {
	points := st.Points(name, window)
	if len(points) == 0 {
		return 0, false
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	switch op {
	case AggCount:
		return float64(len(values)), true
	case AggSum:
		return sum(values), true
	case AggAvg:
		return sum(values) / float64(len(values)), true
	case AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, true
	case AggMax:
		return maxOf(values), true
	case AggP95:
		return percentile(values, 95), true
	case AggP99:
		return percentile(values, 99), true
	}
	return 0, false
}

// History partitions the window into resolution equal buckets and returns
// the per-bucket average, nil for empty buckets. Newest bucket is last.
func (st *Store) History(name string, window time.Duration, resolution int) []*float64 {
	if resolution < 1 {
		resolution = 1
	}
	out := make([]*float64, resolution)

	points := st.Points(name, window)
	if len(points) == 0 {
		return out
	}

	now := time.Now()
	start := now.Add(-window)
	bucketSize := window / time.Duration(resolution)

	sums := make([]float64, resolution)
	counts := make([]int, resolution)
	for _, p := range points {
		idx := int(p.Timestamp.Sub(start) / bucketSize)
		if idx < 0 {
			continue
		}
		if idx >= resolution {
			idx = resolution - 1
		}
		sums[idx] += p.Value
		counts[idx]++
	}

	for i := range out {
		if counts[i] > 0 {
			avg := sums[i] / float64(counts[i])
			out[i] = &avg
		}
	}
	return out
}

// Summary describes every series for the dashboard composite
func (st *Store) Summary() map[string]SeriesSummary {
	st.mu.RLock()
	names := make([]string, 0, len(st.series))
	for name := range st.series {
		names = append(names, name)
	}
	st.mu.RUnlock()

	out := make(map[string]SeriesSummary, len(names))
	for _, name := range names {
		s := st.get(name)
		summary := SeriesSummary{Name: name, Type: s.typ, Count: s.len()}
		if p, ok := s.latest(); ok {
			v := p.Value
			summary.Latest = &v
		}
		if avg, ok := st.Aggregate(name, AggAvg, 5*time.Minute); ok {
			summary.Avg5m = &avg
		}
		out[name] = summary
	}
	return out
}

// Snapshot writes the current series heads to the store keyed by epoch,
// expiring after 24 h. Best effort.
func (st *Store) Snapshot(ctx context.Context) error {
	if st.gw == nil {
		return nil
	}
	heads := make(map[string]float64)
	st.mu.RLock()
	for name, s := range st.series {
		if p, ok := s.latest(); ok {
			heads[name] = p.Value
		}
	}
	st.mu.RUnlock()

	data, err := json.Marshal(heads)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("metrics:snapshot:%d", time.Now().Unix())
	return st.gw.Set(ctx, key, data, 24*time.Hour)
}

// Close stops the durability writer and drains its queue
func (st *Store) Close() {
	if st.gw == nil {
		return
	}
	close(st.stopCh)
	<-st.doneCh
}

func (st *Store) persistLoop() {
	defer close(st.doneCh)
	for {
		select {
		case item := <-st.persistCh:
			st.persist(item)
		case <-st.stopCh:
			for {
				select {
				case item := <-st.persistCh:
					st.persist(item)
				default:
					return
				}
			}
		}
	}
}

func (st *Store) persist(item persistItem) {
	data, err := json.Marshal(item.point)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "metrics:series:" + item.name
	if err := st.gw.LPush(ctx, key, data); err != nil {
		st.logger.Debug().Err(err).Str("series", item.name).Msg("durable append failed")
		return
	}
	_ = st.gw.LTrim(ctx, key, 0, DefaultCapacity-1)
	_ = st.gw.Expire(ctx, key, 24*time.Hour)
}

// DurablePoints reads the persisted samples for a series within the window,
// oldest first. Used by consumers that outlive the in-memory rings.
func (st *Store) DurablePoints(ctx context.Context, name string, window time.Duration) ([]types.MetricPoint, error) {
	if st.gw == nil {
		return nil, nil
	}
	raw, err := st.gw.LRange(ctx, "metrics:series:"+name, 0, DefaultCapacity-1)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	out := make([]types.MetricPoint, 0, len(raw))
	// Head of the list is the newest point; reverse while filtering.
	for i := len(raw) - 1; i >= 0; i-- {
		var p types.MetricPoint
		if err := json.Unmarshal([]byte(raw[i]), &p); err != nil {
			continue
		}
		if p.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func maxOf(values []float64) float64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// percentile uses nearest-rank on sorted values. With fewer than two samples
// it falls back to the maximum.
func percentile(values []float64, pct float64) float64 {
	if len(values) < 2 {
		return maxOf(values)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
