package series

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RecordAndAggregate(t *testing.T) {
	st := New(nil)

	for _, v := range []float64{10, 20, 30, 40} {
		st.Record("download_speed", v, nil)
	}

	avg, ok := st.Aggregate("download_speed", AggAvg, time.Minute)
	require.True(t, ok)
	assert.InDelta(t, 25, avg, 0.001)

	min, ok := st.Aggregate("download_speed", AggMin, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 10.0, min)

	max, ok := st.Aggregate("download_speed", AggMax, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 40.0, max)

	count, ok := st.Aggregate("download_speed", AggCount, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 4.0, count)

	total, ok := st.Aggregate("download_speed", AggSum, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 100.0, total)
}

func TestStore_EmptyWindowIsAbsent(t *testing.T) {
	st := New(nil)

	_, ok := st.Aggregate("download_speed", AggAvg, time.Minute)
	assert.False(t, ok, "empty window must be absent, not zero")

	st.RecordAt("download_speed", 50, nil, time.Now().Add(-time.Hour))
	_, ok = st.Aggregate("download_speed", AggAvg, time.Minute)
	assert.False(t, ok, "points outside the window must not count")
}

func TestStore_Percentiles(t *testing.T) {
	st := New(nil)

	for i := 1; i <= 100; i++ {
		st.Record("websocket_latency_ms", float64(i), nil)
	}

	p95, ok := st.Aggregate("websocket_latency_ms", AggP95, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 95.0, p95)

	p99, ok := st.Aggregate("websocket_latency_ms", AggP99, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 99.0, p99)
}

func TestStore_PercentileFallbackWithOneSample(t *testing.T) {
	st := New(nil)
	st.Record("websocket_latency_ms", 42, nil)

	p95, ok := st.Aggregate("websocket_latency_ms", AggP95, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 42.0, p95, "fewer than 2 samples falls back to max")
}

func TestStore_CapacityEviction(t *testing.T) {
	st := New(nil)

	for i := 0; i < DefaultCapacity+100; i++ {
		st.Record("error_rate", float64(i), nil)
	}
	assert.Equal(t, DefaultCapacity, st.Len("error_rate"))

	// The evicted points are the oldest ones.
	min, ok := st.Aggregate("error_rate", AggMin, time.Hour)
	require.True(t, ok)
	assert.Equal(t, 100.0, min)
}

func TestStore_LazySeriesCreation(t *testing.T) {
	st := New(nil)

	assert.False(t, st.Has("custom_metric"))
	st.Record("custom_metric", 1, map[string]string{"source": "test"})
	assert.True(t, st.Has("custom_metric"))
}

func TestStore_History(t *testing.T) {
	st := New(nil)
	now := time.Now()

	// Two samples in the newest bucket, one mid-window, oldest bucket empty.
	st.RecordAt("cpu_usage", 10, nil, now.Add(-30*time.Second))
	st.RecordAt("cpu_usage", 20, nil, now.Add(-20*time.Second))
	st.RecordAt("cpu_usage", 80, nil, now.Add(-3*time.Minute))

	buckets := st.History("cpu_usage", 10*time.Minute, 10)
	require.Len(t, buckets, 10)

	assert.Nil(t, buckets[0], "oldest bucket has no samples")
	require.NotNil(t, buckets[9])
	assert.InDelta(t, 15, *buckets[9], 0.001)
	require.NotNil(t, buckets[7])
	assert.InDelta(t, 80, *buckets[7], 0.001)
}

func TestStore_HistoryUnknownSeries(t *testing.T) {
	st := New(nil)
	buckets := st.History("nope", time.Minute, 5)
	require.Len(t, buckets, 5)
	for _, b := range buckets {
		assert.Nil(t, b)
	}
}

func TestStore_Summary(t *testing.T) {
	st := New(nil)
	st.Record("active_tasks", 3, nil)
	st.Record("active_tasks", 5, nil)

	summary := st.Summary()
	s, ok := summary["active_tasks"]
	require.True(t, ok)
	assert.Equal(t, 2, s.Count)
	require.NotNil(t, s.Latest)
	assert.Equal(t, 5.0, *s.Latest)
	require.NotNil(t, s.Avg5m)
	assert.InDelta(t, 4, *s.Avg5m, 0.001)

	// Builtins exist even before any write.
	_, ok = summary["memory_usage"]
	assert.True(t, ok)
}
