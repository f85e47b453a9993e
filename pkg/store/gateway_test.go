package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*Gateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := NewWithClient(client)
	t.Cleanup(func() { gw.Close() })
	return gw, mr
}

func TestGateway_GetSet(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	_, found, err := gw.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found, "absent key must not be an error")

	require.NoError(t, gw.Set(ctx, "k", "v", time.Minute))

	val, found, err := gw.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestGateway_HashOps(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	err := gw.HSet(ctx, "task:t1", map[string]interface{}{
		"data":         `{"id":"t1"}`,
		"events_count": 0,
	})
	require.NoError(t, err)

	require.NoError(t, gw.HIncrBy(ctx, "task:t1", "events_count", 3))

	fields, err := gw.HGetAll(ctx, "task:t1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"t1"}`, fields["data"])
	assert.Equal(t, "3", fields["events_count"])

	val, found, err := gw.HGet(ctx, "task:t1", "data")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"id":"t1"}`, val)

	_, found, err = gw.HGet(ctx, "task:t1", "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGateway_SetMembership(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, gw.SAdd(ctx, "active_tasks", "t1", "t2"))

	ok, err := gw.SIsMember(ctx, "active_tasks", "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := gw.SCard(ctx, "active_tasks")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, gw.SRem(ctx, "active_tasks", "t1"))
	members, err := gw.SMembers(ctx, "active_tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, members)
}

func TestGateway_ListTrim(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, gw.LPush(ctx, "events:t1", i))
	}
	require.NoError(t, gw.LTrim(ctx, "events:t1", 0, 4))

	n, err := gw.LLen(ctx, "events:t1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	items, err := gw.LRange(ctx, "events:t1", 0, -1)
	require.NoError(t, err)
	// Head is the newest entry.
	assert.Equal(t, "9", items[0])
}

func TestGateway_TxPipeline(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	err := gw.Tx(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "a", "1", 0)
		pipe.SAdd(ctx, "idx", "a")
		return nil
	})
	require.NoError(t, err)

	_, found, err := gw.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)

	ok, err := gw.SIsMember(ctx, "idx", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateway_PubSub(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := gw.Subscribe(ctx, "progress_updates")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, gw.Publish(ctx, "progress_updates", []byte(`{"task_id":"t1"}`)))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "progress_updates", msg.Channel)
		assert.Equal(t, `{"task_id":"t1"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}

func TestGateway_Scan(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, gw.Set(ctx, "task:a", "1", 0))
	require.NoError(t, gw.Set(ctx, "task:b", "1", 0))
	require.NoError(t, gw.Set(ctx, "other", "1", 0))

	keys, err := gw.Scan(ctx, "task:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"task:a", "task:b"}, keys)
}

func TestGateway_HealthCheck(t *testing.T) {
	gw, mr := newTestGateway(t)
	ctx := context.Background()

	h := gw.HealthCheck(ctx)
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Greater(t, h.RTT, time.Duration(0))

	mr.Close()
	h = gw.HealthCheck(ctx)
	assert.Equal(t, HealthDegraded, h.Status, "first probe failure downgrades to degraded only")

	h = gw.HealthCheck(ctx)
	assert.Equal(t, HealthUnhealthy, h.Status)
}

func TestGateway_ClosedRejectsCommands(t *testing.T) {
	gw, _ := newTestGateway(t)
	require.NoError(t, gw.Close())

	err := gw.Set(context.Background(), "k", "v", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(redis.Nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
}

func TestParseInfo(t *testing.T) {
	raw := "# Memory\r\nused_memory:1024\r\nmaxmemory:2048\r\n\r\n# Stats\r\nkeyspace_hits:90\r\nkeyspace_misses:10\r\n"
	m := ParseInfo(raw)
	assert.Equal(t, "1024", m["used_memory"])
	assert.Equal(t, "90", m["keyspace_hits"])
	assert.NotContains(t, m, "# Memory")
}
