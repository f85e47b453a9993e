package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon/pkg/alert"
	"github.com/beaconhq/beacon/pkg/api"
	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/hub"
	"github.com/beaconhq/beacon/pkg/progress"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

func newTestServer(t *testing.T) (*Client, *progress.Engine, *series.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	gw := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { gw.Close() })

	cfg := config.Default()
	metricStore := series.New(nil)
	t.Cleanup(metricStore.Close)

	engine := progress.New(gw, metricStore, cfg.Progress)
	alerts := alert.New(gw, metricStore, nil, cfg.Alerts)
	h := hub.New(gw, engine, metricStore, cfg.Hub)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)

	srv := api.NewServer(api.Deps{
		Gateway:  gw,
		Progress: engine,
		Metrics:  metricStore,
		Alerts:   alerts,
		Hub:      h,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL), engine, metricStore
}

func TestClient_Tasks(t *testing.T) {
	c, engine, _ := newTestServer(t)
	ctx := context.Background()

	_, err := engine.CreateTask(ctx, "dl-1", types.TaskKindDownload, []string{"downloading"}, nil, nil)
	require.NoError(t, err)

	tasks, err := c.ActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "dl-1", tasks[0].ID)

	details, err := c.TaskDetails(ctx, "dl-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "dl-1", details.Task.ID)
	assert.NotEmpty(t, details.Timeline)
}

func TestClient_NotFoundIsAPIError(t *testing.T) {
	c, _, _ := newTestServer(t)

	_, err := c.TaskDetails(context.Background(), "missing", 0, 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "missing")
}

func TestClient_Metric(t *testing.T) {
	c, _, metricStore := newTestServer(t)

	metricStore.Record("download_speed", 1000, nil)
	metricStore.Record("download_speed", 3000, nil)

	agg, err := c.Metric(context.Background(), "download_speed", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2.0, agg.Count)
	require.NotNil(t, agg.Avg)
	assert.InDelta(t, 2000, *agg.Avg, 0.001)
}

func TestClient_StreamReceivesProgress(t *testing.T) {
	c, engine, _ := newTestServer(t)
	ctx := context.Background()

	stream, err := c.OpenStream(ctx, StreamOptions{TaskIDs: []string{"dl-2"}})
	require.NoError(t, err)
	defer stream.Close()

	welcome := <-stream.C
	require.Equal(t, types.FrameConnected, welcome.Type)

	var data types.ConnectedData
	require.NoError(t, DecodeData(welcome, &data))
	assert.NotEmpty(t, data.ClientID)

	// The subscribe frame races the task creation; give the hub a beat.
	time.Sleep(50 * time.Millisecond)

	_, err = engine.CreateTask(ctx, "dl-2", types.TaskKindDownload, []string{"downloading"}, nil, nil)
	require.NoError(t, err)

	select {
	case frame := <-stream.C:
		assert.Equal(t, types.FrameProgressUpdate, frame.Type)
		var update types.ProgressUpdateData
		require.NoError(t, DecodeData(frame, &update))
		assert.Equal(t, "dl-2", update.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress frame received")
	}
}
