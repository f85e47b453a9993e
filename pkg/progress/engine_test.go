package progress

import (
	"context"
	"errors"
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

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := store.NewWithClient(client)
	t.Cleanup(func() { gw.Close() })

	cfg := config.Default().Progress
	return New(gw, nil, cfg), mr
}

func TestEngine_CreateTask(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, "dl-1", types.TaskKindDownload,
		[]string{"metadata", "downloading", "extracting", "finalizing"}, nil,
		map[string]string{"url": "https://example.com/file"})
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.InDelta(t, 0.80, task.Progress.Weights["downloading"], 0.001)

	assert.True(t, mr.Exists("task:dl-1"))
	members, err := e.ActiveTaskIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, members, "dl-1")

	// The creation event is on the timeline.
	timeline, err := e.GetTimeline(ctx, "dl-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, types.EventTaskCreated, timeline[0].Type)
}

func TestEngine_CreateTaskDuplicate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "dup", types.TaskKindUpload, []string{"uploading"}, nil, nil)
	require.NoError(t, err)

	_, err = e.CreateTask(ctx, "dup", types.TaskKindUpload, []string{"uploading"}, nil, nil)
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestEngine_CreateTaskRequiresStages(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CreateTask(context.Background(), "empty", types.TaskKindDownload, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoStages)
}

func TestEngine_DownloadLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	stages := []string{"metadata", "downloading", "extracting", "finalizing"}

	_, err := e.CreateTask(ctx, "dl-2", types.TaskKindDownload, stages, nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.StartStage(ctx, "dl-2", "metadata", 0, "resolving"))

	task, found, err := e.GetTask(ctx, "dl-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
	assert.Equal(t, "metadata", task.Progress.CurrentStage)
	require.NotNil(t, task.StartedAt)

	require.NoError(t, e.CompleteStage(ctx, "dl-2", "metadata", ""))
	require.NoError(t, e.StartStage(ctx, "dl-2", "downloading", 1000, ""))
	require.NoError(t, e.UpdateStage(ctx, "dl-2", "downloading", 500, nil, "", nil))

	task, _, err = e.GetTask(ctx, "dl-2")
	require.NoError(t, err)
	sp := task.Progress.Stages["downloading"]
	assert.InDelta(t, 50, sp.Percentage, 0.001)
	assert.Equal(t, int64(500), sp.BytesProcessed)
	// metadata done (5%) plus half of downloading (40%).
	assert.InDelta(t, 45, task.Progress.Percentage, 0.001)

	for _, stage := range []string{"downloading", "extracting", "finalizing"} {
		require.NoError(t, e.CompleteStage(ctx, "dl-2", stage, ""))
	}

	task, _, err = e.GetTask(ctx, "dl-2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.InDelta(t, 100, task.Progress.Percentage, 0.001)
	require.NotNil(t, task.CompletedAt)

	ids, err := e.ActiveTaskIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "dl-2")
}

func TestEngine_UpdateUnknownStage(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "t1", types.TaskKindConversion, []string{"converting"}, nil, nil)
	require.NoError(t, err)

	err = e.UpdateStage(ctx, "t1", "nonexistent", 10, nil, "", nil)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestEngine_UpdateMissingTaskDropped(t *testing.T) {
	e, _ := newTestEngine(t)

	// Updates for unknown tasks are dropped, not errors.
	err := e.UpdateStage(context.Background(), "ghost", "stage", 10, nil, "", nil)
	assert.NoError(t, err)
}

func TestEngine_UpdateTerminalTaskDropped(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "t2", types.TaskKindUpload, []string{"uploading"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.CancelTask(ctx, "t2", "operator request"))

	require.NoError(t, e.UpdateStage(ctx, "t2", "uploading", 10, nil, "", nil))

	task, _, err := e.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
	assert.Zero(t, task.Progress.Stages["uploading"].BytesProcessed)
}

func TestEngine_PercentageClampedAndMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "t3", types.TaskKindTranscription, []string{"transcribing"}, nil, nil)
	require.NoError(t, err)

	over := 150.0
	require.NoError(t, e.UpdateStage(ctx, "t3", "transcribing", 0, &over, "", nil))
	task, _, err := e.GetTask(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, 100.0, task.Progress.Stages["transcribing"].Percentage)

	back := 40.0
	require.NoError(t, e.UpdateStage(ctx, "t3", "transcribing", 0, &back, "", nil))
	task, _, err = e.GetTask(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, 100.0, task.Progress.Stages["transcribing"].Percentage,
		"percentage must never move backwards")
}

func TestEngine_FailStage(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "t4", types.TaskKindDownload, []string{"downloading"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.StartStage(ctx, "t4", "downloading", 0, ""))

	require.NoError(t, e.FailStage(ctx, "t4", "downloading", "connection reset", ""))

	task, _, err := e.GetTask(ctx, "t4")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, "connection reset", task.Error)

	ids, err := e.ActiveTaskIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "t4")

	// Failed is terminal.
	err = e.ResumeTask(ctx, "t4", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_PauseResume(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "t5", types.TaskKindUpload, []string{"uploading"}, nil, nil)
	require.NoError(t, err)

	// Pending tasks cannot pause.
	err = e.PauseTask(ctx, "t5", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, e.StartStage(ctx, "t5", "uploading", 0, ""))
	require.NoError(t, e.PauseTask(ctx, "t5", ""))

	task, _, err := e.GetTask(ctx, "t5")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, task.Status)

	require.NoError(t, e.ResumeTask(ctx, "t5", ""))
	task, _, err = e.GetTask(ctx, "t5")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
}

func TestEngine_SubscribeReceivesCommittedEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sub := e.Subscribe("")
	defer e.Unsubscribe(sub)

	_, err := e.CreateTask(ctx, "t6", types.TaskKindDownload, []string{"downloading"}, nil, nil)
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, types.EventTaskCreated, ev.Type)
		assert.Equal(t, "t6", ev.TaskID)
		require.NotNil(t, ev.Progress, "published events carry the aggregate snapshot")
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEngine_SubscriberTaskFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sub := e.Subscribe("wanted")
	defer e.Unsubscribe(sub)

	_, err := e.CreateTask(ctx, "other", types.TaskKindDownload, []string{"s"}, nil, nil)
	require.NoError(t, err)
	_, err = e.CreateTask(ctx, "wanted", types.TaskKindDownload, []string{"s"}, nil, nil)
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, "wanted", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event for %s", ev.TaskID)
	default:
	}
}

func TestEngine_TimelineSampling(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sub := e.Subscribe("t7")
	defer e.Unsubscribe(sub)

	_, err := e.CreateTask(ctx, "t7", types.TaskKindDownload, []string{"downloading"}, nil, nil)
	require.NoError(t, err)

	// Three updates well inside the sampling interval.
	for i := 1; i <= 3; i++ {
		require.NoError(t, e.UpdateStage(ctx, "t7", "downloading", int64(i*100), nil, "", nil))
	}

	// Every update is published live.
	received := 0
	deadline := time.After(time.Second)
	for received < 4 { // task_created + 3 progress updates
		select {
		case <-sub:
			received++
		case <-deadline:
			t.Fatalf("only %d events delivered", received)
		}
	}

	// But the stored timeline holds just the first sample plus creation.
	timeline, err := e.GetTimeline(ctx, "t7", 10, 0)
	require.NoError(t, err)
	assert.Len(t, timeline, 2)
	assert.Equal(t, types.EventStageProgress, timeline[0].Type, "timeline is newest first")
}

func TestEngine_TimelineTrimmed(t *testing.T) {
	e, mr := newTestEngine(t)
	e.cfg.TimelineLimit = 5
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "t8", types.TaskKindDownload, []string{"s"}, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.StartStage(ctx, "t8", "s", 0, ""))
		require.NoError(t, e.PauseTask(ctx, "t8", ""))
		require.NoError(t, e.ResumeTask(ctx, "t8", ""))
	}

	n, err := mr.List("events:t8")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(n), 5)
}

func TestEngine_RunCleanup(t *testing.T) {
	e, mr := newTestEngine(t)
	e.cfg.CompletedTaskTTLDays = 0 // everything terminal is past retention
	ctx := context.Background()

	_, err := e.CreateTask(ctx, "done", types.TaskKindDownload, []string{"s"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.CompleteTask(ctx, "done", ""))

	_, err = e.CreateTask(ctx, "live", types.TaskKindDownload, []string{"s"}, nil, nil)
	require.NoError(t, err)

	removed, err := e.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.False(t, mr.Exists("task:done"))
	assert.False(t, mr.Exists("events:done"))
	assert.True(t, mr.Exists("task:live"))
}

func TestEngine_GetTaskAbsent(t *testing.T) {
	e, _ := newTestEngine(t)

	task, found, err := e.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, task)
}

func TestEngine_CompleteTaskNotFound(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.CompleteTask(context.Background(), "nope", "")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}
