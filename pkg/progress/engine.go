package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/series"
	"github.com/beaconhq/beacon/pkg/store"
	"github.com/beaconhq/beacon/pkg/types"
)

// ChannelProgressUpdates is the pub/sub channel every task event is
// published on.
const ChannelProgressUpdates = "progress_updates"

const activeTasksKey = "active_tasks"

// Timeline appends for stage_progress are sampled above this rate per task.
const timelineSampleInterval = 100 * time.Millisecond

var (
	ErrTaskExists        = errors.New("progress: task already exists")
	ErrTaskNotFound      = errors.New("progress: task not found")
	ErrNoStages          = errors.New("progress: task requires at least one stage")
	ErrUnknownStage      = errors.New("progress: unknown stage")
	ErrInvalidTransition = errors.New("progress: invalid status transition")
)

func taskKey(id string) string   { return "task:" + id }
func eventsKey(id string) string { return "events:" + id }

// Engine owns the lifecycle of every task and is the sole writer of task,
// stage, aggregate, and timeline records. Events are published on the store
// pub/sub channel and to in-process subscribers only after the durable write
// commits.
type Engine struct {
	gw     *store.Gateway
	series *series.Store
	cfg    config.ProgressConfig
	broker *broker
	logger zerolog.Logger

	mu           sync.Mutex
	estimators   map[string]*rateEstimator
	lastTimeline map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a progress engine. metricStore may be nil; derived series
// (download_speed, stage_completion_time) are then skipped.
func New(gw *store.Gateway, metricStore *series.Store, cfg config.ProgressConfig) *Engine {
	return &Engine{
		gw:           gw,
		series:       metricStore,
		cfg:          cfg,
		broker:       newBroker(),
		logger:       log.WithComponent("progress"),
		estimators:   make(map[string]*rateEstimator),
		lastTimeline: make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the background cleanup sweep
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.cleanupLoop()
}

// Stop stops background work and closes in-process subscribers
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.broker.closeAll()
}

// CreateTask registers a new task with its ordered stages. Weights are
// normalized from the supplied map, the per-kind default table, or assigned
// uniformly. Fails with ErrTaskExists when the id is live.
func (e *Engine) CreateTask(ctx context.Context, id string, kind types.TaskKind, stages []string, weights map[string]float64, metadata map[string]string) (*types.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("progress: task id must not be empty")
	}
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	exists, err := e.gw.Exists(ctx, taskKey(id))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}

	now := time.Now()
	stageMap := make(map[string]*types.StageProgress, len(stages))
	for _, name := range stages {
		stageMap[name] = &types.StageProgress{Name: name}
	}

	task := &types.Task{
		ID:        id,
		Kind:      kind,
		Status:    types.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
		Progress: &types.AggregateProgress{
			StageOrder: append([]string(nil), stages...),
			Stages:     stageMap,
			Weights:    resolveWeights(kind, stages, weights),
		},
	}

	event := e.newEvent(task, types.EventTaskCreated, "", "task created", "")
	if err := e.writeTask(ctx, task, true, false, event); err != nil {
		return nil, err
	}

	metrics.TasksCreatedTotal.Inc()
	e.publish(task, event)
	return task, nil
}

// StartStage marks a stage as running. Idempotent when already started.
// Moves a pending task into running and sets started-at on first entry.
func (e *Engine) StartStage(ctx context.Context, taskID, stage string, totalBytes int64, message string) error {
	task, found, err := e.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	sp, ok := task.Progress.Stages[stage]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownStage, taskID, stage)
	}
	if sp.StartedAt != nil {
		return nil
	}
	if task.Status.IsTerminal() {
		e.logger.Warn().Str("task_id", taskID).Str("stage", stage).Msg("start for terminal task dropped")
		return nil
	}

	now := time.Now()
	sp.StartedAt = &now
	if totalBytes > 0 {
		sp.TotalBytes = totalBytes
	}
	if message != "" {
		sp.Message = message
	}
	task.Progress.CurrentStage = stage
	task.UpdatedAt = now

	if task.Status == types.TaskStatusPending {
		task.Status = types.TaskStatusRunning
		task.StartedAt = &now
	}

	e.mu.Lock()
	e.estimators[estimatorKey(taskID, stage)] = newRateEstimator(e.cfg.RateWindow)
	e.mu.Unlock()

	event := e.newEvent(task, types.EventStageStarted, stage, message, "")
	if err := e.writeTask(ctx, task, false, false, event); err != nil {
		return err
	}
	e.publish(task, event)
	return nil
}

// UpdateStage records byte progress for a running stage. Updates against an
// unknown or terminal task are dropped with a logged warning. Percentage is
// clamped to [0,100] and never moves backwards within a run.
func (e *Engine) UpdateStage(ctx context.Context, taskID, stage string, bytesProcessed int64, percentage *float64, message string, metadata map[string]string) error {
	task, found, err := e.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found || task.Status.IsTerminal() {
		e.logger.Warn().Str("task_id", taskID).Str("stage", stage).Msg("update for missing or completed task dropped")
		return nil
	}

	sp, ok := task.Progress.Stages[stage]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownStage, taskID, stage)
	}

	now := time.Now()
	if sp.StartedAt == nil {
		sp.StartedAt = &now
		task.Progress.CurrentStage = stage
	}

	if sp.TotalBytes > 0 && bytesProcessed > sp.TotalBytes {
		bytesProcessed = sp.TotalBytes
	}
	sp.BytesProcessed = bytesProcessed

	key := estimatorKey(taskID, stage)
	e.mu.Lock()
	est, ok := e.estimators[key]
	if !ok {
		est = newRateEstimator(e.cfg.RateWindow)
		e.estimators[key] = est
	}
	preview := est.preview(bytesProcessed, now)
	e.mu.Unlock()

	sp.Rate = preview.rate
	if sp.Rate > task.Progress.PeakRate {
		task.Progress.PeakRate = sp.Rate
	}

	pct := sp.Percentage
	switch {
	case percentage != nil:
		pct = *percentage
	case sp.TotalBytes > 0:
		pct = float64(bytesProcessed) / float64(sp.TotalBytes) * 100
	}
	if pct > 100 {
		pct = 100
	}
	if pct > sp.Percentage {
		sp.Percentage = pct
	}

	if sp.TotalBytes > 0 && sp.Rate > 0 {
		remaining := sp.TotalBytes - sp.BytesProcessed
		if remaining > 0 {
			eta := float64(remaining) / sp.Rate
			sp.ETASeconds = &eta
		} else {
			zero := 0.0
			sp.ETASeconds = &zero
		}
	}
	if message != "" {
		sp.Message = message
	}
	task.UpdatedAt = now
	recomputeAggregate(task.Progress)

	event := e.newEvent(task, types.EventStageProgress, stage, message, "")
	event.Metadata = metadata

	var timelineEvents []*types.TaskEvent
	if e.shouldAppendTimeline(taskID, now) {
		timelineEvents = append(timelineEvents, event)
	}

	if err := e.writeTask(ctx, task, false, false, timelineEvents...); err != nil {
		// The estimator was not committed; the failed sample leaves no trace.
		return err
	}

	e.mu.Lock()
	est.commit(preview)
	e.mu.Unlock()

	if e.series != nil && sp.Rate > 0 {
		e.series.Record("download_speed", sp.Rate, map[string]string{"task_kind": string(task.Kind)})
	}

	e.publish(task, event)
	return nil
}

// CompleteStage forces a stage to 100 percent. When every stage is complete
// the task itself completes.
func (e *Engine) CompleteStage(ctx context.Context, taskID, stage, message string) error {
	task, found, err := e.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found || task.Status.IsTerminal() {
		e.logger.Warn().Str("task_id", taskID).Str("stage", stage).Msg("complete for missing or terminal task dropped")
		return nil
	}

	sp, ok := task.Progress.Stages[stage]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownStage, taskID, stage)
	}

	now := time.Now()
	if sp.StartedAt == nil {
		sp.StartedAt = &now
	}
	sp.Percentage = 100
	sp.CompletedAt = &now
	if sp.TotalBytes > 0 {
		sp.BytesProcessed = sp.TotalBytes
	}
	zero := 0.0
	sp.ETASeconds = &zero
	if message != "" {
		sp.Message = message
	}
	task.UpdatedAt = now
	recomputeAggregate(task.Progress)

	e.dropEstimator(taskID, stage)
	if e.series != nil {
		e.series.Record("stage_completion_time", now.Sub(*sp.StartedAt).Seconds(), map[string]string{"stage": stage})
	}

	event := e.newEvent(task, types.EventStageCompleted, stage, message, "")
	if err := e.writeTask(ctx, task, false, false, event); err != nil {
		return err
	}
	e.publish(task, event)

	for _, name := range task.Progress.StageOrder {
		if task.Progress.Stages[name].Percentage < 100 {
			return nil
		}
	}
	return e.CompleteTask(ctx, taskID, message)
}

// FailStage fails a stage and transitions the whole task to failed.
// A failed task never recovers.
func (e *Engine) FailStage(ctx context.Context, taskID, stage, errMsg, message string) error {
	task, found, err := e.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found || task.Status.IsTerminal() {
		e.logger.Warn().Str("task_id", taskID).Str("stage", stage).Msg("fail for missing or terminal task dropped")
		return nil
	}

	now := time.Now()
	task.Status = types.TaskStatusFailed
	task.Error = errMsg
	task.CompletedAt = &now
	task.UpdatedAt = now
	if sp, ok := task.Progress.Stages[stage]; ok {
		if message != "" {
			sp.Message = message
		}
	}

	e.dropTaskEstimators(taskID)

	stageEvent := e.newEvent(task, types.EventStageFailed, stage, message, errMsg)
	taskEvent := e.newEvent(task, types.EventTaskFailed, "", message, errMsg)
	if err := e.writeTask(ctx, task, false, true, stageEvent, taskEvent); err != nil {
		return err
	}

	metrics.TasksFinishedTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
	e.publish(task, stageEvent)
	e.publish(task, taskEvent)
	return nil
}

// CompleteTask marks a task completed and removes it from the active set
func (e *Engine) CompleteTask(ctx context.Context, taskID, message string) error {
	task, found, err := e.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	task.Status = types.TaskStatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	if task.StartedAt == nil {
		task.StartedAt = &now
	}

	e.dropTaskEstimators(taskID)

	event := e.newEvent(task, types.EventTaskCompleted, "", message, "")
	if err := e.writeTask(ctx, task, false, true, event); err != nil {
		return err
	}

	metrics.TasksFinishedTotal.WithLabelValues(string(types.TaskStatusCompleted)).Inc()
	e.publish(task, event)
	return nil
}

// CancelTask moves a pending, running, or paused task to cancelled
func (e *Engine) CancelTask(ctx context.Context, taskID, message string) error {
	return e.transition(ctx, taskID, types.TaskStatusCancelled, types.EventTaskCancelled, message)
}

// PauseTask pauses a running task
func (e *Engine) PauseTask(ctx context.Context, taskID, message string) error {
	return e.transition(ctx, taskID, types.TaskStatusPaused, types.EventTaskPaused, message)
}

// ResumeTask resumes a paused task
func (e *Engine) ResumeTask(ctx context.Context, taskID, message string) error {
	return e.transition(ctx, taskID, types.TaskStatusRunning, types.EventTaskResumed, message)
}

func (e *Engine) transition(ctx context.Context, taskID string, to types.TaskStatus, eventType types.EventType, message string) error {
	task, found, err := e.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !canTransition(task.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, to)
	}

	now := time.Now()
	task.Status = to
	task.UpdatedAt = now
	removeActive := false
	if to.IsTerminal() {
		task.CompletedAt = &now
		removeActive = true
		e.dropTaskEstimators(taskID)
	}

	event := e.newEvent(task, eventType, "", message, "")
	if err := e.writeTask(ctx, task, false, removeActive, event); err != nil {
		return err
	}
	if to.IsTerminal() {
		metrics.TasksFinishedTotal.WithLabelValues(string(to)).Inc()
	}
	e.publish(task, event)
	return nil
}

// canTransition encodes the task status DAG
func canTransition(from, to types.TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case types.TaskStatusRunning:
		return from == types.TaskStatusPending || from == types.TaskStatusPaused
	case types.TaskStatusPaused:
		return from == types.TaskStatusRunning
	case types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled:
		return true
	}
	return false
}

// GetTask resolves a task from the store; absent is not an error
func (e *Engine) GetTask(ctx context.Context, taskID string) (*types.Task, bool, error) {
	data, found, err := e.gw.HGet(ctx, taskKey(taskID), "data")
	if err != nil || !found {
		return nil, false, err
	}

	var task types.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, false, fmt.Errorf("progress: corrupt task record %s: %w", taskID, err)
	}
	return &task, true, nil
}

// GetTimeline returns timeline events newest first
func (e *Engine) GetTimeline(ctx context.Context, taskID string, limit, offset int) ([]*types.TaskEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := e.gw.LRange(ctx, eventsKey(taskID), int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, err
	}

	events := make([]*types.TaskEvent, 0, len(raw))
	for _, item := range raw {
		var ev types.TaskEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// ActiveTaskIDs returns the ids in the active set
func (e *Engine) ActiveTaskIDs(ctx context.Context) ([]string, error) {
	return e.gw.SMembers(ctx, activeTasksKey)
}

// ActiveCount returns the size of the active set
func (e *Engine) ActiveCount(ctx context.Context) (int, error) {
	n, err := e.gw.SCard(ctx, activeTasksKey)
	return int(n), err
}

// ActiveTasks resolves every task in the active set
func (e *Engine) ActiveTasks(ctx context.Context) ([]*types.Task, error) {
	ids, err := e.ActiveTaskIDs(ctx)
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		task, found, err := e.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// Subscribe registers an in-process subscriber. taskID filters to one task;
// empty receives every event.
func (e *Engine) Subscribe(taskID string) Subscriber {
	return e.broker.subscribe(taskID)
}

// Unsubscribe removes an in-process subscriber
func (e *Engine) Unsubscribe(sub Subscriber) {
	e.broker.unsubscribe(sub)
}

// newEvent builds a timeline event; the published copy later gains the
// aggregate snapshot.
func (e *Engine) newEvent(task *types.Task, eventType types.EventType, stage, message, errMsg string) *types.TaskEvent {
	return &types.TaskEvent{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Type:      eventType,
		Stage:     stage,
		Message:   message,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
}

// writeTask persists the task record, timeline events, and active set
// membership in one transactional pipeline. Events never reach subscribers
// unless this commit succeeds.
func (e *Engine) writeTask(ctx context.Context, task *types.Task, addActive, removeActive bool, events ...*types.TaskEvent) error {
	task.EventsCount += int64(len(events))

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("progress: marshal task %s: %w", task.ID, err)
	}

	eventPayloads := make([][]byte, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("progress: marshal event for %s: %w", task.ID, err)
		}
		eventPayloads = append(eventPayloads, payload)
	}

	key := taskKey(task.ID)
	return e.gw.Tx(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"data":         data,
			"created_at":   task.CreatedAt.UTC().Format(time.RFC3339Nano),
			"last_update":  task.UpdatedAt.UTC().Format(time.RFC3339Nano),
			"events_count": task.EventsCount,
		})
		for _, payload := range eventPayloads {
			pipe.LPush(ctx, eventsKey(task.ID), payload)
		}
		pipe.LTrim(ctx, eventsKey(task.ID), 0, int64(e.cfg.TimelineLimit)-1)
		if addActive {
			pipe.SAdd(ctx, activeTasksKey, task.ID)
		}
		if removeActive {
			pipe.SRem(ctx, activeTasksKey, task.ID)
		}
		return nil
	})
}

// publish fans the event out after the durable write committed. Publication
// is fire-and-forget; a dead pub/sub channel never fails the operation.
func (e *Engine) publish(task *types.Task, event *types.TaskEvent) {
	published := *event
	published.Progress = task.Progress.Clone()

	payload, err := json.Marshal(&published)
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to marshal published event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.gw.Publish(ctx, ChannelProgressUpdates, payload); err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("event publish failed")
	}

	e.broker.publish(&published)
	metrics.EventsPublishedTotal.Inc()
}

func (e *Engine) shouldAppendTimeline(taskID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastTimeline[taskID]; ok && now.Sub(last) < timelineSampleInterval {
		return false
	}
	e.lastTimeline[taskID] = now
	return true
}

func estimatorKey(taskID, stage string) string {
	return taskID + "|" + stage
}

func (e *Engine) dropEstimator(taskID, stage string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.estimators, estimatorKey(taskID, stage))
}

func (e *Engine) dropTaskEstimators(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := taskID + "|"
	for key := range e.estimators {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.estimators, key)
		}
	}
	delete(e.lastTimeline, taskID)
}

// recomputeAggregate derives the weighted percentage, average rate over
// active stages, peak rate, and overall ETA.
func recomputeAggregate(p *types.AggregateProgress) {
	var pctSum, weightSum float64
	var rateSum float64
	activeRates := 0
	var remaining int64
	totalKnown := false

	for _, name := range p.StageOrder {
		sp := p.Stages[name]
		w := p.Weights[name]
		pctSum += sp.Percentage * w
		weightSum += w

		if sp.StartedAt != nil && sp.CompletedAt == nil {
			rateSum += sp.Rate
			activeRates++
		}
		if sp.TotalBytes > 0 {
			totalKnown = true
			if rem := sp.TotalBytes - sp.BytesProcessed; rem > 0 {
				remaining += rem
			}
		}
	}

	if weightSum > 0 {
		p.Percentage = pctSum / weightSum
	}
	if activeRates > 0 {
		p.AverageRate = rateSum / float64(activeRates)
	} else {
		p.AverageRate = 0
	}
	if p.AverageRate > p.PeakRate {
		p.PeakRate = p.AverageRate
	}
	if totalKnown && p.AverageRate > 0 {
		eta := float64(remaining) / p.AverageRate
		p.ETASeconds = &eta
	} else {
		p.ETASeconds = nil
	}
}
