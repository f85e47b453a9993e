package progress

import (
	"context"
	"strings"
	"time"
)

// cleanupLoop sweeps terminal tasks past their retention on a fixed cadence
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := e.RunCleanup(ctx)
			cancel()
			if err != nil {
				e.logger.Error().Err(err).Msg("cleanup sweep failed")
			} else if removed > 0 {
				e.logger.Info().Int("removed", removed).Msg("cleanup sweep removed terminal tasks")
			}
		case <-e.stopCh:
			return
		}
	}
}

// RunCleanup deletes terminal tasks whose completion is older than the
// retention window, along with their timelines. Returns the number of tasks
// removed.
func (e *Engine) RunCleanup(ctx context.Context) (int, error) {
	keys, err := e.gw.Scan(ctx, "task:*")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -e.cfg.CompletedTaskTTLDays)
	removed := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, "task:")
		task, found, err := e.GetTask(ctx, id)
		if err != nil || !found {
			continue
		}
		if !task.Status.IsTerminal() {
			continue
		}
		finished := task.UpdatedAt
		if task.CompletedAt != nil {
			finished = *task.CompletedAt
		}
		if !finished.Before(cutoff) {
			continue
		}

		if err := e.gw.Del(ctx, key, eventsKey(id)); err != nil {
			e.logger.Warn().Err(err).Str("task_id", id).Msg("failed to remove expired task")
			continue
		}
		removed++
	}
	return removed, nil
}
