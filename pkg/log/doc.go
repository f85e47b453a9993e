/*
Package log provides structured logging for Beacon using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	hubLog := log.WithComponent("hub")
	hubLog.Info().Str("conn_id", id).Msg("connection registered")

	taskLog := log.WithTaskID("task-123")
	taskLog.Warn().Msg("update for completed task dropped")

Background loops log failures and continue; only startup errors are fatal.
*/
package log
