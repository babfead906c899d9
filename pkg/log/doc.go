/*
Package log provides structured logging for Drydock using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Two kinds of loggers exist. The global logger (and the WithComponent
children derived from it) carries operational logs of the director process
itself. Task loggers built by TaskLogger write a
single task's debug stream, which is persisted per task and served back over
the HTTP API; they always emit JSON lines so the stream stays machine
readable no matter how the process logger is configured.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("compiler")
	logger.Info().Str("package", pkg.Name).Msg("compiling")

	taskLog := log.TaskLogger(task.ID, debugFile)
	taskLog.Debug().Msg("acquired deployment lock")

Log levels follow standard severity ordering: debug < info < warn < error.
Production deployments typically run at info level.
*/
package log
