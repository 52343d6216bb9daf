/*
Package log provides structured logging for Bazaar using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

Bazaar's logging system provides structured JSON logging with minimal
overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Output: stdout, file, or custom writer  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Component Loggers                  │           │
	│  │  - WithComponent("manager")                │           │
	│  │  - WithModelID("model-abc123")             │           │
	│  │  - WithDeploymentID("deploy-xyz")          │           │
	│  │  - WithReportID("report-def456")           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Log Output                      │           │
	│  │                                            │           │
	│  │  JSON Format:                              │           │
	│  │  {                                         │           │
	│  │    "level": "info",                        │           │
	│  │    "component": "manager",                 │           │
	│  │    "time": "2026-08-24T10:30:00Z",         │           │
	│  │    "message": "training submitted"         │           │
	│  │  }                                         │           │
	│  │                                            │           │
	│  │  Console Format:                           │           │
	│  │  10:30AM INF training submitted component=manager      │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Log Levels

Debug Level:
  - Purpose: per-request detail, cache lookups, lease polls
  - Usage: development and troubleshooting
  - Example: "permission cache hit: user=alice model=m-123"

Info Level:
  - Purpose: lifecycle transitions and submissions
  - Usage: default production level
  - Example: "train job submitted: model=m-123 job=train-m-123"

Warn Level:
  - Purpose: recoverable anomalies
  - Usage: situations that may require attention
  - Example: "stale report lease rejected: report=r-42 attempt=2"

Error Level:
  - Purpose: operation failures that surface to callers
  - Example: "scheduler submit failed: connection refused"

Fatal Level:
  - Purpose: unrecoverable startup errors only
  - Behavior: logs message and exits the process

# Usage

Initializing the logger (once, in main):

	import "github.com/loomworks/bazaar/pkg/log"

	// JSON output (scheduler-launched processes)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers in long-lived objects:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("job_id", jobID).Msg("stale job marked failed")

Entity-scoped child loggers for request context:

	mlog := log.WithModelID(model.ID)
	mlog.Warn().Err(err).Msg("train submission rolled back")

# Output Conventions

Processes launched by the scheduler (deployment runtimes, datagen jobs,
report workers) always log JSON so allocation log files stay parseable. The
interactive CLI defaults to console output.

The deployment runtime keeps a second, separate zerolog writer for its audit
stream (see pkg/runtime); that stream never mixes with operational logs.

# Integration Points

  - cmd/bazaar: calls Init from every subcommand before anything logs
  - all pkg/ components: child loggers via WithComponent
  - pkg/runtime: separate audit writer, operational logs through here

# See Also

  - pkg/metrics for the numeric side of observability
*/
package log
