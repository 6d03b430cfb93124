/*
Package log provides structured logging for the GP4U provider agent using
zerolog.

The package wraps zerolog with a single global Logger, a Config for
level/format/output selection, and component-tagged child loggers so every
log line carries a `[agent]`, `[runner]`, `[watchdog]`, or `[telemetry]`
component tag as a structured field instead of a string prefix.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	runnerLog := log.WithComponent("runner")
	runnerLog.Info().Str("job_id", "j1").Msg("image verified")

	jobLog := log.WithJobID("j1")
	jobLog.Error().Err(err).Msg("container run failed")

JSON output (production):

	{"level":"info","component":"runner","job_id":"j1","time":"2026-07-31T10:30:00Z","message":"image verified"}

Console output (development, --log-json=false):

	2026-07-31T10:30:00Z INF image verified component=runner job_id=j1

# Conventions

  - Call log.Init once, in cmd/gp4u-agent's cobra.OnInitialize hook, before
    any other package logs.
  - Use log.WithComponent for the four standard component loggers; add a
    job_id field wherever a log line is about one specific job (the
    Runner's logger carries both component=runner and job_id).
  - Never log the bearer token, the manifest's raw env map, or full
    telemetry payloads — log identifiers (job_id, node_id) and short error
    strings only.
*/
package log
