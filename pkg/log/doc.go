/*
Package log provides structured logging for Preempt built on zerolog.

Call Init once at process startup, then use the package-level helpers or
derive child loggers carrying standard fields:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("orchestrator")
	logger.Info().Str("plan_id", plan.ID).Msg("migration started")

Console output is the default; JSONOutput switches to machine-readable JSON
for production deployments.
*/
package log
