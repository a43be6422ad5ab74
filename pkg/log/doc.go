/*
Package log provides structured logging for Kiln built on zerolog.

A single global logger is configured once at startup via Init, with JSON
output for production and a console writer for interactive use. Packages
derive child loggers carrying standard fields:

	logger := log.WithComponent("controller")
	logger.Info().Msg("Reconciliation loop started")

	logger = log.WithJobID(jobID)
	logger.Error().Err(err).Msg("Failed to create container")

The job_id field is the one that matters operationally: every log line a
job generates, from submission through cleanup, carries it, so a job's
whole history is one filter away.
*/
package log
