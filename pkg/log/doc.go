/*
Package log wraps zerolog for hutch.

Init configures the global Logger once at startup. Components derive child
loggers carrying their context fields:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("project_id", id).Int("pooled", n).Msg("pool settled")

	log.WithSessionID(id).Warn().Err(err).Msg("cleanup incomplete")

Console output is used unless JSON is requested.
*/
package log
