/*
Package log provides structured logging for Muster built on zerolog.

A single global logger is initialized once at process start via Init, then
every package derives child loggers carrying identifying fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("pod_id", pod.ID).Msg("pod scheduled")

Servers log JSON for machine consumption; the CLI uses the console writer.
The WithComponent/WithNodeID/WithPodID/WithServiceID/WithSessionID helpers
keep field names consistent across the codebase so log streams from the
control plane and agents can be correlated.
*/
package log
