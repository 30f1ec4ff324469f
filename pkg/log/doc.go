/*
Package log provides structured logging for the keyspace node using zerolog.

It wraps zerolog with a package-global logger initialized once via Init,
component-scoped child loggers (WithComponent, WithNodeID, WithPartition,
WithEmigID, WithPeer), and thin helpers for the common one-line cases.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("migrate").With().
		Str("dest", string(peer)).
		Logger()
	logger.Info().Uint32("emig_id", emigID).Msg("emigration started")

Console output (JSONOutput: false) is meant for local development; JSON
output is what production deployments collect. Both carry a timestamp.
*/
package log
