// Package log provides structured logging for the transaction engine,
// wrapping zerolog for JSON or console output with component-scoped child
// loggers.
//
// Initialize once at startup:
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
//
// Then either use the package-level helpers or derive a component logger:
//
//	log.Info("executor started")
//	execLog := log.WithComponent("executor")
//	execLog.Warn().Str("tx_id", id.String()).Msg("undo failed, continuing compensation")
package log
