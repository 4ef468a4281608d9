// Package logging provides structured JSON logging for the session host.
//
// The Logger wraps log/slog with a JSON handler and a small set of child
// constructors that stamp every entry with host context:
//
//	logger, err := logging.NewLoggerWithRotation(dir, "info", logging.DefaultRotationConfig())
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	sessLog := logger.WithComponent("server").WithSession(sess.ID)
//	sessLog.Info("connection attached", "connection_id", connID)
//
// Entries are written to {dir}/host.log, or to stderr when dir is empty.
// RotatingWriter rolls the file over by size and keeps numbered backups,
// optionally gzipped.
//
// Standard keys used across the host:
//
//	session_id     session identifier
//	connection_id  agent connection identifier
//	component      port, store, discovery, server, manager, control
//	port           bound TCP port
//	workdir        canonical working directory
//	state          session lifecycle state
//	error          error message
//
// Use NopLogger in tests, or OrNop when a constructor accepts a nil logger.
package logging
