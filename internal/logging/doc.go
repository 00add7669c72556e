// Package logging provides structured logging for the dtp server and client.
//
// This package wraps a global zap logger with convenience functions for the
// events the transport produces. Logging is silent until Initialize is
// called with a level or DTP_LOG_LEVEL is set, so library users see no
// output unless they ask for it.
//
// # Log Levels
//
//   - Debug: frame hex dumps, handshake internals
//   - Info: connections, handshakes, server start and stop
//   - Warn: dropped connections, failed handshakes, undecodable frames
//   - Error: listener failures, panicking event handlers
//
// # Specialized Logging
//
//	logging.LogConnection(remoteAddr, "accepted")
//	logging.LogHandshake(remoteAddr, id, "xchacha20poly1305", nil)
//	logging.LogFrame(id, "in", body)
//
// # Configuration
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// Output goes to stderr in zap's console format so it does not mix with
// command output on stdout.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The global logger is
// swapped atomically.
package logging
