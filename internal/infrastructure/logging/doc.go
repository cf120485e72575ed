// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Logs go to stderr by default so that binaries which speak a protocol on
// stdout (ptyd, termctl) never interleave log lines with it.
//
// Session configuration values are never logged directly; they implement
// zapcore.ObjectMarshaler with secrets redacted.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Gateway starting", zap.String("port", "8080"))
//	logger.Component("relay").Warn("Backend closed", logging.SessionID(id), zap.Error(err))
package logging
