// Package main is the entry point for the terminal gateway.
//
// The gateway starts one shell backend per session and relays browser or
// CLI terminals to it over WebSocket.
//
// Architecture:
//
//	Client (browser, termctl) → Gateway → ptyd backend → shell (PTY)
//
// The server provides:
//   - POST /api/connect to resolve or start a session
//   - WebSocket terminals at /api/terminal/{sessionId}
//   - Idle reaping and a strict or lenient reconnect policy
//   - Prometheus metrics at /metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -provisioner exec -ptyd /usr/local/bin/ptyd
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
