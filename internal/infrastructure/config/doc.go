// Package config provides 12-factor configuration management for the gateway
// and the ptyd backend.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP listener and public URL
//   - Session: Reconnect policy, startup and idle timeouts
//   - Backend: How backends are provisioned and stopped
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - Store: Optional SQLite session ledger
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Gateway running on %s\n", cfg.Server.Addr())
//
// Environment Variables:
//   - PORT, HOST, PUBLIC_URL, CORS_ORIGINS
//   - RECONNECT_POLICY, STARTUP_TIMEOUT, IDLE_TIMEOUT, REAP_INTERVAL
//   - PROVISIONER, PTYD_BINARY, RUNTIME_DIR, SHELL_PATH, STOP_GRACE
//   - BREAKER_FAILURES, BREAKER_COOLDOWN
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - STORE_PATH
//   - ptyd: PTYD_ADDR, PTYD_LISTEN_FD, PTYD_SESSION_ID, PTYD_CONFIG_FILE, PTYD_RUNTIME_DIR,
//     PTYD_SHELL, PTYD_STOP_GRACE, PTYD_LOG_LEVEL, PTYD_LOG_DEV
package config
