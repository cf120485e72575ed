/*
Package monitoring provides Prometheus metrics for the gateway.

# Features

- HTTP request metrics by route template
- Session counts by status and status transitions
- Reconnect outcomes
- Backend provisioning results, latency and breaker state
- Relay throughput per direction
- Go runtime and process collectors

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics)
	// ... provision a backend ...
	timer.Stop("success")
*/
package monitoring
